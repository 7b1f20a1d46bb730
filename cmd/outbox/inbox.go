package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"outbox/pkg/federation"
)

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect and reset the per-inbox circuit breaker",
	}
	cmd.AddCommand(inboxStatusCmd(), inboxListCmd(), inboxResetCmd())
	return cmd
}

// withTrackers runs fn against the Redis-backed trackers.
func withTrackers(fn func(ctx context.Context, svc *services) error) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc := openStore(cfg, nil, logger)
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, svc)
}

func inboxStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <inbox-url>",
		Short: "Show the failure streak of an inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrackers(func(ctx context.Context, svc *services) error {
				inbox := args[0]
				days, err := svc.failures.Days(ctx, inbox)
				if err != nil {
					return err
				}
				unavailable, err := svc.failures.Unavailable(ctx, inbox)
				if err != nil {
					return err
				}

				state := "available"
				if unavailable {
					state = "unavailable"
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, titleStyle.Render(inbox))
				fmt.Fprintln(out, renderField("State", state))
				fmt.Fprintln(out, renderField("Failure days", fmt.Sprintf("%d / %d", days, svc.cfg.Tracker.FailureThreshold)))
				fmt.Fprintln(out, renderField("Host", federation.InboxHost(inbox)))
				return nil
			})
		},
	}
}

func inboxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List inboxes the breaker marked unavailable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrackers(func(ctx context.Context, svc *services) error {
				inboxes, err := svc.failures.UnavailableInboxes(ctx)
				if err != nil {
					return err
				}
				if len(inboxes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No unavailable inboxes"))
					return nil
				}

				t := newTable("INBOX", "HOST", "FAILURE DAYS")
				for _, inbox := range inboxes {
					days, err := svc.failures.Days(ctx, inbox)
					if err != nil {
						return err
					}
					t.Row(inbox, federation.InboxHost(inbox), strconv.Itoa(days))
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.String())
				return nil
			})
		},
	}
}

func inboxResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <inbox-url>...",
		Short: "Clear the failure streak and make inboxes available again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrackers(func(ctx context.Context, svc *services) error {
				for _, inbox := range args {
					if err := svc.failures.Reset(ctx, inbox); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", inbox)
				}
				return nil
			})
		},
	}
}
