package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"outbox/pkg/storage"
	"outbox/pkg/types"
)

func enqueueCmd() *cobra.Command {
	var (
		actorURI    string
		inboxes     []string
		statusID    string
		payloadPath string
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an activity for delivery",
		Long: `Queues a signed delivery of the payload on behalf of --actor. Either name the
inboxes explicitly or pass --status so the workers resolve its reach.`,
		Example: `  outbox enqueue --actor https://example.com/users/alice --status 1234 --payload create.json
  outbox enqueue --actor https://example.com/users/alice --inbox https://remote.example/inbox --payload - < follow.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			if len(inboxes) == 0 && statusID == "" {
				return fmt.Errorf("either --inbox or --status is required")
			}

			payload, err := readPayload(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			svc := openStore(cfg, nil, logger)
			defer svc.Close()

			job := &types.Job{
				ID:          types.JobID(uuid.NewString()),
				ActorURI:    actorURI,
				Inboxes:     inboxes,
				Payload:     payload,
				MaxAttempts: maxAttempts,
				CreatedAt:   time.Now().UTC(),
			}
			if statusID != "" {
				if err := svc.openPostgres(ctx); err != nil {
					return err
				}
				status, err := storage.NewPostgresRelationships(svc.pg).Status(ctx, types.StatusID(statusID))
				if err != nil {
					return fmt.Errorf("failed to load status %s: %w", statusID, err)
				}
				job.Status = *status
			}

			if err := svc.queue.Enqueue(ctx, job); err != nil {
				return err
			}
			logger.Debug("Enqueued delivery", zap.String("job", string(job.ID)), zap.Int("inboxes", len(inboxes)))
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&actorURI, "actor", "", "URI of the local actor signing the delivery")
	cmd.Flags().StringSliceVar(&inboxes, "inbox", nil, "destination inbox URL (repeatable)")
	cmd.Flags().StringVar(&statusID, "status", "", "status ID whose reach should receive the payload")
	cmd.Flags().StringVar(&payloadPath, "payload", "-", "file holding the JSON activity, - for stdin")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempts before giving up (defaults to worker.max_attempts)")
	cmd.MarkFlagRequired("actor")
	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	return data, nil
}
