package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"outbox/pkg/federation"
	"outbox/pkg/utils"
)

func statsCmd() *cobra.Command {
	var (
		host  string
		hours int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show hourly delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			if hours <= 0 {
				return fmt.Errorf("--hours must be positive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc := openStore(cfg, nil, logger)
			defer svc.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			to := time.Now().UTC()
			from := to.Add(-time.Duration(hours-1) * time.Hour)
			var history []federation.HourlyHistory
			if host == "" {
				history, err = svc.stats.HourlyDeliveryHistories(ctx, from, to)
			} else {
				history, err = svc.stats.HostDeliveryHistories(ctx, host, from, to)
			}
			if err != nil {
				return err
			}

			queueStats, err := svc.queue.Stats(ctx)
			if err != nil {
				return err
			}

			scope := "all hosts"
			if host != "" {
				scope = host
			}
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("Deliveries: "+scope))
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(history))
			fmt.Fprintln(cmd.OutOrStdout(), renderField("Queued", strconv.FormatInt(queueStats.Ready, 10)))
			fmt.Fprintln(cmd.OutOrStdout(), renderField("Scheduled retries", strconv.FormatInt(queueStats.Delayed, 10)))
			fmt.Fprintln(cmd.OutOrStdout(), renderField("Body limit", utils.FormatDataSize(cfg.Transport.MaxBodySize)))
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "restrict to one destination host")
	cmd.Flags().IntVar(&hours, "hours", 24, "number of hours to show")
	return cmd
}

func renderHistory(history []federation.HourlyHistory) string {
	t := newTable("HOUR (UTC)", "SUCCESS", "FAILURE", "SUCCESS RATE")

	var success, failure int64
	for _, h := range history {
		success += h.Success
		failure += h.Failure
		t.Row(
			h.HourStart.Format("2006-01-02 15:04"),
			strconv.FormatInt(h.Success, 10),
			strconv.FormatInt(h.Failure, 10),
			renderSuccessRate(h.Success, h.Failure),
		)
	}
	t.Row("TOTAL", strconv.FormatInt(success, 10), strconv.FormatInt(failure, 10), renderSuccessRate(success, failure))
	return t.String()
}
