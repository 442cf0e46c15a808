package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Restart workflows for raw errors that never finished processing",
	Long: `Finds raw errors still unprocessed after --older-than and starts or
restarts their workflows. Failed runs get a new run id and reuse completed
stage checkpoints.`,
	RunE: runReprocess,
}

var (
	reprocessOlderThan time.Duration
	reprocessLimit     int
	reprocessWait      time.Duration
)

func init() {
	reprocessCmd.Flags().DurationVar(&reprocessOlderThan, "older-than", 15*time.Minute, "only raw errors received before now minus this")
	reprocessCmd.Flags().IntVar(&reprocessLimit, "limit", 500, "maximum raw errors to scan")
	reprocessCmd.Flags().DurationVar(&reprocessWait, "wait", 5*time.Minute, "with the local engine, how long to wait for restarted runs")
	rootCmd.AddCommand(reprocessCmd)
}

func runReprocess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Reprocess(ctx, reprocessOlderThan, reprocessLimit)
	if err != nil {
		return err
	}

	if a.local != nil {
		waitCtx, cancel := context.WithTimeout(ctx, reprocessWait)
		defer cancel()
		if err := a.local.Shutdown(waitCtx); err != nil {
			logger.Warn("stopped waiting for restarted workflows", "error", err)
		}
	}

	return writeJSON(cmd, res)
}
