package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/faultline-systems/faultline/core/internal/dlq"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and drain the dead-letter queue",
}

var dlqLimit int

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed workflows, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(cmd.Context(), func(q dlq.Queue) error {
			entries, err := q.List(cmd.Context(), dlqLimit)
			if err != nil {
				return err
			}
			return writeJSON(cmd, entries)
		})
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter queue backend statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(cmd.Context(), func(q dlq.Queue) error {
			return writeJSON(cmd, q.Stats(cmd.Context()))
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-letter entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(cmd.Context(), func(q dlq.Queue) error {
			if err := q.Purge(cmd.Context()); err != nil {
				return err
			}
			logger.Info("dead-letter queue purged", "backend", cfg.DLQ.Backend)
			return nil
		})
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Restart the workflows listed in the dead-letter queue",
	Long: `Starts a new run for every listed workflow, reusing completed stage
checkpoints. Entries stay in the queue; purge them once the runs succeed.`,
	RunE: runDLQRetry,
}

// retryResult is one line of "core dlq retry" output.
type retryResult struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func init() {
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 100, "maximum entries to read")
	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqPurgeCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

// withDLQ opens only the queue backend, not the database.
func withDLQ(ctx context.Context, fn func(dlq.Queue) error) error {
	if !cfg.DLQ.Enabled {
		return dlq.ErrDisabled
	}

	a := &app{cfg: cfg, logger: logger}
	defer a.Close()
	if cfg.DLQ.Backend == "jetstream" {
		if err := a.connectNATS(ctx); err != nil {
			return err
		}
	}

	q, err := a.openDLQ(ctx)
	if err != nil {
		return err
	}
	return fn(q)
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.dlq == nil {
		return dlq.ErrDisabled
	}

	entries, err := a.dlq.List(ctx, dlqLimit)
	if err != nil {
		return err
	}

	results := make([]retryResult, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	var failed int
	for _, e := range entries {
		if seen[e.WorkflowID] {
			continue
		}
		seen[e.WorkflowID] = true

		res := retryResult{WorkflowID: e.WorkflowID}
		h, err := a.engine.Restart(ctx, e.WorkflowID)
		if err != nil {
			failed++
			res.Error = err.Error()
		} else {
			res.RunID = h.RunID
		}
		results = append(results, res)
	}

	if a.local != nil {
		if err := a.local.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("stopped waiting for restarted workflows", "error", err)
		}
	}

	if err := writeJSON(cmd, results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workflows could not be restarted", failed, len(results))
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
