package main

import (
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume error-processing workflows from JetStream",
	Long: `Runs workflow executions queued by "core serve". Requires
workflow.engine=jetstream. Several workers may share the durable consumer.`,
	RunE: runWorker,
}

var workerMetricsAddr string

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", ":9090", "address for the /metrics endpoint (empty disables it)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if cfg.Workflow.Engine != "jetstream" {
		return errors.New("core worker requires workflow.engine=jetstream")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	jcfg := a.jsEngine.Config()
	if _, err := a.js.CreateOrUpdateConsumer(ctx, jcfg.Stream, jcfg.Consumer); err != nil {
		return err
	}

	if workerMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: workerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	if err := a.jsEngine.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}
