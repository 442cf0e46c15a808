package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/faultline-systems/faultline/core/internal/handlers"
	"github.com/faultline-systems/faultline/core/internal/scheduler"
	"github.com/faultline-systems/faultline/core/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the ingestion and group query API. With the local workflow
engine, workflows run inside this process; with jetstream they are queued
for "core worker".`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(a.repo, a.stats, a.svc, scheduler.Config{
			StatsRefreshSpec: cfg.Scheduler.StatsRefreshSpec,
			StatsLookback:    cfg.Scheduler.StatsLookback,
			ReprocessSpec:    cfg.Scheduler.ReprocessSpec,
			ReprocessAge:     cfg.Scheduler.ReprocessAge,
			ReprocessBatch:   cfg.Scheduler.ReprocessBatch,
		}, logger)
		if err != nil {
			return err
		}
		go sched.Start(ctx)
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	if serveAddr != "" {
		listenAddr = serveAddr
	}
	var handlerOpts []handlers.Option
	if a.usage != nil {
		handlerOpts = append(handlerOpts, handlers.WithUsage(a.usage))
	}
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(handlers.New(a.svc, logger, handlerOpts...), cfg.Server.AllowedOrigins, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("core service listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
	if a.local != nil {
		if err := a.local.Shutdown(shutdownCtx); err != nil {
			logger.Warn("in-flight workflows interrupted; the reprocess sweep will resume them", "error", err)
		}
	}
	logger.Info("server stopped gracefully")
	return nil
}
