package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/faultline-systems/faultline/common/config"
	"github.com/faultline-systems/faultline/common/database"
	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/common/messaging"
	natsclient "github.com/faultline-systems/faultline/common/messaging/nats"
	"github.com/faultline-systems/faultline/core/internal/dedup"
	"github.com/faultline-systems/faultline/core/internal/dlq"
	"github.com/faultline-systems/faultline/core/internal/pipeline"
	"github.com/faultline-systems/faultline/core/internal/repository"
	"github.com/faultline-systems/faultline/core/internal/service"
	"github.com/faultline-systems/faultline/core/internal/stats"
	"github.com/faultline-systems/faultline/core/internal/usage"
	"github.com/faultline-systems/faultline/core/internal/workflow"
)

// app holds the wired dependencies shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	repo     *repository.PostgresRepository
	js       *natsclient.JetStreamClient
	redis    *redis.Client
	dlq      dlq.Queue
	local    *workflow.LocalEngine
	jsEngine *workflow.JetStreamEngine
	engine   workflow.Engine
	usage    *usage.Collector
	stats    *stats.Calculator
	pipeline *pipeline.Pipeline
	svc      *service.ErrorService
}

func activityOptions(c config.WorkflowConfig) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: c.ActivityTimeout,
		RetryPolicy: workflow.RetryPolicy{
			InitialInterval:    c.Retry.InitialInterval,
			BackoffCoefficient: c.Retry.BackoffCoefficient,
			MaximumInterval:    c.Retry.MaximumInterval,
			MaximumAttempts:    c.Retry.MaximumAttempts,
		},
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.repo, err = repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString(), repository.PoolConfig{
		MaxConns: cfg.Database.Postgres.MaxConns,
		MinConns: cfg.Database.Postgres.MinConns,
		Timeouts: database.Timeouts{
			Query: cfg.Database.Postgres.QueryTimeout,
			Write: cfg.Database.Postgres.WriteTimeout,
			Bulk:  cfg.Database.Postgres.BulkTimeout,
		},
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres", "host", cfg.Database.Postgres.Host)

	if cfg.NATS.Enabled {
		if err = a.connectNATS(ctx); err != nil {
			return nil, err
		}
	}

	store, err := a.stateStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.redis != nil && cfg.Usage.Enabled {
		a.usage = usage.NewCollector(usage.NewStore(a.redis, instanceID()), cfg.Usage.FlushInterval, logger)
	}

	opts := workflow.Options{
		Activity:   activityOptions(cfg.Workflow),
		StaleAfter: cfg.Workflow.StaleAfter,
		Logger:     logger,
	}
	if cfg.DLQ.Enabled {
		if a.dlq, err = a.openDLQ(ctx); err != nil {
			return nil, err
		}
		opts.OnFailure = pipeline.NewDeadLetter(a.dlq, logger)
	}

	switch cfg.Workflow.Engine {
	case "jetstream":
		jcfg := workflow.DefaultJetStreamConfig(cfg.Workflow.TaskQueue)
		if cfg.Workflow.Workers > 0 {
			jcfg.Workers = cfg.Workflow.Workers
		}
		a.jsEngine = workflow.NewJetStreamEngine(a.js, store, jcfg, opts)
		a.engine = a.jsEngine
	default:
		a.local = workflow.NewLocalEngine(store, cfg.Workflow.MaxConcurrent, opts)
		a.engine = a.local
	}

	var events pipeline.EventPublisher
	if a.js != nil {
		events = a.js
	}
	a.stats = stats.New(a.repo, stats.Config{
		FrequencyWindow:   cfg.Stats.FrequencyWindow,
		WarningThreshold:  cfg.Stats.WarningThreshold,
		CriticalThreshold: cfg.Stats.CriticalThreshold,
	})
	a.pipeline = pipeline.New(a.repo,
		dedup.New(a.repo, dedup.Config{Window: cfg.Dedup.Window, ScanHorizon: cfg.Dedup.ScanHorizon}),
		a.stats, events, logger)
	a.pipeline.Register(a.engine)

	svcOpts := service.Options{
		Activity: opts.Activity,
		Logger:   logger,
	}
	if a.js != nil {
		svcOpts.Broker = a.js
		if _, err = messaging.ServeHealth(a.js, instanceID()); err != nil {
			return nil, err
		}
	}
	a.svc = service.New(a.repo, a.engine, a.pipeline, svcOpts)
	logger.Info("workflow engine ready", "engine", cfg.Workflow.Engine, "dlq", cfg.DLQ.Enabled)
	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	nc := natsclient.DefaultConfig()
	nc.URL = a.cfg.NATS.URL
	nc.Name = "faultline-core"
	nc.MaxReconnects = a.cfg.NATS.MaxReconnects
	nc.ReconnectWait = a.cfg.NATS.ReconnectWait

	js, err := natsclient.NewJetStreamClient(nc)
	if err != nil {
		return err
	}
	a.js = js

	for _, sc := range []natsclient.StreamConfig{natsclient.ErrorProcessingStream, natsclient.GroupEventsStream} {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			return err
		}
	}
	a.logger.Info("connected to NATS", "url", a.cfg.NATS.URL)
	return nil
}

func (a *app) stateStore(ctx context.Context) (workflow.StateStore, error) {
	if !a.cfg.Redis.Enabled {
		return workflow.NewMemoryStateStore(), nil
	}

	opt, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if a.cfg.Redis.MaxRetries > 0 {
		opt.MaxRetries = a.cfg.Redis.MaxRetries
	}
	if a.cfg.Redis.PoolSize > 0 {
		opt.PoolSize = a.cfg.Redis.PoolSize
	}
	a.redis = redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return workflow.NewRedisStateStore(a.redis, a.cfg.Workflow.StateTTL), nil
}

func (a *app) openDLQ(ctx context.Context) (dlq.Queue, error) {
	switch a.cfg.DLQ.Backend {
	case "jetstream":
		if a.js == nil {
			return nil, errors.New("dlq.backend jetstream requires nats")
		}
		return dlq.NewJetStreamQueue(ctx, a.js)
	default:
		q, err := dlq.NewFileQueue(a.cfg.DLQ.BasePath)
		if err != nil {
			return nil, err
		}
		a.logger.Info("DLQ enabled", "path", a.cfg.DLQ.BasePath)
		return q, nil
	}
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.usage != nil {
		a.usage.Stop()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.js != nil {
		_ = a.js.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

// instanceID names this process in shared usage counters.
func instanceID() string {
	if id := os.Getenv("FAULTLINE_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "core"
}
