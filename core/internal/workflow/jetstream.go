package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/common/messaging"
	natsclient "github.com/faultline-systems/faultline/common/messaging/nats"
)

// JetStreamTransport is the part of natsclient.JetStreamClient the engine uses.
type JetStreamTransport interface {
	PublishSync(ctx context.Context, subject string, data []byte, opts ...messaging.PublishOption) (*jetstream.PubAck, error)
	ConsumeMessages(ctx context.Context, streamName string, cfg natsclient.ConsumerConfig, handler messaging.MessageHandler) (func(), error)
}

type JetStreamConfig struct {
	Subject  string
	Stream   string
	Consumer natsclient.ConsumerConfig
	// Workers is the number of concurrent consume loops in Run.
	Workers int
	// HeartbeatInterval extends the ack deadline while an activity runs.
	HeartbeatInterval time.Duration
}

// DefaultJetStreamConfig consumes errors.process from the ERROR_PROCESSING
// stream with a durable consumer named after the task queue.
func DefaultJetStreamConfig(taskQueue string) JetStreamConfig {
	consumer := natsclient.DefaultConsumerConfig(taskQueue, messaging.SubjectErrorsProcess)
	return JetStreamConfig{
		Subject:           messaging.SubjectErrorsProcess,
		Stream:            natsclient.ErrorProcessingStream.Name,
		Consumer:          consumer,
		Workers:           4,
		HeartbeatInterval: consumer.AckWait / 3,
	}
}

type startRequest struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// JetStreamEngine starts runs by publishing a start request to a work-queue
// stream; Run consumes the stream and executes them. The first run of a
// workflow is published with Nats-Msg-Id equal to the workflow id, so the
// stream drops repeated starts inside its duplicate window.
type JetStreamEngine struct {
	*runner
	transport JetStreamTransport
	cfg       JetStreamConfig
}

func NewJetStreamEngine(transport JetStreamTransport, store StateStore, cfg JetStreamConfig, opts Options) *JetStreamEngine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &JetStreamEngine{
		runner:    newRunner("jetstream", store, opts),
		transport: transport,
		cfg:       cfg,
	}
}

// Config returns the effective stream and consumer settings.
func (e *JetStreamEngine) Config() JetStreamConfig {
	return e.cfg
}

func (e *JetStreamEngine) Start(ctx context.Context, opts StartOptions, input any) (*Handle, error) {
	st, created, err := e.create(ctx, opts, input)
	if err != nil {
		return nil, err
	}
	if created {
		if err := e.publish(ctx, st, st.WorkflowID); err != nil {
			return nil, err
		}
	}
	return e.handle(st), nil
}

func (e *JetStreamEngine) Restart(ctx context.Context, workflowID string) (*Handle, error) {
	st, err := e.restart(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, st, st.WorkflowID+":"+st.RunID); err != nil {
		return nil, err
	}
	return e.handle(st), nil
}

// publish sends the start request. If the stream rejects it the run is
// marked failed so that it can be restarted later.
func (e *JetStreamEngine) publish(ctx context.Context, st *RunState, msgID string) error {
	data, err := json.Marshal(startRequest{WorkflowID: st.WorkflowID, RunID: st.RunID})
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}

	ack, err := e.transport.PublishSync(ctx, e.cfg.Subject, data, messaging.WithMsgID(msgID))
	if err == nil {
		if ack != nil && ack.Duplicate {
			e.logger.InfoContext(ctx, "start request already queued", logging.WorkflowID(st.WorkflowID))
		}
		return nil
	}

	pubErr := fmt.Errorf("failed to publish start request: %w", err)
	now := e.now()
	if _, uerr := e.store.Update(ctx, st.WorkflowID, guardRun(st.RunID, func(s *RunState) {
		s.Status = StatusFailed
		s.Error = pubErr.Error()
		s.UpdatedAt = now
		s.CompletedAt = &now
	})); uerr != nil {
		e.logger.ErrorContext(ctx, "failed to mark undispatched run", logging.WorkflowID(st.WorkflowID), logging.Error(uerr))
	}
	return pubErr
}

// Run consumes start requests until ctx is cancelled.
func (e *JetStreamEngine) Run(ctx context.Context) error {
	var stops []func()
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	for i := 0; i < e.cfg.Workers; i++ {
		stop, err := e.transport.ConsumeMessages(ctx, e.cfg.Stream, e.cfg.Consumer, e.handleMessage)
		if err != nil {
			return fmt.Errorf("failed to start workflow consumer: %w", err)
		}
		stops = append(stops, stop)
	}

	e.logger.Info("workflow worker started", "stream", e.cfg.Stream, "consumer", e.cfg.Consumer.Name, "workers", e.cfg.Workers)
	<-ctx.Done()
	return nil
}

// handleMessage executes the requested run. A run that ended failed is
// terminated so JetStream does not redeliver it; a run left running is
// nak'ed for redelivery. Requests for superseded or unknown runs are acked.
func (e *JetStreamEngine) handleMessage(ctx context.Context, msg *messaging.Message) error {
	var req startRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return messaging.Terminal(fmt.Errorf("invalid start request: %w", err))
	}

	stopHeartbeat := e.keepAlive(ctx, msg)
	status, err := e.execute(ctx, req.WorkflowID, req.RunID, func() { _ = msg.InProgress() })
	stopHeartbeat()

	switch {
	case err == nil && status == StatusFailed:
		return messaging.Terminal(fmt.Errorf("workflow %s run %s failed", req.WorkflowID, req.RunID))
	case err == nil:
		return nil
	case errors.Is(err, ErrRunSuperseded), errors.Is(err, ErrWorkflowNotFound):
		e.logger.InfoContext(ctx, "dropping stale start request",
			logging.WorkflowID(req.WorkflowID), logging.RunID(req.RunID), logging.Error(err))
		return nil
	default:
		return err
	}
}

func (e *JetStreamEngine) keepAlive(ctx context.Context, msg *messaging.Message) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() { close(done) }
}

func (e *JetStreamEngine) Close() error { return nil }
