package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/faultline-systems/faultline/common/messaging"
	natsclient "github.com/faultline-systems/faultline/common/messaging/nats"
	"github.com/faultline-systems/faultline/core/internal/metrics"
)

// JetStreamQueue publishes failed workflows to the ERROR_DLQ stream on
// errors.dlq.<stage>. Safe for use across multiple worker instances.
type JetStreamQueue struct {
	js      *natsclient.JetStreamClient
	stream  jetstream.Stream
	written atomic.Uint64
}

func NewJetStreamQueue(ctx context.Context, js *natsclient.JetStreamClient) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, natsclient.DLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	slog.Info("DLQ: JetStream stream ready", slog.String("stream", natsclient.DLQStream.Name))
	return &JetStreamQueue{js: js, stream: stream}, nil
}

func (q *JetStreamQueue) Write(ctx context.Context, failed FailedWorkflow) error {
	if q == nil {
		return nil
	}

	data, err := json.Marshal(failed)
	if err != nil {
		metrics.DLQWrites.WithLabelValues("jetstream", "error").Inc()
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	// One entry per run; a redelivered failure is dropped by the stream.
	msgID := "dlq:" + failed.WorkflowID + ":" + failed.RunID
	if _, err := q.js.PublishSync(ctx, messaging.DLQSubject(failed.Reason()), data, messaging.WithMsgID(msgID)); err != nil {
		metrics.DLQWrites.WithLabelValues("jetstream", "error").Inc()
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	metrics.DLQWrites.WithLabelValues("jetstream", "success").Inc()
	return nil
}

func (q *JetStreamQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{"enabled": false, "backend": "jetstream"}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]any{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": q.written.Load(),
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  q.written.Load(),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List reads entries through an ephemeral consumer without acknowledging them.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedWorkflow, error) {
	if q == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: messaging.SubjectDLQ + ".>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var entries []FailedWorkflow
	for msg := range msgs.Messages() {
		var failed FailedWorkflow
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			slog.Error("DLQ: failed to parse message", slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, failed)
	}
	if msgs.Error() != nil {
		slog.Warn("DLQ: fetch completed with error", slog.String("error", msgs.Error().Error()))
	}

	return entries, nil
}

func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrDisabled
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	return nil
}
