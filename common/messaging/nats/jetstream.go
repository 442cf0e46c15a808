package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/faultline-systems/faultline/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration
}

// ConsumerConfig defines a JetStream consumer configuration.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name          string
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts before giving up.
	MaxDeliver    int
	MaxAckPending int

	// NakDelay is the redelivery delay applied when a handler fails.
	NakDelay time.Duration
}

// DefaultConsumerConfig returns sensible defaults for a consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 100,
		NakDelay:      5 * time.Second,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
		Duplicates: cfg.Duplicates,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable consumer.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}

	return consumer, nil
}

// PublishSync publishes a message and waits for the stream acknowledgment.
// A PubAck with Duplicate set means the MsgID was already stored.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte, opts ...messaging.PublishOption) (*jetstream.PubAck, error) {
	o := messaging.ApplyPublishOptions(opts...)

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range o.Headers {
		msg.Header.Set(k, v)
	}

	var pubOpts []jetstream.PublishOpt
	if o.MsgID != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(o.MsgID))
	}

	return c.js.PublishMsg(ctx, msg, pubOpts...)
}

// ConsumeMessages starts consuming messages from a durable consumer.
// Successful handlers ack; Terminal errors term the message; other errors
// nak with cfg.NakDelay. Returns a function that stops consuming.
func (c *JetStreamClient) ConsumeMessages(ctx context.Context, streamName string, cfg ConsumerConfig, handler messaging.MessageHandler) (func(), error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", cfg.Name, err)
	}

	nakDelay := cfg.NakDelay
	if nakDelay <= 0 {
		nakDelay = 5 * time.Second
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := jetStreamToMessage(msg)

		err := handler(consumeCtx, m)
		switch {
		case err == nil:
			_ = msg.Ack()
		case messaging.IsTerminal(err):
			slog.Warn("terminating message", slog.String("subject", m.Subject), slog.String("error", err.Error()))
			_ = msg.Term()
		case errors.Is(err, context.Canceled):
			// Shutting down; let AckWait expire so another worker picks it up.
		default:
			_ = msg.NakWithDelay(nakDelay)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}

func jetStreamToMessage(msg jetstream.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Metadata:  headersToMetadata(msg.Headers()),
		Timestamp: time.Now(),
		Progress:  msg.InProgress,
	}

	if meta, err := msg.Metadata(); err == nil {
		m.Deliveries = int(meta.NumDelivered)
		m.Timestamp = meta.Timestamp
	}

	return m
}

// Predefined stream configurations for faultline.
var (
	// ErrorProcessingStream holds one start request per raw error. The
	// duplicate window makes Start idempotent per workflow id.
	ErrorProcessingStream = StreamConfig{
		Name:       "ERROR_PROCESSING",
		Subjects:   []string{messaging.SubjectErrorsProcess},
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024, // 1GB
		MaxMsgs:    5_000_000,
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 24 * time.Hour,
	}

	// GroupEventsStream captures group lifecycle events for alerting consumers.
	GroupEventsStream = StreamConfig{
		Name:      "ERROR_GROUP_EVENTS",
		Subjects:  []string{"errors.groups.>"},
		MaxAge:    24 * time.Hour,
		MaxBytes:  100 * 1024 * 1024, // 100MB
		MaxMsgs:   100_000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}

	// DLQStream keeps failed workflows for inspection and replay.
	DLQStream = StreamConfig{
		Name:      "ERROR_DLQ",
		Subjects:  []string{messaging.SubjectDLQ + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  500 * 1024 * 1024, // 500MB
		MaxMsgs:   100_000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)
