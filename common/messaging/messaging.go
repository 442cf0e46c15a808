// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow components to publish and subscribe to messages
// without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTerminal marks a handler error that must not be redelivered.
var ErrTerminal = errors.New("terminal message failure")

// Terminal wraps err so durable consumers terminate the message instead of retrying it.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// IsTerminal reports whether err was wrapped by Terminal.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic/channel the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Reply is an optional subject for request/reply patterns.
	Reply string

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time

	// Deliveries counts delivery attempts for durable messages, starting at 1.
	// Zero for core (non-durable) messages.
	Deliveries int

	// Progress resets the broker's redelivery timer. Nil for core messages.
	Progress func() error
}

// InProgress tells the broker the message is still being worked on.
// It is a no-op for messages without a durable consumer behind them.
func (m *Message) InProgress() error {
	if m.Progress == nil {
		return nil
	}
	return m.Progress()
}

// MessageHandler processes a received message.
// Returning an error triggers redelivery on durable consumers unless it is Terminal.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject (fire-and-forget).
	Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error

	// PublishMsg sends a Message with full control over headers and metadata.
	PublishMsg(ctx context.Context, msg *Message) error

	// Request sends a message and waits for a response (request/reply pattern).
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)

	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	// QueueSubscribe load-balances messages across subscribers in the same queue group.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	Close() error
}

// Client combines Publisher and Subscriber interfaces.
type Client interface {
	Publisher
	Subscriber

	// Drain gracefully closes the connection, allowing in-flight messages to complete.
	Drain() error

	IsConnected() bool
}

// PublishOption configures message publishing behavior.
type PublishOption func(*PublishOptions)

// PublishOptions is the resolved form of a set of PublishOption values.
type PublishOptions struct {
	Headers map[string]string
	// MsgID enables broker-side deduplication where supported.
	MsgID string
}

// ApplyPublishOptions resolves opts.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// WithMsgID sets the deduplication id of a durable publish.
func WithMsgID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.MsgID = id
	}
}
