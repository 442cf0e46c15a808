package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-systems/faultline/common/messaging"
	natsclient "github.com/faultline-systems/faultline/common/messaging/nats"
)

type published struct {
	subject string
	data    []byte
	msgID   string
}

// fakeTransport acts as a stream with a duplicate window keyed by MsgID.
type fakeTransport struct {
	mu         sync.Mutex
	published  []published
	seen       map[string]bool
	publishErr error
	handler    messaging.MessageHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{seen: make(map[string]bool)}
}

func (f *fakeTransport) PublishSync(ctx context.Context, subject string, data []byte, opts ...messaging.PublishOption) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	o := messaging.ApplyPublishOptions(opts...)
	if f.seen[o.MsgID] {
		return &jetstream.PubAck{Stream: "ERROR_PROCESSING", Duplicate: true}, nil
	}
	f.seen[o.MsgID] = true
	f.published = append(f.published, published{subject: subject, data: data, msgID: o.MsgID})
	return &jetstream.PubAck{Stream: "ERROR_PROCESSING"}, nil
}

func (f *fakeTransport) ConsumeMessages(ctx context.Context, streamName string, cfg natsclient.ConsumerConfig, handler messaging.MessageHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return func() {}, nil
}

func (f *fakeTransport) last() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestJetStreamEngine(t *testing.T, transport *fakeTransport) *JetStreamEngine {
	t.Helper()
	cfg := DefaultJetStreamConfig("error-processing")
	cfg.HeartbeatInterval = time.Millisecond
	return NewJetStreamEngine(transport, NewMemoryStateStore(), cfg, Options{
		Activity:     fastOptions(),
		PollInterval: 5 * time.Millisecond,
	})
}

func deliver(e *JetStreamEngine, p published, progress func() error) error {
	return e.handleMessage(context.Background(), &messaging.Message{Subject: p.subject, Data: p.data, Progress: progress})
}

func TestDefaultJetStreamConfig(t *testing.T) {
	cfg := DefaultJetStreamConfig("error-processing")
	assert.Equal(t, messaging.SubjectErrorsProcess, cfg.Subject)
	assert.Equal(t, natsclient.ErrorProcessingStream.Name, cfg.Stream)
	assert.Equal(t, "error-processing", cfg.Consumer.Name)
	assert.Equal(t, cfg.Consumer.AckWait/3, cfg.HeartbeatInterval)
}

func TestJetStreamEngine_StartPublishesWithWorkflowID(t *testing.T) {
	transport := newFakeTransport()
	e := newTestJetStreamEngine(t, transport)

	var heartbeats atomic.Int32
	e.Register("echo", Typed(func(ctx context.Context, ex Executor, in echoInput) (string, error) {
		return ExecuteActivity(ctx, ex, "echo", func(ctx context.Context) (string, error) {
			return in.Value, nil
		})
	}))

	ctx := waitCtx(t)
	h, err := e.Start(ctx, StartOptions{ID: "error-processing-1", Workflow: "echo"}, echoInput{Value: "hi"})
	require.NoError(t, err)

	msg := transport.last()
	assert.Equal(t, messaging.SubjectErrorsProcess, msg.subject)
	assert.Equal(t, "error-processing-1", msg.msgID)

	var req startRequest
	require.NoError(t, json.Unmarshal(msg.data, &req))
	assert.Equal(t, h.WorkflowID, req.WorkflowID)
	assert.Equal(t, h.RunID, req.RunID)

	_, err = e.Start(ctx, StartOptions{ID: "error-processing-1", Workflow: "echo"}, echoInput{Value: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, transport.count(), "existing runs are not republished")

	require.NoError(t, deliver(e, msg, func() error { heartbeats.Add(1); return nil }))
	assert.GreaterOrEqual(t, heartbeats.Load(), int32(1))

	var out string
	require.NoError(t, h.Result(ctx, &out))
	assert.Equal(t, "hi", out)

	require.NoError(t, deliver(e, msg, nil), "redelivery of a completed run is acked")
}

func TestJetStreamEngine_FailedRunIsTerminated(t *testing.T) {
	transport := newFakeTransport()
	e := newTestJetStreamEngine(t, transport)
	e.Register("broken", Typed(func(ctx context.Context, ex Executor, in echoInput) (string, error) {
		return ExecuteActivity(ctx, ex, "step", func(ctx context.Context) (string, error) {
			return "", NonRetryable(errors.New("raw error not found"))
		})
	}))

	ctx := waitCtx(t)
	h, err := e.Start(ctx, StartOptions{ID: "wf-broken", Workflow: "broken"}, echoInput{})
	require.NoError(t, err)

	err = deliver(e, transport.last(), nil)
	assert.True(t, messaging.IsTerminal(err))

	var we *WorkflowError
	require.ErrorAs(t, h.Result(ctx, nil), &we)
	assert.Equal(t, "step", we.Stage)

	restarted, err := e.Restart(ctx, "wf-broken")
	require.NoError(t, err)
	msg := transport.last()
	assert.Equal(t, "wf-broken:"+restarted.RunID, msg.msgID)

	assert.NoError(t, deliver(e, published{data: mustJSON(t, startRequest{WorkflowID: "wf-broken", RunID: h.RunID})}, nil),
		"requests for superseded runs are dropped")
}

func TestJetStreamEngine_InvalidRequest(t *testing.T) {
	e := newTestJetStreamEngine(t, newFakeTransport())
	err := deliver(e, published{data: []byte("not json")}, nil)
	assert.True(t, messaging.IsTerminal(err))

	err = deliver(e, published{data: mustJSON(t, startRequest{WorkflowID: "ghost", RunID: "r"})}, nil)
	assert.NoError(t, err)
}

func TestJetStreamEngine_PublishFailureMarksRunFailed(t *testing.T) {
	transport := newFakeTransport()
	transport.publishErr = errors.New("no responders")
	e := newTestJetStreamEngine(t, transport)
	e.Register("echo", Typed(func(ctx context.Context, ex Executor, in echoInput) (string, error) { return "", nil }))

	ctx := waitCtx(t)
	_, err := e.Start(ctx, StartOptions{ID: "wf-lost", Workflow: "echo"}, echoInput{})
	require.Error(t, err)

	st, err := e.Describe(ctx, "wf-lost")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, "no responders")

	transport.publishErr = nil
	_, err = e.Restart(ctx, "wf-lost")
	require.NoError(t, err)
	assert.Equal(t, 1, transport.count())
}

func TestJetStreamEngine_Run(t *testing.T) {
	transport := newFakeTransport()
	e := newTestJetStreamEngine(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.handler != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
