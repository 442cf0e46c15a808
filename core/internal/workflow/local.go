package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/faultline-systems/faultline/common/logging"
)

// LocalEngine runs workflows on goroutines in this process, with at most
// maxConcurrent runs executing at once.
type LocalEngine struct {
	*runner
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func NewLocalEngine(store StateStore, maxConcurrent int, opts Options) *LocalEngine {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalEngine{
		runner: newRunner("local", store, opts),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (e *LocalEngine) Start(ctx context.Context, opts StartOptions, input any) (*Handle, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	st, created, err := e.create(ctx, opts, input)
	if err != nil {
		return nil, err
	}
	if created {
		e.dispatch(st.WorkflowID, st.RunID)
	}
	return e.handle(st), nil
}

func (e *LocalEngine) Restart(ctx context.Context, workflowID string) (*Handle, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	st, err := e.restart(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	e.dispatch(st.WorkflowID, st.RunID)
	return e.handle(st), nil
}

func (e *LocalEngine) dispatch(workflowID, runID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		_, err := e.execute(e.ctx, workflowID, runID, nil)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrRunSuperseded) {
			e.logger.Error("workflow execution error",
				logging.WorkflowID(workflowID), logging.RunID(runID), logging.Error(err))
		}
	}()
}

// Shutdown stops accepting new runs and waits for in-flight runs until ctx
// is done, after which they are cancelled and left running.
func (e *LocalEngine) Shutdown(ctx context.Context) error {
	e.closed.Store(true)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *LocalEngine) Close() error {
	e.closed.Store(true)
	e.cancel()
	e.wg.Wait()
	return nil
}
