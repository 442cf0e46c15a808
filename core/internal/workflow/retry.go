package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/core/internal/metrics"
)

// RetryingExecutor runs each activity under a start-to-close timeout and
// retries failures with exponential backoff. Errors marked NonRetryable and
// cancellation of the parent context stop retries immediately.
type RetryingExecutor struct {
	opts   ActivityOptions
	logger *logging.Logger
}

func NewRetryingExecutor(opts ActivityOptions, logger *logging.Logger) *RetryingExecutor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RetryingExecutor{opts: opts.withDefaults(), logger: logger}
}

func (e *RetryingExecutor) newBackOff(ctx context.Context) backoff.BackOff {
	p := e.opts.RetryPolicy
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.BackoffCoefficient
	b.MaxInterval = p.MaximumInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaximumAttempts-1)), ctx)
}

func (e *RetryingExecutor) Execute(ctx context.Context, name string, activity Activity) (json.RawMessage, error) {
	attempts := 0

	op := func() (json.RawMessage, error) {
		attempts++
		start := time.Now()

		actx, cancel := context.WithTimeout(ctx, e.opts.StartToCloseTimeout)
		out, err := activity(actx)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		metrics.ActivityDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.ActivityAttempts.WithLabelValues(name, metrics.Result(err)).Inc()

		switch {
		case err == nil:
			return out, nil
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		case IsNonRetryable(err):
			return nil, backoff.Permanent(err)
		case timedOut:
			return nil, fmt.Errorf("start-to-close timeout %s exceeded: %w", e.opts.StartToCloseTimeout, err)
		default:
			return nil, err
		}
	}

	notify := func(err error, wait time.Duration) {
		e.logger.WarnContext(ctx, "activity attempt failed, retrying",
			logging.Stage(name),
			logging.Attempt(attempts),
			logging.Error(err),
			slog.Duration("retry_in", wait),
		)
	}

	out, err := backoff.RetryNotifyWithData(op, e.newBackOff(ctx), notify)
	if err != nil {
		return nil, &ActivityError{Activity: name, Attempts: attempts, Err: err}
	}
	return out, nil
}
