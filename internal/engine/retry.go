package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tanq16/segget/internal/utils"
)

// outcome is the classification of one attempt.
type outcome interface{ isOutcome() }

type (
	succeeded   struct{}
	retryable   struct{ cause error }
	moved       struct{ location string }
	fatal       struct{ cause error }
	interrupted struct{ cause error }
)

func (succeeded) isOutcome()   {}
func (retryable) isOutcome()   {}
func (moved) isOutcome()       {}
func (fatal) isOutcome()       {}
func (interrupted) isOutcome() {}

func classify(ctx context.Context, err error) outcome {
	if err == nil {
		return succeeded{}
	}
	if errors.Is(err, utils.ErrInterrupted) || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return interrupted{cause: err}
	}
	var movedErr *utils.MovedError
	if errors.As(err, &movedErr) {
		return moved{location: movedErr.Location}
	}
	var httpErr *utils.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Retryable() {
			return retryable{cause: err}
		}
		return fatal{cause: err}
	}
	var storageErr *utils.StorageError
	if errors.As(err, &storageErr) {
		return fatal{cause: err}
	}
	var transportErr *utils.TransportError
	if errors.As(err, &transportErr) {
		return retryable{cause: err}
	}
	return fatal{cause: err}
}

// interruptedError keeps err in the chain and guarantees ErrInterrupted is in it.
func interruptedError(err error) error {
	if err == nil {
		return utils.ErrInterrupted
	}
	if errors.Is(err, utils.ErrInterrupted) {
		return err
	}
	return fmt.Errorf("%w: %w", utils.ErrInterrupted, err)
}

// retrier runs attempts until one succeeds or the policy gives up. The
// failure counter counts consecutive failures and is cleared by progressed.
type retrier struct {
	policy    RetryPolicy
	onRetry   func(delay time.Duration, cause error)
	onMoved   func(location string)
	failures  int
	redirects int
	attempts  int
}

func newRetrier(policy RetryPolicy) *retrier {
	return &retrier{
		policy:  policy,
		onRetry: func(time.Duration, error) {},
		onMoved: func(string) {},
	}
}

// progressed is called after a chunk is written.
func (r *retrier) progressed() { r.failures = 0 }

func (r *retrier) run(ctx context.Context, link string, attempt func(ctx context.Context, link string) error) error {
	started := time.Now()
	for {
		r.attempts++
		err := attempt(ctx, link)
		switch o := classify(ctx, err).(type) {
		case succeeded:
			return nil
		case interrupted:
			return interruptedError(o.cause)
		case fatal:
			return o.cause
		case moved:
			r.redirects++
			if r.redirects > r.policy.MaxRedirects {
				return fmt.Errorf("%w: stopped at %s", utils.ErrTooManyRedirects, o.location)
			}
			link = o.location
			r.onMoved(link)
		case retryable:
			r.failures++
			if r.failures > max(r.policy.MaxRetries, 0) {
				return &utils.RetriesExhaustedError{Attempts: r.attempts, Elapsed: time.Since(started), Last: o.cause}
			}
			d := r.policy.Delay(r.failures)
			r.onRetry(d, o.cause)
			if err := sleepContext(ctx, d); err != nil {
				return interruptedError(err)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
