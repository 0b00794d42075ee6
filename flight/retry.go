package flight

import (
	"context"
	"time"
)

/*
RetryRule governs re-invocation of a failing step.

Lifecycle: the runner calls Initialize whenever execution arrives at a
step (including on resume after a crash), then calls RetrySleep after
each FAILURE_RETRY result. RetrySleep blocks for the rule's interval and
returns true if the step should be attempted again, false once the rule
is exhausted. The sleep aborts early with ctx.Err() when the context is
canceled; that error is never converted into a flight failure.
*/
type RetryRule interface {
	Initialize()
	RetrySleep(ctx context.Context) (bool, error)
}

type retryRuleNone struct{}

// NewRetryRuleNone returns the rule that never retries.
func NewRetryRuleNone() RetryRule { return retryRuleNone{} }

func (retryRuleNone) Initialize() {}

func (retryRuleNone) RetrySleep(ctx context.Context) (bool, error) {
	return false, nil
}

type retryRuleFixed struct {
	interval time.Duration
	maxCount int
	count    int
}

// NewRetryRuleFixed retries up to maxCount times, sleeping interval
// before each re-attempt.
func NewRetryRuleFixed(interval time.Duration, maxCount int) RetryRule {
	return &retryRuleFixed{interval: interval, maxCount: maxCount}
}

func (r *retryRuleFixed) Initialize() { r.count = 0 }

func (r *retryRuleFixed) RetrySleep(ctx context.Context) (bool, error) {
	r.count++
	if r.count > r.maxCount {
		return false, nil
	}
	if err := sleepCtx(ctx, r.interval); err != nil {
		return false, err
	}
	return true, nil
}

type retryRuleExponential struct {
	initialInterval  time.Duration
	maxInterval      time.Duration
	maxOperationTime time.Duration

	interval time.Duration
	started  time.Time
}

// NewRetryRuleExponential doubles the sleep from initialInterval up to
// maxInterval, and stops retrying once the cumulative elapsed time since
// Initialize exceeds maxOperationTime.
func NewRetryRuleExponential(initialInterval, maxInterval, maxOperationTime time.Duration) RetryRule {
	return &retryRuleExponential{
		initialInterval:  initialInterval,
		maxInterval:      maxInterval,
		maxOperationTime: maxOperationTime,
	}
}

func (r *retryRuleExponential) Initialize() {
	r.interval = r.initialInterval
	r.started = time.Now()
}

func (r *retryRuleExponential) RetrySleep(ctx context.Context) (bool, error) {
	if r.started.IsZero() {
		r.Initialize()
	}
	if time.Since(r.started) > r.maxOperationTime {
		return false, nil
	}
	if err := sleepCtx(ctx, r.interval); err != nil {
		return false, err
	}
	r.interval *= 2
	if r.interval > r.maxInterval {
		r.interval = r.maxInterval
	}
	return true, nil
}

// sleepCtx sleeps for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
