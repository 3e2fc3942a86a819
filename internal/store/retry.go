package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joeycumines/echodispatch/internal/config"
)

// retrySequence implements backoff.BackOff, reproducing spec.md §7's
// reconnect policy (linear growth, give up after a times-connected-scaled
// attempt budget) in place of the package's default exponential curve --
// see DESIGN.md for why the stock curve doesn't fit.
type retrySequence struct {
	policy      config.RetryPolicy
	maxAttempts int
	attempt     int
	total       time.Duration
}

var _ backoff.BackOff = (*retrySequence)(nil)

func newRetrySequence(policy config.RetryPolicy, timesConnected int) *retrySequence {
	return &retrySequence{
		policy:      policy,
		maxAttempts: policy.MaxAttempts(timesConnected),
	}
}

// NextBackOff returns the next delay, or backoff.Stop once the attempt
// budget is exhausted.
func (r *retrySequence) NextBackOff() time.Duration {
	r.attempt++
	if r.attempt > r.maxAttempts {
		return backoff.Stop
	}
	delay := r.policy.NextDelay(r.attempt, r.total)
	r.total += delay
	return delay
}

// Reset restarts the sequence as if newly constructed.
func (r *retrySequence) Reset() {
	r.attempt = 0
	r.total = 0
}

// wait blocks for the next backoff delay, returning false if the budget is
// exhausted or ctx is canceled first.
func (r *retrySequence) wait(ctx context.Context) bool {
	delay := backoff.WithContext(r, ctx).NextBackOff()
	if delay == backoff.Stop {
		return false
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
