package pagesync

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		MaxJitter:  time.Second,
	}
}

// Delay is the wait before retry number attempt (0-based) for one jitter
// sample, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int, jitter time.Duration) time.Duration {
	d := p.BaseDelay<<uint(attempt) + jitter
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}

// exponentialJitter is the backoff.BackOff behind the retry loop:
// min(max, base*2^n + U[0, jitter)).
type exponentialJitter struct {
	policy  RetryPolicy
	jitter  func(max time.Duration) time.Duration
	attempt int
}

func (b *exponentialJitter) NextBackOff() time.Duration {
	var j time.Duration
	if b.policy.MaxJitter > 0 {
		j = b.jitter(b.policy.MaxJitter)
	}
	d := b.policy.Delay(b.attempt, j)
	b.attempt++
	return d
}

func (b *exponentialJitter) Reset() { b.attempt = 0 }

func uniformJitter(max time.Duration) time.Duration {
	return rand.N(max)
}

// Retrier runs one logical operation with bounded exponential backoff.
// Attempts are strictly sequential.
type Retrier struct {
	Policy RetryPolicy

	// OnRetry, when set, is called before each wait with the caller's label,
	// the 1-based retry number, the delay about to be slept and the error
	// that caused it.
	OnRetry func(label string, retry int, delay time.Duration, err error)

	jitter func(max time.Duration) time.Duration
}

func NewRetrier(p RetryPolicy) *Retrier {
	return &Retrier{Policy: p, jitter: uniformJitter}
}

// Do calls op until it succeeds, returns a *ValidationError, ctx is done, or
// MaxRetries retries were spent. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, label string, op func() error) error {
	jitter := r.jitter
	if jitter == nil {
		jitter = uniformJitter
	}
	b := &exponentialJitter{policy: r.Policy, jitter: jitter}

	retry := 0
	notify := func(err error, d time.Duration) {
		retry++
		if r.OnRetry != nil {
			r.OnRetry(label, retry, d, err)
		}
	}

	operation := func() (struct{}, error) {
		err := op()
		var verr *ValidationError
		if errors.As(err, &verr) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	maxTries := r.Policy.MaxRetries + 1
	if maxTries < 1 {
		maxTries = 1
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
