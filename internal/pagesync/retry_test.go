package pagesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(0, 0))
	assert.Equal(t, 2*time.Second+300*time.Millisecond, p.Delay(1, 300*time.Millisecond))
	assert.Equal(t, 4*time.Second, p.Delay(2, 0))
	assert.Equal(t, 10*time.Second, p.Delay(4, 0))
	assert.Equal(t, 10*time.Second, p.Delay(60, 0))
}

func TestRetrierGivesUpAfterMaxRetries(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond, MaxJitter: time.Millisecond})
	r.jitter = func(max time.Duration) time.Duration { return max - 1 }

	var delays []time.Duration
	r.OnRetry = func(_ string, _ int, d time.Duration, _ error) { delays = append(delays, d) }

	boom := &TransientNetworkError{URL: "https://raw.example.test/x", Err: errors.New("reset")}
	attempts := 0
	err := r.Do(context.Background(), "x", func() error {
		attempts++
		return boom
	})

	assert.Equal(t, 4, attempts)
	assert.ErrorIs(t, err, boom)
	require.Len(t, delays, 3)
	for i, d := range delays {
		assert.LessOrEqual(t, d, 3*time.Millisecond)
		if i > 0 {
			assert.GreaterOrEqual(t, d, delays[i-1])
		}
	}
}

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	r := fastRetry()
	attempts := 0
	err := r.Do(context.Background(), "x", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrierDoesNotRetryValidationError(t *testing.T) {
	r := fastRetry()
	attempts := 0
	err := r.Do(context.Background(), "x", func() error {
		attempts++
		return &ValidationError{URL: "ftp://evil", Reason: "scheme"}
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, attempts)
}

func TestRetrierZeroRetries(t *testing.T) {
	r := NewRetrier(RetryPolicy{})
	attempts := 0
	err := r.Do(context.Background(), "x", func() error {
		attempts++
		return errors.New("nope")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrierStopsOnContextCancel(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "x", func() error {
			attempts++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}
