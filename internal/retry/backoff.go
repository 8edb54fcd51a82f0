// Package retry polls a readiness condition with capped exponential
// backoff.  It is used to wait for a freshly launched service to start
// listening, never to repeat an operation that failed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	ferrors "firmhack/internal/errors"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError stops polling immediately.  Return [Permanent](err)
// from the condition when waiting longer cannot help, for example when
// the process being probed has exited.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as final.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff controls the polling interval and overall deadline.
type Backoff struct {
	// InitialDelay is the wait after the first failed check (default 50ms).
	InitialDelay time.Duration
	// MaxDelay caps the wait between checks (default 1s).
	MaxDelay time.Duration
	// Multiplier grows the wait after each check (default 2.0).
	Multiplier float64
	// Timeout bounds the whole poll (default 10s).
	Timeout time.Duration
	// Jitter adds ±25% randomisation to each wait.
	Jitter bool
}

// DefaultBackoff returns the readiness defaults.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Timeout:      10 * time.Second,
		Jitter:       true,
	}
}

// Until calls cond until it returns nil, returns a permanent error, the
// timeout expires or ctx is done.  A timeout wraps errors.ErrTimeout
// and the last condition error.
func (b *Backoff) Until(ctx context.Context, cond func() error) error {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		err := cond()
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}

		wait := delay
		if b.Jitter {
			wait = addJitter(delay)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("poll cancelled: %w", ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w after %s: %w", ferrors.ErrTimeout, timeout, err)
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	result := float64(d) + delta
	return time.Duration(math.Max(result, float64(time.Millisecond)))
}
