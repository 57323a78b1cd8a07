// Package retry provides the back-off strategies shared by the outbound
// worker, the inbound listener and the database manager.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Retryer defines the interface for implementing retry strategies
type Retryer interface {
	// NextDelay returns the delay before the next retry attempt
	// attempt is 0-based (0 for first retry, 1 for second, etc.)
	// Returns the delay duration and whether to continue retrying
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset resets the retry strategy state (called after a success)
	Reset()
}

// DefaultLadder is the delay ladder used for replication retries.
var DefaultLadder = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// LadderRetryer walks a fixed list of delays and stays on the last rung.
type LadderRetryer struct {
	// Delays is the ladder; attempt n waits Delays[min(n, len-1)]
	Delays []time.Duration

	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
}

// NewLadderRetryer creates a ladder retryer. A nil or empty ladder falls back
// to DefaultLadder.
func NewLadderRetryer(delays []time.Duration, maxRetries int) *LadderRetryer {
	if len(delays) == 0 {
		delays = DefaultLadder
	}
	return &LadderRetryer{Delays: delays, MaxRetries: maxRetries}
}

// LadderDelay returns delays[min(attempt, len-1)], or 0 for an empty ladder.
func LadderDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(delays) {
		attempt = len(delays) - 1
	}
	return delays[attempt]
}

// NextDelay implements Retryer
func (r *LadderRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return LadderDelay(r.Delays, attempt), true
}

// Reset implements Retryer
func (r *LadderRetryer) Reset() {}

// ExponentialBackoffRetryer multiplies the delay by Multiplier on every
// attempt, up to MaxDelay.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries of 0 retries forever.
	MaxRetries int
}

// DefaultMaxBackoff caps an exponential delay when MaxDelay is unset.
const DefaultMaxBackoff = 5 * time.Minute

// NewDoublingRetryer returns a retryer whose delays are
// initial, 2*initial, 4*initial... capped at maxDelay, for at most
// maxRetries attempts.
func NewDoublingRetryer(initial, maxDelay time.Duration, maxRetries int) *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   2,
		MaxRetries:   maxRetries,
	}
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	limit := r.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if limit < r.InitialDelay {
		limit = r.InitialDelay
	}
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}

	// Compared as floats so large attempts saturate instead of overflowing.
	delay := float64(r.InitialDelay) * math.Pow(mult, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(limit) {
		delay = float64(limit)
	}
	return time.Duration(delay), true
}

func (r *ExponentialBackoffRetryer) Reset() {}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the retryer gives
// up or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, r Retryer, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			r.Reset()
			return nil
		}
		if IsPermanent(err) {
			return err
		}

		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
