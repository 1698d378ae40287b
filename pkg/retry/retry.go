// Package retry provides exponential backoff with full jitter for
// operations that cross the unreliable network boundary.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError marks an error that must not be retried, such as a
// validation failure.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return fmt.Sprintf("non-retryable: %v", e.Err) }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so Do fails immediately instead of backing off.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries the non-retryable marker.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config tunes the backoff schedule.
type Config struct {
	// MaxAttempts caps total attempts. Zero means retry until the
	// context is cancelled, which is what the sync forwarder wants: a
	// network outage delays delivery, it never drops it.
	MaxAttempts int
	Base        time.Duration // first delay; doubles each attempt
	Cap         time.Duration // upper bound on the computed delay
}

// DefaultConfig matches the forwarder's delivery schedule: 1s base,
// 60s cap, unbounded attempts.
func DefaultConfig() Config {
	return Config{Base: time.Second, Cap: 60 * time.Second}
}

// Quick is a short schedule for startup probes and tests.
func Quick() Config {
	return Config{MaxAttempts: 10, Base: 50 * time.Millisecond, Cap: time.Second}
}

// Do runs fn until it succeeds, fails non-retryably, exhausts
// MaxAttempts, or ctx is cancelled. The delay before attempt n is drawn
// uniformly from [0, min(Cap, Base*2^(n-1))] (full jitter), so a fleet
// of forwarders reconnecting after an outage does not stampede the
// gateway.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 60 * time.Second
	}
	if cfg.Cap < cfg.Base {
		return errors.New("retry: Cap must be >= Base")
	}

	var lastErr error
	ceiling := cfg.Base

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return wrapCancelled(attempt, err, lastErr)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if cfg.MaxAttempts > 0 && attempt == cfg.MaxAttempts {
			break
		}

		delay := fullJitter(ceiling)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return wrapCancelled(attempt+1, ctx.Err(), lastErr)
		case <-timer.C:
		}

		if next := ceiling * 2; next > cfg.Cap || next < ceiling {
			ceiling = cfg.Cap
		} else {
			ceiling = next
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	randMu.Lock()
	defer randMu.Unlock()
	return time.Duration(randSource.Int63n(int64(ceiling) + 1))
}

func wrapCancelled(attempt int, cause, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("retry cancelled before attempt %d: %w (last error: %v)", attempt, cause, lastErr)
	}
	return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, cause)
}
