package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the total number of calls, including the first one
	MaxAttempts  int
	InitialWait  time.Duration
	MaxWait      time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultConfig returns the retry policy used for interactive collaborator calls
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  2,
		InitialWait:  200 * time.Millisecond,
		MaxWait:      2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// permanentError marks an error that must not be retried
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do executes fn with exponential backoff until it succeeds, returns a
// permanent error, the attempts are exhausted, or ctx is done.
// The returned error is the last error from fn, unwrapped from Permanent.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(Backoff(attempt-1, cfg)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var p *permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}

// Backoff calculates the wait before retry number attempt+1 with symmetric jitter
func Backoff(attempt int, cfg Config) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(cfg.InitialWait) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxWait > 0 && backoff > float64(cfg.MaxWait) {
		backoff = float64(cfg.MaxWait)
	}

	if cfg.JitterFactor > 0 {
		//nolint:gosec // jitter does not need a cryptographic source
		backoff *= 1.0 + (rand.Float64()*2.0-1.0)*cfg.JitterFactor
	}

	return time.Duration(backoff)
}
