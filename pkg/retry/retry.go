// Package retry runs operations under a bounded attempt budget with a pause between attempts.
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

// Unlimited as MaxAttempts retries until the context ends.
const Unlimited = -1

// Config holds retry configuration
type Config struct {
	// MaxAttempts counts the first call. Unlimited (-1) never gives up.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// RetryIf decides whether an error is worth another attempt.
	// Nil means errors.IsRetryable.
	RetryIf func(error) bool
	// OnRetry is called before each pause with the failed attempt number (1-based).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns exponential backoff tuned for telemetry sinks
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// Fixed returns the pool policy: a constant pause between attempts and retries+1
// attempts in total. retries < 0 retries forever. Every error is retried.
func Fixed(retries int, pause time.Duration) *Config {
	attempts := Unlimited
	if retries >= 0 {
		attempts = retries + 1
	}
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   pause,
		MaxDelay:    pause,
		Multiplier:  1,
		RetryIf:     func(error) bool { return true },
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes fn until it succeeds, the budget runs out or ctx ends.
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retry logic and returns its result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}
	retryIf := config.RetryIf
	if retryIf == nil {
		retryIf = errors.IsRetryable
	}

	for attempt := 0; config.MaxAttempts < 0 || attempt < config.MaxAttempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !retryIf(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := config.calculateDelay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// Exhausted reports whether err came from a spent attempt budget.
func Exhausted(err error) bool {
	var se *errors.ServiceError
	return stderrors.As(err, &se) && se.Operation == "retry" && se.Type == errors.ErrorTypeInternal
}

func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}
