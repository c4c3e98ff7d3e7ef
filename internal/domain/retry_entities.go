// Package domain defines retry policies applied to forge and dispatch calls.
package domain

import (
	"errors"
	"time"
)

// RetryConfig defines bounded exponential backoff for an outbound call class.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// Jitter adds 10% randomness headroom when true.
	Jitter bool
}

// DefaultForgeRetryConfig matches the transport policy: two retries after the
// initial attempt, waiting 1s then 4s.
func DefaultForgeRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 1 * time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   4.0,
	}
}

// DefaultDispatchRetryConfig matches the router policy: one retry against the
// same back-end after a short bounded wait.
func DefaultDispatchRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   1.0,
	}
}

// DelayFor returns the wait before retry number attempt (0-based).
func (c RetryConfig) DelayFor(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter {
		delay += time.Duration(float64(delay) * 0.1)
	}
	return delay
}

// IsRetryableTransport reports whether an error warrants another transport
// attempt. Only transport-class failures retry here; rate exhaustion follows
// its own sleep-until-reset policy and everything else is permanent.
func IsRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport)
}
