package resilience

import (
	"context"
	"time"
)

// BackoffConfig holds configuration for reconnection backoff
type BackoffConfig struct {
	Initial    time.Duration // Delay after the first failure
	Max        time.Duration // Ceiling for the delay
	Multiplier float64       // Growth factor per consecutive failure
}

// DefaultBackoffConfig returns the sender's reconnection policy: 1s doubling up to 10s
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    1 * time.Second,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	}
}

// Backoff tracks the delay before the next reconnect attempt.
// It is not safe for concurrent use; each connection loop owns one.
type Backoff struct {
	config  BackoffConfig
	current time.Duration
}

// NewBackoff creates a backoff starting at config.Initial
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Initial <= 0 {
		config.Initial = DefaultBackoffConfig().Initial
	}
	if config.Max < config.Initial {
		config.Max = config.Initial
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Backoff{config: config, current: config.Initial}
}

// Next returns the delay to sleep now and grows the delay for the following failure
func (b *Backoff) Next() time.Duration {
	d := b.current
	next := time.Duration(float64(b.current) * b.config.Multiplier)
	if next > b.config.Max {
		next = b.config.Max
	}
	b.current = next
	return d
}

// Reset restores the initial delay after a successful connect
func (b *Backoff) Reset() {
	b.current = b.config.Initial
}

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d, returning ctx.Err() if the context ends first
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
