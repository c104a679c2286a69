// Package config defines retry configuration for store adapters.
package config

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StoreRetryConfig tunes the bounded exponential backoff wrapped around
// every WorkloadStore/NodeRegistry operation (SPEC_FULL.md §4.2), so that a
// transient store error is retried with bounded exponential backoff.
type StoreRetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NewBackOff builds a cenkalti/backoff exponential policy from this config,
// capped via backoff.WithMaxRetries at MaxRetries retries after the first
// attempt (MaxRetries+1 attempts in all); a MaxRetries of 0 sets no cap.
func (c StoreRetryConfig) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialDelay
	eb.MaxInterval = c.MaxDelay
	eb.Multiplier = c.Multiplier
	eb.MaxElapsedTime = 0 // bounded by MaxRetries instead of wall-clock
	return backoff.WithMaxRetries(eb, uint64(c.MaxRetries))
}
