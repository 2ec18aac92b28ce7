// Package retry runs operations with exponential backoff and jitter.
//
// The store wraps SQLite writes with it to ride out WAL contention
// (SQLITE_BUSY, SQLITE_LOCKED, IOERR_SHORT_READ), and the thread session
// uses it to re-open subscriptions after a relay or cache failure.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config controls retry behavior.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// SQLite is used for store writes.
var SQLite = Config{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// Subscribe is used when re-opening a failed event subscription.
var Subscribe = Config{
	MaxRetries: 5,
	BaseDelay:  250 * time.Millisecond,
	MaxDelay:   5 * time.Second,
}

// Do calls fn until it succeeds, returns an error for which retryable is
// false, the attempts run out, or ctx is done. A nil retryable retries
// every error.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		t := time.NewTimer(Delay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

// Delay computes the wait before retry attempt+1:
// min(BaseDelay * 2^attempt, MaxDelay) + random([0, BaseDelay)).
func Delay(cfg Config, attempt int) time.Duration {
	delay := cfg.MaxDelay
	if attempt < 32 {
		delay = cfg.BaseDelay << uint(attempt)
	}
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if cfg.BaseDelay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
}
