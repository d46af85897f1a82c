// Package reconnect holds the backoff schedule used between connection
// attempts.
package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Ceiling is the delay used once Schedule is exhausted.
var Ceiling = 30 * time.Second

// Delay returns the backoff duration for the given zero-based attempt.
func Delay(attempt int) time.Duration {
	if attempt >= 0 && attempt < len(Schedule) {
		return Schedule[attempt]
	}
	if attempt < 0 {
		return 0
	}
	return Ceiling
}

// Wait blocks for the backoff of the given attempt or until ctx is done.
// It reports whether the full delay elapsed.
func Wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
