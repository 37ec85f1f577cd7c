package session

import (
	"math/rand/v2"
	"time"
)

// reconnectDelay computes the delay before reconnect attempt n (0-based):
// min(base * 2^n, max) + jitter(±25%). The attempt counter resets once a
// connection opens, so a stable session always restarts from base.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	// base << attempt overflows for large attempt counts; clamp the shift.
	delay := max
	if attempt < 32 {
		delay = base << uint(attempt)
		if delay > max || delay <= 0 {
			delay = max
		}
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}
	return delay
}
