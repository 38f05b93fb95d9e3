package transport

import "time"

// backoffDelay computes the delay before reconnect attempt n (0-based):
// min(initial * 2^n, max).
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return max
	}
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
