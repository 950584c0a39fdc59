package worker

import "time"

// maxBackoff caps the redelivery delay regardless of attempt count.
const maxBackoff = 30 * time.Second

// Backoff returns the redelivery delay after the given attempt: exponential
// in the attempt number, starting at base and capped at maxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	// Shifting past 30 bits would overflow long before the cap matters.
	if attempt > 30 {
		return maxBackoff
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}
