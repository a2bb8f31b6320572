// internal/recovery/backoff.go
package recovery

import "time"

// Backoff computes exponential delays: Base * 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		return b.Base
	}
	// 2^30 * any sane base already exceeds Max.
	if attempt > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<attempt)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
