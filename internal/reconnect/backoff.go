package reconnect

import "time"

// Backoff doubles the wait after each failed attempt, up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay is the wait before attempt n, counting from 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
