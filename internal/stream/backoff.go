// ABOUTME: Capped exponential reconnect delay with jitter.
// ABOUTME: The attempt counter resets once a connection stayed healthy long enough.

package stream

import (
	"math"
	"math/rand/v2"
	"time"
)

type backoff struct {
	base       time.Duration
	max        time.Duration
	resetAfter time.Duration
	attempt    int
	connected  time.Time
	now        func() time.Time
	jitter     func() float64
}

func newBackoff(cfg Config) *backoff {
	return &backoff{
		base:       cfg.BaseDelay,
		max:        cfg.MaxDelay,
		resetAfter: cfg.ResetAfter,
		now:        time.Now,
		jitter:     rand.Float64,
	}
}

// markConnected records the start of a healthy connection.
func (b *backoff) markConnected() {
	b.connected = b.now()
}

// setBase adopts a server-sent reconnection delay, bounded by the cap.
func (b *backoff) setBase(d time.Duration) {
	b.base = min(d, b.max)
}

// next returns the delay before the following attempt.
func (b *backoff) next() time.Duration {
	if !b.connected.IsZero() && b.now().Sub(b.connected) >= b.resetAfter {
		b.attempt = 0
	}
	b.connected = time.Time{}

	jitter := b.jitter() * float64(b.base) * 0.5
	delay := math.Min(float64(b.base)*math.Pow(2, float64(b.attempt))+jitter, float64(b.max))
	b.attempt++
	return time.Duration(delay)
}
