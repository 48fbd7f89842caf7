package infra

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// jitterFraction spreads retry delays so checkpoints that lost connectivity
// together do not hammer the central server back in lockstep.
const jitterFraction = 0.2

// Backoff yields exponentially growing delays between failed sync cycles,
// capped and jittered. Safe for concurrent use.
type Backoff struct {
	base time.Duration
	max  time.Duration
	mult float64

	mu       sync.Mutex
	attempts int
}

func NewBackoff(base, max time.Duration, mult float64) *Backoff {
	return &Backoff{base: base, max: max, mult: mult}
}

// Next returns the delay to wait before the following retry and advances
// the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := time.Duration(float64(b.base) * math.Pow(b.mult, float64(b.attempts)))
	if d <= 0 || d > b.max {
		// Past the cap, or overflowed on a long outage.
		d = b.max
	}
	b.attempts++

	jitter := (rand.Float64()*2 - 1) * jitterFraction * float64(d)
	d += time.Duration(jitter)
	if d < b.base {
		d = b.base
	}
	return d
}

// Reset returns the sequence to its base delay after a successful cycle.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
