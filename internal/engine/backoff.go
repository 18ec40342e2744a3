package engine

import (
	"math"
	"sync"
	"time"
)

// Backoff produces the delay sequence for remote persistence retries:
// Min, Min*Factor, Min*Factor^2, ... capped at Max. Delays are
// deterministic; a single engine talks to the stores, so there is no
// herd to spread out.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64

	attempt int
	mu      sync.Mutex
}

// Duration returns the next delay and increments the attempt counter.
func (b *Backoff) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := float64(b.Min) * math.Pow(b.Factor, float64(b.attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	b.attempt++
	return time.Duration(d)
}

// Reset rewinds the sequence. Called at the start of each persisted
// operation so every operation begins at Min.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns the current attempt number.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
