package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the delays between attempts to heal the pool after a
// replacement failed to fork.
type BackoffConfig struct {
	Initial    time.Duration // first retry delay (default: 250ms)
	Max        time.Duration // ceiling (default: 30s)
	Multiplier float64       // growth per attempt (default: 2)
	JitterPct  float64       // jitter as a fraction of the delay (default: 0.4 = ±20%)
}

// DefaultBackoffConfig returns the heal retry defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		JitterPct:  0.4,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterPct < 0 {
		c.JitterPct = 0
	}
	return c
}

// Backoff calculates exponential delays with jitter. Jitter is seeded per
// worker id so that concurrent heals of different workers do not retry in
// lockstep. Not safe for concurrent use; each heal owns one.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff for the heal of worker id.
func NewBackoff(id int, seed int64, cfg BackoffConfig) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(int64(id) ^ seed)),
	}
}

// Next returns the next delay and counts the attempt.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without counting an attempt.
func (b *Backoff) Calculate() time.Duration {
	attempts := b.attempts
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	if b.config.JitterPct > 0 {
		span := delay * b.config.JitterPct
		delay += span*b.rng.Float64() - span/2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}
