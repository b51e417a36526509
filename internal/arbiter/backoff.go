package arbiter

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for respawn backoff.
// A zero Initial disables backoff: crashed workers come back on the next
// management pass.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	JitterPct  float64 // 0.4 = ±20%
}

// DefaultBackoffConfig returns the defaults used by the command line.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 1.7,
		JitterPct:  0.4,
	}
}

// Enabled reports whether any delay will ever be applied.
func (c BackoffConfig) Enabled() bool {
	return c.Initial > 0
}

// Backoff calculates exponential respawn delays with jitter.
// Each worker slot owns one, seeded from its spec name and slot ID so
// jitter is deterministic per slot.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a backoff calculator for one worker slot.
func NewBackoff(slot string, cfg BackoffConfig) *Backoff {
	h := fnv.New64a()
	h.Write([]byte(slot))
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(int64(h.Sum64()))),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	if !b.config.Enabled() {
		return 0
	}

	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if b.config.Max > 0 && delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// BackoffResetThreshold is the uptime after which a worker is considered
// stable and its backoff starts over.
const BackoffResetThreshold = 30 * time.Second

// ShouldReset reports whether backoff should reset for an exit after uptime
// with exitCode.
func ShouldReset(uptime time.Duration, exitCode int) bool {
	return uptime >= BackoffResetThreshold || exitCode == 0
}
