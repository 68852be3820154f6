package remote

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for exponential backoff between
// discovery attempts.
type BackoffConfig struct {
	Initial    time.Duration // Initial delay (default: 250ms)
	Max        time.Duration // Maximum delay; discovery caps it at its interval
	Multiplier float64       // Multiplier for each attempt (default: 1.7)
	JitterPct  float64       // Jitter as a percentage of delay (default: 0.4 = ±20%)
}

// DefaultBackoffConfig returns sensible defaults for backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 1.7,
		JitterPct:  0.4, // ±20% jitter
	}
}

// Backoff calculates exponential backoff delays with jitter.
// Each instance is tied to one endpoint so jitter is reproducible per endpoint.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff for endpoint. seed varies jitter between runs.
func NewBackoff(endpoint string, seed int64, cfg BackoffConfig) *Backoff {
	h := fnv.New64a()
	h.Write([]byte(endpoint))
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(int64(h.Sum64()) ^ seed)),
	}
}

// Next returns the next backoff delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current backoff delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	// Calculate base delay: initial * multiplier^attempts
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))

	// Cap at maximum
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// Add jitter: ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		jitter := jitterRange*b.rng.Float64() - jitterRange/2
		delay += jitter
	}

	// Jitter may push past the cap; discovery intervals are an upper bound.
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
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
