package gateway

import (
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectPolicy configures the delay between reconnect attempts.
type ReconnectPolicy struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the relative spread applied to each delay, in [0, 1).
	Jitter float64
}

// DefaultReconnectPolicy returns 1s doubling up to 2m with 20% jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Min:        time.Second,
		Max:        2 * time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.Min <= 0 {
		p.Min = def.Min
	}
	if p.Max < p.Min {
		p.Max = max(def.Max, p.Min)
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = def.Jitter
	}
	return p
}

// Backoff produces reconnect delays. Delays never decrease between resets
// and never exceed the policy maximum. It is not safe for concurrent use.
type Backoff struct {
	policy  ReconnectPolicy
	attempt int
	last    time.Duration
	rand    func() float64
}

// NewBackoff creates a Backoff for policy.
func NewBackoff(policy ReconnectPolicy) *Backoff {
	return &Backoff{policy: policy.normalized(), rand: rand.Float64}
}

// Next returns the delay before the next attempt and advances the attempt count.
func (b *Backoff) Next() time.Duration {
	base := float64(b.policy.Min) * math.Pow(b.policy.Multiplier, float64(b.attempt))
	if base > float64(b.policy.Max) {
		base = float64(b.policy.Max)
	}

	spread := b.policy.Jitter * (2*b.rand() - 1)
	d := time.Duration(base * (1 + spread))

	d = max(d, b.last, b.policy.Min)
	d = min(d, b.policy.Max)

	b.attempt++
	b.last = d
	return d
}

// Reset returns the backoff to its minimum.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
