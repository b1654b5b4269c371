package provider

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// BreakerConfig tunes a per-adapter circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenProbes   int           `yaml:"half_open_probes" json:"half_open_probes"`
}

// DefaultBreakerConfig mirrors the dispatch defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, HalfOpenProbes: 1}
}

func (c BreakerConfig) normalized() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// Breaker is a per-adapter circuit breaker. Consecutive failures open it;
// after the recovery timeout a bounded number of probes may pass through,
// and one probe success closes it again.
type Breaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        breakerState
	failureCount int
	lastFailure  time.Time
	probesInUse  int
	clock        func() time.Time
}

// NewBreaker builds a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.normalized(), state: breakerClosed, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.clock().Sub(b.lastFailure) > b.cfg.RecoveryTimeout {
			b.state = breakerHalfOpen
			b.probesInUse = 1
			return true
		}
		return false
	case breakerHalfOpen:
		if b.probesInUse < b.cfg.HalfOpenProbes {
			b.probesInUse++
			return true
		}
		return false
	}
	return true
}

// Success resets the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failureCount = 0
	b.probesInUse = 0
}

// Failure records a failed call, re-opening from half-open immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.clock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.probesInUse = 0
		return
	}
	b.failureCount++
	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = breakerOpen
	}
}

// State returns the breaker state for health surfaces.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.state)
}
