package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-upstream circuit
// breaker. Closed is normal operation, Open rejects requests immediately
// while the upstream cools down, and HalfOpen lets a single recovery
// probe through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

const (
	defaultCBThreshold = 5
	defaultCBCooldown  = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back
// to the package defaults.
type CBConfig struct {
	// Disabled turns the breaker off; every request goes upstream.
	Disabled bool

	// ErrorThreshold is the consecutive-failure count that trips the
	// breaker. Default: 5.
	ErrorThreshold int

	// Cooldown is how long a tripped breaker stays open before allowing
	// a single probe request. Default: 30s.
	Cooldown time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultCBThreshold
}

func (c *CBConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return defaultCBCooldown
}

// upstreamCB holds per-upstream circuit breaker state.
type upstreamCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int       // consecutive failures; reset on any success
	openedAt      time.Time // when the breaker was tripped (for the cooldown timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each proxied
// upstream. It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*upstreamCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default settings for
// the named upstreams.
func NewCircuitBreaker(names []string) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(names, CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom
// thresholds. Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(names []string, cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*upstreamCB, len(names)),
		cfg:      cfg,
	}
	for _, name := range names {
		cb.breakers[name] = &upstreamCB{state: cbClosed}
	}
	return cb
}

// Allow reports whether the named upstream should receive the next
// request. A closed breaker always allows. An open breaker rejects until
// the cooldown has elapsed, then transitions to half-open and allows one
// probe. A half-open breaker allows only while no probe is in flight.
// Unknown upstreams are always allowed; the breaker is not tracking them.
func (cb *CircuitBreaker) Allow(upstream string) bool {
	ucb := cb.get(upstream)
	if ucb == nil {
		return true
	}

	ucb.mu.Lock()
	defer ucb.mu.Unlock()

	switch ucb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(ucb.openedAt) >= cb.cfg.cooldown() {
			// Transition to half-open: allow exactly one probe request.
			ucb.state = cbHalfOpen
			ucb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if ucb.probeInflight {
			return false
		}
		ucb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful exchange with upstream and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(upstream string) {
	ucb := cb.get(upstream)
	if ucb == nil {
		return
	}

	ucb.mu.Lock()
	defer ucb.mu.Unlock()

	ucb.state = cbClosed
	ucb.errorCount = 0
	ucb.probeInflight = false
}

// RecordFailure increments the consecutive-failure counter for upstream.
// When the counter reaches ErrorThreshold the breaker opens. A failed
// half-open probe reopens the breaker with a fresh cooldown.
func (cb *CircuitBreaker) RecordFailure(upstream string) {
	ucb := cb.get(upstream)
	if ucb == nil {
		return
	}

	ucb.mu.Lock()
	defer ucb.mu.Unlock()

	ucb.errorCount++
	ucb.probeInflight = false

	if ucb.errorCount >= cb.cfg.errorThreshold() {
		ucb.state = cbOpen
		ucb.openedAt = time.Now()
	}
}

// State returns the current cbState for upstream (used for metrics export).
func (cb *CircuitBreaker) State(upstream string) cbState {
	ucb := cb.get(upstream)
	if ucb == nil {
		return cbClosed
	}
	ucb.mu.Lock()
	defer ucb.mu.Unlock()
	return ucb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or
// "half_open".
func (cb *CircuitBreaker) StateLabel(upstream string) string {
	switch cb.State(upstream) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(upstream string) *upstreamCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[upstream]
}
