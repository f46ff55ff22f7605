// Package ratelimit implements per-client fixed-window request limiting.
//
// Counters live in process memory. Each proxy instance enforces its own
// quota and a restart resets all counters; clients spread across several
// instances may see more than the nominal limit. This is best-effort
// protection for third-party API quotas, not billing-grade accounting.
package ratelimit

import (
	"sync"
	"time"
)

// sweepThreshold is the table size above which Allow scans for and removes
// expired entries. The bound is approximate: the sweep only slows growth,
// it does not cap the table.
const sweepThreshold = 10_000

type entry struct {
	count   int
	resetAt time.Time
}

// WindowLimiter admits up to max requests per client within a fixed window.
// A client's window starts on its first request and restarts on the first
// request after expiry; counts never carry over between windows.
type WindowLimiter struct {
	mu      sync.Mutex
	clients map[string]*entry
	window  time.Duration
	max     int
}

// NewWindowLimiter creates a limiter allowing max requests per window.
func NewWindowLimiter(window time.Duration, max int) *WindowLimiter {
	return &WindowLimiter{
		clients: make(map[string]*entry),
		window:  window,
		max:     max,
	}
}

// Allow records one request for clientID and reports whether it is within
// the limit. The request is counted even when denied.
func (l *WindowLimiter) Allow(clientID string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.clients[clientID]
	if !ok {
		if len(l.clients) >= sweepThreshold {
			l.sweepLocked(now)
		}
		e = &entry{resetAt: now.Add(l.window)}
		l.clients[clientID] = e
	} else if now.After(e.resetAt) {
		e.count = 0
		e.resetAt = now.Add(l.window)
	}

	e.count++
	return e.count <= l.max
}

// Window returns the configured window length. Used for Retry-After hints.
func (l *WindowLimiter) Window() time.Duration {
	return l.window
}

// Len returns the number of tracked clients, expired entries included.
func (l *WindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// sweepLocked removes entries whose window has passed. Caller holds mu.
func (l *WindowLimiter) sweepLocked(now time.Time) {
	for id, e := range l.clients {
		if now.After(e.resetAt) {
			delete(l.clients, id)
		}
	}
}
