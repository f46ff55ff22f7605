package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/edge-proxy/internal/metrics"
)

// upstreamState holds the last observed outcome for one upstream.
type upstreamState struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "unknown"
}

func (s *upstreamState) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *upstreamState) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// StatusTracker records upstream reachability passively from live proxy
// traffic. There are no background probes: an upstream that has never
// been called stays "unknown" until its first request settles.
type StatusTracker struct {
	upstreams map[string]*upstreamState
	startedAt time.Time
	metrics   *metrics.Registry
}

// NewStatusTracker creates a tracker for the named upstreams.
func NewStatusTracker(names []string, met *metrics.Registry) *StatusTracker {
	st := &StatusTracker{
		upstreams: make(map[string]*upstreamState, len(names)),
		startedAt: time.Now(),
		metrics:   met,
	}
	for _, n := range names {
		st.upstreams[n] = &upstreamState{}
	}
	return st
}

// RecordSuccess marks an upstream reachable. Unknown names are ignored.
func (st *StatusTracker) RecordSuccess(name string) {
	s, ok := st.upstreams[name]
	if !ok {
		return
	}
	s.set("ok")
	if st.metrics != nil {
		st.metrics.SetUpstreamUp(name, true)
	}
}

// RecordFailure marks an upstream degraded. Unknown names are ignored.
func (st *StatusTracker) RecordFailure(name string) {
	s, ok := st.upstreams[name]
	if !ok {
		return
	}
	s.set("degraded")
	if st.metrics != nil {
		st.metrics.SetUpstreamUp(name, false)
	}
}

// Status returns the last observed state for one upstream.
func (st *StatusTracker) Status(name string) string {
	s, ok := st.upstreams[name]
	if !ok {
		return "unknown"
	}
	return s.get()
}

// Snapshot returns the state of every tracked upstream.
func (st *StatusTracker) Snapshot() map[string]string {
	out := make(map[string]string, len(st.upstreams))
	for name, s := range st.upstreams {
		out[name] = s.get()
	}
	return out
}

// UptimeSeconds reports how long the tracker (and with it the gateway)
// has been alive.
func (st *StatusTracker) UptimeSeconds() int64 {
	return int64(time.Since(st.startedAt).Seconds())
}
