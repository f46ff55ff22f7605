// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,method,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// proxy_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// proxy_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// proxy_upstream_requests_total{upstream,outcome}
	upstreamRequests *prometheus.CounterVec

	// proxy_upstream_request_duration_seconds{upstream,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_upstream_errors_total{upstream,error_type}
	upstreamErrors *prometheus.CounterVec

	// proxy_upstream_up{upstream} — 1 after a good exchange, 0 after a bad one
	upstreamUp *prometheus.GaugeVec

	// circuit_breaker_state{upstream} — 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// proxy_circuit_breaker_transitions_total{upstream,to_state}
	breakerTransitions *prometheus.CounterVec

	// proxy_circuit_breaker_rejections_total{upstream,state}
	breakerRejections *prometheus.CounterVec

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "method", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_requests_total",
				Help: "Total outbound upstream requests",
			},
			[]string{"upstream", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_request_duration_seconds",
				Help:    "Outbound upstream request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"upstream", "outcome"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_errors_total",
				Help: "Total upstream failures by type",
			},
			[]string{"upstream", "error_type"},
		),

		upstreamUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_upstream_up",
				Help: "Upstream reachability from live traffic (1=ok, 0=failing)",
			},
			[]string{"upstream"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"upstream"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"upstream", "to_state"},
		),

		breakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"upstream", "state"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpRespSize,
		r.rateLimitTotal,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.upstreamRequests,
		r.upstreamDuration,
		r.upstreamErrors,
		r.upstreamUp,
		r.breakerState,
		r.breakerTransitions,
		r.breakerRejections,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(route, method string, statusCode int, dur time.Duration, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, method, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// RecordRateLimit records one limiter decision: "allowed" or "denied".
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

// ObserveUpstream records one outbound upstream exchange.
func (r *Registry) ObserveUpstream(upstream, outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(upstream, outcome).Inc()
	r.upstreamDuration.WithLabelValues(upstream, outcome).Observe(dur.Seconds())
}

// RecordUpstreamError counts one upstream failure by type, e.g. "transport"
// or "http_5xx".
func (r *Registry) RecordUpstreamError(upstream, errType string) {
	r.upstreamErrors.WithLabelValues(upstream, errType).Inc()
}

// SetUpstreamUp reflects the most recent exchange with an upstream.
func (r *Registry) SetUpstreamUp(upstream string, ok bool) {
	if ok {
		r.upstreamUp.WithLabelValues(upstream).Set(1)
		return
	}
	r.upstreamUp.WithLabelValues(upstream).Set(0)
}

// SetBreakerState sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetBreakerState(upstream string, state int64) {
	r.breakerState.WithLabelValues(upstream).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[upstream]
	if !ok || prev != float64(state) {
		r.lastCBState[upstream] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.breakerTransitions.WithLabelValues(upstream, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordBreakerRejection(upstream, state string) {
	r.breakerRejections.WithLabelValues(upstream, state).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
