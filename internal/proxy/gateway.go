// Package proxy is the edge request dispatcher.
//
// The Gateway receives a browser request, applies per-IP rate limiting
// and CORS, resolves the target upstream from the route table, checks the
// response cache, and forwards the request with server-side credentials
// injected. The browser never sees an upstream API key.
//
// Key design constraints:
//   - Rate limiting runs before any routing decision.
//   - Logger, cache, limiter, breaker, and metrics are optional and nil-safe.
//   - Upstream replies are relayed verbatim: status and body are not
//     rewritten; error mapping happens only when the upstream is
//     unreachable.
package proxy

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/edge-proxy/internal/cache"
	"github.com/nulpointcorp/edge-proxy/internal/logger"
	"github.com/nulpointcorp/edge-proxy/internal/metrics"
	"github.com/nulpointcorp/edge-proxy/internal/ratelimit"
	"github.com/nulpointcorp/edge-proxy/internal/upstream/anthropic"
	"github.com/nulpointcorp/edge-proxy/pkg/apierr"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	defaultCacheTTL        = 5 * time.Minute

	// upstreamAnthropic labels the chat relay in logs, metrics and
	// health output, alongside the route table names.
	upstreamAnthropic = "anthropic"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All
// fields have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and
	// upstream diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// UpstreamTimeout is the per-request timeout for outbound calls.
	// Default: 30s.
	UpstreamTimeout time.Duration

	// CacheTTL controls how long cacheable upstream responses are kept.
	// Default: 5m.
	CacheTTL time.Duration

	// CBConfig configures the per-upstream circuit breaker. Set
	// Disabled to bypass the breaker entirely.
	CBConfig CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics
	// are disabled.
	Metrics *metrics.Registry

	// Version is reported in the health payload.
	Version string
}

// Gateway is the main proxy. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	routes  []Route
	chat    *anthropic.Client
	cache   cache.Store
	cb      *CircuitBreaker
	status  *StatusTracker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	version string

	// upstream is the shared outbound HTTP client for the generic
	// pass-through routes. The chat relay has its own SDK client.
	upstream *fasthttp.Client

	upstreamTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies, nil-safe when not configured.
	limiter   *ratelimit.WindowLimiter
	reqLogger *logger.Logger

	// CORS allowlist; the first entry is the fallback origin.
	corsOrigins []string

	srvMu sync.Mutex
	srv   *fasthttp.Server
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, routes []Route, chat *anthropic.Client, store cache.Store) *Gateway {
	return NewGatewayWithOptions(ctx, routes, chat, store, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when
// you need to customise the logger, breaker thresholds, or timeouts.
func NewGatewayWithOptions(
	baseCtx context.Context,
	routes []Route,
	chat *anthropic.Client,
	store cache.Store,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = defaultUpstreamTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}

	names := make([]string, 0, len(routes)+1)
	for i := range routes {
		names = append(names, routes[i].Name)
	}
	names = append(names, upstreamAnthropic)

	g := &Gateway{
		routes:  routes,
		chat:    chat,
		cache:   store,
		status:  NewStatusTracker(names, opts.Metrics),
		baseCtx: baseCtx,
		log:     log,
		metrics: opts.Metrics,
		version: opts.Version,
		upstream: &fasthttp.Client{
			ReadTimeout:  upstreamTimeout,
			WriteTimeout: upstreamTimeout,
		},
		upstreamTimeout: upstreamTimeout,
		cacheTTL:        cacheTTL,
	}

	// The breaker guards the generic pass-through upstreams only; the
	// chat relay must map each inbound request to exactly one SDK call.
	if !opts.CBConfig.Disabled {
		g.cb = NewCircuitBreakerWithConfig(names[:len(names)-1], opts.CBConfig)
	}

	// Initialise circuit breaker gauges (closed) for known upstreams.
	if g.metrics != nil && g.cb != nil {
		for i := range routes {
			g.metrics.SetBreakerState(routes[i].Name, int64(g.cb.State(routes[i].Name)))
		}
	}

	return g
}

// SetRateLimiter injects the per-IP request limiter.
func (g *Gateway) SetRateLimiter(l *ratelimit.WindowLimiter) {
	g.limiter = l
}

// SetRequestLogger injects the async request logger.
func (g *Gateway) SetRequestLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCORSOrigins replaces the built-in CORS allowlist. The first entry is
// echoed to callers whose Origin does not match any entry.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// track wraps a handler's lifetime: in-flight gauge, HTTP metrics and the
// async request log. The returned func must be deferred. The route and
// cache labels are read at completion so handlers can update them
// mid-flight.
func (g *Gateway) track(ctx *fasthttp.RequestCtx, start time.Time, route, cacheLabel *string) func() {
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	return func() {
		dur := time.Since(start)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(*route, string(ctx.Method()), ctx.Response.StatusCode(), dur, len(ctx.Response.Body()))
		}
		g.logRequest(ctx, *route, *cacheLabel, dur)
	}
}

// dispatchGeneric proxies /api/{upstream}/* traffic. It also serves as
// the router's NotFound handler, so paths outside the route table answer
// 404 with the route listing.
func (g *Gateway) dispatchGeneric(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "unmatched"
	cacheLabel := "bypass"
	defer g.track(ctx, start, &route, &cacheLabel)()

	reqID, _ := ctx.UserValue("request_id").(string)
	path := string(ctx.Path())

	// 1. Resolve the upstream by path prefix; first match wins.
	rt, rest := matchRoute(g.routes, path)
	if rt == nil {
		g.writeRouteNotFound(ctx)
		return
	}
	route = rt.Name

	// 2. Serve from cache when possible (GET against a cacheable route).
	eligible := g.cache != nil && cache.EligibleRequest(ctx.Method(), rt.Cacheable)
	key := cache.Key(ctx.Path(), ctx.URI().QueryString())
	if eligible {
		if entry, ok := g.cache.Get(ctx, key); ok {
			cacheLabel = "hit"
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.Debug("cache_hit",
				slog.String("request_id", reqID),
				slog.String("upstream", rt.Name),
				slog.String("path", path),
			)
			writeCached(ctx, entry, cache.MarkerHit)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 3. Refuse fast while the upstream is cooling down.
	if g.cb != nil && !g.cb.Allow(rt.Name) {
		if g.metrics != nil {
			g.metrics.RecordBreakerRejection(rt.Name, g.cb.StateLabel(rt.Name))
		}
		g.log.Warn("breaker_rejection",
			slog.String("request_id", reqID),
			slog.String("upstream", rt.Name),
		)
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.MsgUpstreamFailure,
			rt.Name+" upstream is cooling down after repeated failures")
		return
	}

	// 4. Build the outbound request. Client headers are not forwarded;
	// only the route credential and the request body travel upstream.
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rt.BaseURL + rest)
	if qs := ctx.URI().QueryString(); len(qs) > 0 {
		req.URI().SetQueryStringBytes(qs)
	}
	req.Header.SetMethodBytes(ctx.Method())
	if body := ctx.PostBody(); len(body) > 0 {
		req.SetBody(body)
		if ct := ctx.Request.Header.ContentType(); len(ct) > 0 {
			req.Header.SetContentTypeBytes(ct)
		}
	}
	applyCredential(req, rt.Credential)

	// 5. Call the upstream.
	upStart := time.Now()
	err := g.upstream.DoTimeout(req, resp, g.upstreamTimeout)
	upDur := time.Since(upStart)
	if err != nil {
		g.recordUpstreamFailure(rt.Name, "transport", upDur)
		g.log.Error("upstream_error",
			slog.String("request_id", reqID),
			slog.String("upstream", rt.Name),
			slog.String("error", err.Error()),
		)
		apierr.WriteUpstreamError(ctx, err)
		return
	}

	status := resp.StatusCode()
	if status >= fasthttp.StatusInternalServerError {
		g.recordUpstreamFailure(rt.Name, "http_5xx", upDur)
	} else {
		g.recordUpstreamSuccess(rt.Name, upDur)
	}

	// 6. Relay the upstream reply verbatim. The body is decompressed so
	// the relayed bytes match the stripped Content-Encoding header.
	body, decErr := resp.BodyUncompressed()
	if decErr != nil {
		body = resp.Body()
	}
	body = append([]byte(nil), body...)
	contentType := string(resp.Header.ContentType())

	ctx.SetStatusCode(status)
	if contentType != "" {
		ctx.SetContentType(contentType)
	}
	if eligible {
		ctx.Response.Header.Set(cache.Marker, cache.MarkerMiss)
	}
	ctx.SetBody(body)

	// 7. Keep successful cacheable replies for the next caller.
	if eligible && cache.StorableStatus(status) {
		entry := cache.Entry{Status: status, ContentType: contentType, Body: body}
		if err := g.cache.Set(ctx, key, entry, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}
}

// handleChat relays POST /api/anthropic through the official SDK. The
// upstream reply is written back byte-for-byte, success and API errors
// alike, so the browser sees exactly what the Messages API returned.
// Chat responses are never cached.
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat"
	cacheLabel := "bypass"
	defer g.track(ctx, start, &route, &cacheLabel)()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Refuse before reading the body when no server key is set.
	if g.chat == nil || !g.chat.Enabled() {
		apierr.WriteCredentialMissing(ctx, upstreamAnthropic)
		return
	}

	// 2. Shape-check the payload.
	req, err := anthropic.ParseRequest(ctx.PostBody())
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	g.log.Info("chat_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Int("messages", len(*req.Messages)),
	)

	// 3. One upstream call, no retries.
	upCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	defer cancel()

	upStart := time.Now()
	relay, err := g.chat.Complete(upCtx, req)
	upDur := time.Since(upStart)
	if err != nil {
		g.status.RecordFailure(upstreamAnthropic)
		if g.metrics != nil {
			g.metrics.ObserveUpstream(upstreamAnthropic, "error", upDur)
			g.metrics.RecordUpstreamError(upstreamAnthropic, "transport")
		}
		g.log.Error("chat_upstream_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteUpstreamError(ctx, err)
		return
	}

	g.status.RecordSuccess(upstreamAnthropic)
	if g.metrics != nil {
		g.metrics.ObserveUpstream(upstreamAnthropic, "success", upDur)
	}

	g.log.Debug("chat_ok",
		slog.String("request_id", reqID),
		slog.Int("status", relay.Status),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(relay.Status)
	ctx.SetContentType("application/json")
	ctx.SetBody(relay.Body)
}

// healthPayload is the GET /health (and GET /) response body.
type healthPayload struct {
	Status        string            `json:"status"`
	Service       string            `json:"service"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Features      map[string]bool   `json:"features"`
	Upstreams     map[string]string `json:"upstreams"`
	Routes        []string          `json:"routes"`
}

// handleHealth reports which upstream credentials are configured and what
// the proxy has observed about each upstream so far. It never calls the
// upstreams itself.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "health"
	cacheLabel := "bypass"
	defer g.track(ctx, start, &route, &cacheLabel)()

	features := make(map[string]bool, len(g.routes)+1)
	for i := range g.routes {
		features[g.routes[i].Name] = g.routes[i].Credential.Configured()
	}
	features[upstreamAnthropic] = g.chat != nil && g.chat.Enabled()

	writeJSON(ctx, healthPayload{
		Status:        "ok",
		Service:       "edge-proxy",
		Version:       g.version,
		UptimeSeconds: g.status.UptimeSeconds(),
		Features:      features,
		Upstreams:     g.status.Snapshot(),
		Routes:        g.routeListing(),
	})
}

// writeCached replays a stored upstream reply with the given cache marker.
func writeCached(ctx *fasthttp.RequestCtx, e cache.Entry, marker string) {
	ctx.SetStatusCode(e.Status)
	if e.ContentType != "" {
		ctx.SetContentType(e.ContentType)
	}
	ctx.Response.Header.Set(cache.Marker, marker)
	ctx.SetBody(e.Body)
}

func (g *Gateway) writeRouteNotFound(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, fasthttp.StatusNotFound, apierr.MsgRouteNotFound,
		"available routes: "+strings.Join(g.routeListing(), ", "))
}

// routeListing enumerates the public surface for health output and 404s.
func (g *Gateway) routeListing() []string {
	list := make([]string, 0, len(g.routes)+2)
	for i := range g.routes {
		list = append(list, g.routes[i].Prefix+"/*")
	}
	return append(list, "/api/anthropic", "/health")
}

func (g *Gateway) recordUpstreamSuccess(name string, dur time.Duration) {
	if g.cb != nil {
		g.cb.RecordSuccess(name)
	}
	g.status.RecordSuccess(name)
	if g.metrics != nil {
		g.metrics.ObserveUpstream(name, "success", dur)
		if g.cb != nil {
			g.metrics.SetBreakerState(name, int64(g.cb.State(name)))
		}
	}
}

func (g *Gateway) recordUpstreamFailure(name, errType string, dur time.Duration) {
	if g.cb != nil {
		g.cb.RecordFailure(name)
	}
	g.status.RecordFailure(name)
	if g.metrics != nil {
		g.metrics.ObserveUpstream(name, "error", dur)
		g.metrics.RecordUpstreamError(name, errType)
		if g.cb != nil {
			g.metrics.SetBreakerState(name, int64(g.cb.State(name)))
		}
	}
}

// logRequest enqueues an entry to the async request logger. Never blocks.
func (g *Gateway) logRequest(ctx *fasthttp.RequestCtx, route, cacheLabel string, latency time.Duration) {
	if g.reqLogger == nil {
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	id, _ := uuid.Parse(reqID)

	// Clamp so an absurd latency cannot wrap the field.
	ms := latency.Milliseconds()
	if ms > math.MaxUint32 {
		ms = math.MaxUint32
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:        id,
		Method:    string(ctx.Method()),
		Path:      string(ctx.Path()),
		Route:     route,
		Status:    uint16(ctx.Response.StatusCode()),
		LatencyMs: uint32(ms),
		ClientIP:  clientIP(ctx),
		Cache:     cacheLabel,
		CreatedAt: time.Now(),
	})
}
