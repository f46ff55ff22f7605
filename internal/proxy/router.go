package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is the handler type for management routes registered on
// the gateway's listener.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes carries optional operational endpoints served next to
// the proxy routes.
type ManagementRoutes struct {
	// Metrics serves GET /metrics when non-nil.
	Metrics RouteHandler
}

// Handler builds the gateway's request handler: the exact routes, the
// generic dispatch catch-all, and the middleware chain. Exposed so tests
// can serve the full chain on an in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// The JSON catch-all owns unmatched paths and methods; redirects and
	// 405s from the router would bypass it.
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleMethodNotAllowed = false

	r.POST("/api/anthropic", g.handleChat)
	r.GET("/", g.handleHealth)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = g.dispatchGeneric

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		g.rateLimit,
	)
}

// Start runs the HTTP server on addr. It blocks until the listener
// closes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes runs the HTTP server with optional management routes
// mounted alongside the proxy routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	g.srvMu.Lock()
	g.srv = srv
	g.srvMu.Unlock()

	return srv.ListenAndServe(addr)
}

// Shutdown stops accepting new connections and waits for in-flight
// requests, up to the context deadline. Safe to call before Start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.srvMu.Lock()
	srv := g.srv
	g.srvMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	b, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(b)
}
