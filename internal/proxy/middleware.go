package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/edge-proxy/pkg/apierr"
)

// defaultAllowedOrigins is the built-in CORS allowlist. The first entry
// doubles as the fallback echoed to unknown or absent origins.
var defaultAllowedOrigins = []string{
	"https://meyermansheidi.github.io",
	"http://localhost:5173",
	"http://localhost:3000",
}

// DefaultAllowedOrigins returns a copy of the built-in CORS allowlist.
func DefaultAllowedOrigins() []string {
	return append([]string(nil), defaultAllowedOrigins...)
}

// recovery catches panics in any handler and returns a 500 without
// crashing the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":"internal server error"}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored in the
// request context under the key "request_id" for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header. The value uses Go's default Duration string format (e.g. "2.5ms").
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds HTTP security headers recommended by OWASP to every
// response. These headers have no effect on the API functionality but harden
// the server against common web attacks.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// X-XSS-Protection is deprecated; set to 0 and rely on CSP instead.
		h.Set("X-XSS-Protection", "0")
		// API-only CSP: no HTML resources served, so deny everything.
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler returns a CORS middleware for the given allowlist.
//
// The Origin header is echoed back when it exactly matches an allowlist
// entry. Anything else, including a missing header or the literal "null"
// sent by sandboxed pages, receives the first allowlist entry instead, so
// every response carries a concrete origin rather than a rejection.
// OPTIONS preflight requests are answered with 204 No Content and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if len(origins) == 0 {
		origins = defaultAllowedOrigins
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			origin := string(ctx.Request.Header.Peek("Origin"))
			allowed := origins[0]
			for _, o := range origins {
				if origin == o {
					allowed = o
					break
				}
			}

			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "86400")
			h.Set("Vary", "Origin")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// rateLimit rejects callers that exhausted their per-IP window. It runs
// before any routing decision, so unmatched paths and health checks
// consume request budget too.
func (g *Gateway) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.limiter == nil {
			next(ctx)
			return
		}

		ip := clientIP(ctx)
		if !g.limiter.Allow(ip) {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("denied")
			}
			g.log.Warn("rate_limit_exceeded",
				slog.String("client_ip", ip),
				slog.String("path", string(ctx.Path())),
			)
			apierr.WriteRateLimit(ctx, int(g.limiter.Window().Seconds()))
			g.logRequest(ctx, "rate_limited", "bypass", 0)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		next(ctx)
	}
}

// clientIP identifies the caller for rate limiting. Behind a load
// balancer the remote address is the balancer itself, so X-Forwarded-For
// (first hop) and X-Real-IP take precedence over the socket peer.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if xff := ctx.Request.Header.Peek("X-Forwarded-For"); len(xff) > 0 {
		first := string(xff)
		if i := strings.IndexByte(first, ','); i >= 0 {
			first = first[:i]
		}
		return strings.TrimSpace(first)
	}
	if rip := ctx.Request.Header.Peek("X-Real-IP"); len(rip) > 0 {
		return string(rip)
	}
	return ctx.RemoteIP().String()
}

// applyMiddleware wraps h with the given middleware chain. The first middleware
// in the slice becomes the outermost wrapper (executes first on request,
// last on response). This matches the conventional "left-to-right" ordering:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
