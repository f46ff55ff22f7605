// Package apierr provides the flat JSON error envelope returned to proxy
// clients and helpers for writing it to fasthttp contexts.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Canonical error strings. Handlers reuse these so that browser clients can
// match on the error field without parsing free-form text.
const (
	MsgRateLimited       = "rate limit exceeded"
	MsgRouteNotFound     = "route not found"
	MsgInvalidRequest    = "invalid request"
	MsgCredentialMissing = "upstream credential not configured"
	MsgUpstreamFailure   = "upstream request failed"
	MsgInternalError     = "internal server error"
)

// Envelope is the wire shape of every proxy error: a short stable error
// string plus an optional human-readable detail. Detail is omitted when empty.
type Envelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Write writes the error envelope as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, detail string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{Error: message, Detail: detail})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After hint in seconds. No detail
// is included so clients learn nothing about other tenants' traffic.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, MsgRateLimited, "")
}

// WriteInvalidRequest writes a 400 naming the field that failed validation.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, detail string) {
	Write(ctx, fasthttp.StatusBadRequest, MsgInvalidRequest, detail)
}

// WriteCredentialMissing writes a 503 for routes that refuse to run without
// a server-side credential.
func WriteCredentialMissing(ctx *fasthttp.RequestCtx, upstream string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, MsgCredentialMissing,
		upstream+" credential is not set on the server")
}

// WriteUpstreamError writes a 502 carrying the transport-level failure as
// detail. Credentials never appear in transport errors, so the message is
// safe to surface.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	Write(ctx, fasthttp.StatusBadGateway, MsgUpstreamFailure, detail)
}
