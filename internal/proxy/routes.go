package proxy

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// CredentialKind selects how a route's server-side secret is attached to
// the outbound request.
type CredentialKind int

const (
	// CredentialNone forwards requests without any injected secret.
	CredentialNone CredentialKind = iota

	// CredentialHeader sets "Authorization: Bearer <secret>" plus any
	// fixed extra headers carried by the credential.
	CredentialHeader

	// CredentialQuery appends the secret as a query string parameter.
	CredentialQuery
)

// Credential describes the server-side secret for one upstream. The zero
// value means no credential.
type Credential struct {
	Kind   CredentialKind
	Secret string

	// Param is the query parameter name used by CredentialQuery.
	Param string

	// Headers are fixed extra headers set alongside Authorization for
	// CredentialHeader (e.g. Accept-Language for localized upstreams).
	Headers map[string]string
}

// Configured reports whether a secret is present. Routes without one are
// still proxied; the request simply goes out uncredentialed.
func (c Credential) Configured() bool { return c.Secret != "" }

// Route maps a local path prefix to an upstream base URL.
type Route struct {
	// Name labels the upstream in logs, metrics and health output.
	Name string

	// Prefix is the local path prefix without a trailing slash
	// (e.g. "/api/kbo"). Everything after it is appended to BaseURL.
	Prefix string

	// BaseURL is the upstream root without a trailing slash.
	BaseURL string

	// Credential is injected into every outbound request for this route.
	Credential Credential

	// Cacheable marks GET responses from this upstream as eligible for
	// the response cache.
	Cacheable bool
}

// matchRoute returns the first route owning path plus the remainder after
// the prefix, leading slash included. Order in the slice decides ties.
func matchRoute(routes []Route, path string) (*Route, string) {
	for i := range routes {
		rt := &routes[i]
		if strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, path[len(rt.Prefix):]
		}
	}
	return nil, ""
}

// applyCredential is the single interpreter for all credential kinds. A
// route with an empty secret is forwarded untouched, so a missing env var
// degrades to "proxy without credentials" instead of failing the request.
func applyCredential(req *fasthttp.Request, cred Credential) {
	if !cred.Configured() {
		return
	}
	switch cred.Kind {
	case CredentialHeader:
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
		for k, v := range cred.Headers {
			req.Header.Set(k, v)
		}
	case CredentialQuery:
		req.URI().QueryArgs().Set(cred.Param, cred.Secret)
	}
}
