package app

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/edge-proxy/internal/cache"
	"github.com/nulpointcorp/edge-proxy/internal/config"
	"github.com/nulpointcorp/edge-proxy/internal/logger"
	"github.com/nulpointcorp/edge-proxy/internal/metrics"
	"github.com/nulpointcorp/edge-proxy/internal/proxy"
	"github.com/nulpointcorp/edge-proxy/internal/ratelimit"
	"github.com/nulpointcorp/edge-proxy/internal/upstream/anthropic"
)

// initUpstreams builds the route table and the chat client. Routes with
// absent credentials stay registered: generic routes then forward without
// a credential and the chat route answers 503. The proxy never refuses to
// start over missing keys.
func (a *App) initUpstreams(_ context.Context) error {
	a.routes = buildRoutes(a.cfg)

	if a.cfg.Anthropic.APIKey != "" {
		var opts []anthropic.Option
		if a.cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(a.cfg.Anthropic.BaseURL))
		}
		a.chat = anthropic.New(
			a.cfg.Anthropic.APIKey,
			a.cfg.Anthropic.Model,
			a.cfg.UpstreamTimeout,
			opts...,
		)
	}

	configured := make([]string, 0, len(a.routes)+1)
	for _, rt := range a.routes {
		if rt.Credential.Configured() {
			configured = append(configured, rt.Name)
		}
	}
	if a.chat != nil {
		configured = append(configured, "anthropic")
	}
	a.log.Info("upstreams loaded",
		slog.Int("routes", len(a.routes)),
		slog.Any("credentials", configured),
	)

	return nil
}

// initServices creates the response cache, the Prometheus registry and
// the async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.store = cache.NewMemoryStore()

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.RequestLog.Enabled {
		reqLogger, err := logger.New(ctx, a.log, logger.Options{
			Buffer:        a.cfg.RequestLog.Buffer,
			Batch:         a.cfg.RequestLog.Batch,
			FlushInterval: a.cfg.RequestLog.FlushInterval,
		})
		if err != nil {
			return err
		}
		a.reqLogger = reqLogger
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:          a.log,
		UpstreamTimeout: a.cfg.UpstreamTimeout,
		CacheTTL:        a.cfg.Cache.TTL,
		Metrics:         a.prom,
		Version:         a.version,
		CBConfig: proxy.CBConfig{
			Disabled:       !a.cfg.Breaker.Enabled,
			ErrorThreshold: a.cfg.Breaker.Threshold,
			Cooldown:       a.cfg.Breaker.Cooldown,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.routes, a.chat, a.store, opts)

	gw.SetRateLimiter(ratelimit.NewWindowLimiter(a.cfg.RateLimit.Window, a.cfg.RateLimit.Max))
	a.log.Info("rate limiting enabled",
		slog.Duration("window", a.cfg.RateLimit.Window),
		slog.Int("max", a.cfg.RateLimit.Max),
	)

	if a.reqLogger != nil {
		gw.SetRequestLogger(a.reqLogger)
	}

	origins := proxy.DefaultAllowedOrigins()
	if a.cfg.AllowedOrigin != "" {
		origins = append(origins, a.cfg.AllowedOrigin)
	}
	gw.SetCORSOrigins(origins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// buildRoutes maps the configured third-party APIs onto proxy routes.
// Only the company-data lookups are cacheable; news and quotes go stale
// too fast, and chat is handled by its own route.
func buildRoutes(cfg *config.Config) []proxy.Route {
	return []proxy.Route{
		{
			Name:    "kbo",
			Prefix:  "/api/kbo",
			BaseURL: cfg.KBO.BaseURL,
			Credential: proxy.Credential{
				Kind:   proxy.CredentialHeader,
				Secret: cfg.KBO.Token,
				Headers: map[string]string{
					"Accept-Language": cfg.KBO.AcceptLanguage,
				},
			},
			Cacheable: true,
		},
		{
			Name:    "gnews",
			Prefix:  "/api/gnews",
			BaseURL: cfg.GNews.BaseURL,
			Credential: proxy.Credential{
				Kind:   proxy.CredentialQuery,
				Secret: cfg.GNews.APIKey,
				Param:  "apikey",
			},
		},
		{
			Name:    "finnhub",
			Prefix:  "/api/finnhub",
			BaseURL: cfg.Finnhub.BaseURL,
			Credential: proxy.Credential{
				Kind:   proxy.CredentialQuery,
				Secret: cfg.Finnhub.APIKey,
				Param:  "token",
			},
		},
	}
}
