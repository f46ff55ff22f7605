// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initUpstreams — route table and chat client from credentials
//  2. initServices  — cache, metrics registry, request logger
//  3. initGateway   — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/edge-proxy/internal/cache"
	"github.com/nulpointcorp/edge-proxy/internal/config"
	"github.com/nulpointcorp/edge-proxy/internal/logger"
	"github.com/nulpointcorp/edge-proxy/internal/metrics"
	"github.com/nulpointcorp/edge-proxy/internal/proxy"
	"github.com/nulpointcorp/edge-proxy/internal/upstream/anthropic"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	reqLogger *logger.Logger
	store     *cache.MemoryStore
	prom      *metrics.Registry

	routes []proxy.Route
	chat   *anthropic.Client
	mgmt   *proxy.ManagementRoutes
	gw     *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"upstreams", a.initUpstreams},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. On cancellation the server drains in-flight requests
// before the app shuts down.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting edge proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("routes", len(a.routes)),
		slog.Bool("chat_enabled", a.chat != nil && a.chat.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(context.Background()); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call
// multiple times and from multiple goroutines.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
}
