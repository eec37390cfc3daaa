package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/pathproxy/config"
	"github.com/angeloszaimis/pathproxy/internal/backend"
	"github.com/angeloszaimis/pathproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/pathproxy/internal/handler"
	"github.com/angeloszaimis/pathproxy/internal/healthcheck"
	"github.com/angeloszaimis/pathproxy/internal/httpserver"
	"github.com/angeloszaimis/pathproxy/internal/metrics"
	"github.com/angeloszaimis/pathproxy/internal/routing"
	"github.com/angeloszaimis/pathproxy/internal/strategy"
	"github.com/angeloszaimis/pathproxy/internal/tunnel"
	"github.com/angeloszaimis/pathproxy/pkg/logger"
)

const (
	metricsBufferSize = 1024
	shutdownTimeout   = 10 * time.Second
)

func main() {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	table, err := buildTable(cfg.Routes)
	if err != nil {
		log.Error("Invalid route configuration", slog.Any("err", err))
		os.Exit(1)
	}

	collector := metrics.NewCollector(metricsBufferSize, logger.Component(log, "metrics"))
	collector.Start(ctx)

	breakers := circuitbreaker.NewRegistry(cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.ResetTimeout)
	transport := strategy.NewTransport(strategy.TransportOptions{
		DialTimeout:     cfg.Forwarding.DialTimeout,
		ResponseTimeout: cfg.Forwarding.ResponseTimeout,
	})

	strat, backends := createStrategy(logger.Component(log, "forward"), cfg.Forwarding, transport, breakers)

	proxy := handler.NewProxyHandler(logger.Component(log, "proxy"), table, strat, collector)

	srv, err := httpserver.New(cfg.Server.Address, proxy, httpserver.Timeouts{
		Read:  cfg.Server.ReadTimeout,
		Write: cfg.Server.WriteTimeout,
		Idle:  cfg.Server.IdleTimeout,
	})
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}
	if err := srv.Listen(); err != nil {
		log.Error("Failed to bind HTTP listener", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("Reverse proxy listening",
		slog.String("addr", srv.Addr()),
		slog.String("strategy", strat.Name()),
		slog.Int("routes", table.Len()))

	var tun *tunnel.Listener
	if cfg.Tunnel.Enabled {
		tun, err = tunnel.New(tunnel.Config{
			ListenAddress:   cfg.Tunnel.ListenAddress,
			UpstreamAddress: cfg.Tunnel.UpstreamAddress,
			DialTimeout:     cfg.Tunnel.DialTimeout,
			IdleTimeout:     cfg.Tunnel.IdleTimeout,
		}, logger.Component(log, "tunnel"), collector)
		if err != nil {
			log.Error("Failed to create tunnel", slog.Any("err", err))
			os.Exit(1)
		}
		if err := tun.Listen(); err != nil {
			log.Error("Failed to bind tunnel listener", slog.Any("err", err))
			os.Exit(1)
		}
	}

	var adminSrv *httpserver.Server
	if cfg.Admin.Enabled {
		adminSrv, err = httpserver.New(cfg.Admin.Address,
			setupAdminRouter(logger.Component(log, "admin"), table, collector, strat.Name(), backends, breakers),
			httpserver.DefaultTimeouts)
		if err != nil {
			log.Error("Failed to create admin server", slog.Any("err", err))
			os.Exit(1)
		}
		if err := adminSrv.Listen(); err != nil {
			log.Error("Failed to bind admin listener", slog.Any("err", err))
			os.Exit(1)
		}
		log.Info("Admin API listening", slog.String("addr", adminSrv.Addr()))
	}

	if loader.Watch(func(c *config.Config) { applyRoutes(log, table, c.Routes) }) {
		log.Info("Watching config file for route changes")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Serve)

	if tun != nil {
		g.Go(func() error { return tun.Serve(gctx) })
	}

	if adminSrv != nil {
		g.Go(adminSrv.Serve)
	}

	if cfg.HealthCheck.Enabled {
		monitor := healthcheck.NewMonitor(table, backends, cfg.HealthCheck.Interval, cfg.HealthCheck.Path,
			logger.Component(log, "healthcheck"), collector)
		g.Go(func() error { return monitor.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("proxy: %w", err))
		}
		if tun != nil {
			if err := tun.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("tunnel: %w", err))
			}
		}
		if adminSrv != nil {
			if err := adminSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("admin: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("Error during shutdown", slog.Any("err", err))
		os.Exit(1)
	}
}

func buildTable(routes []config.RouteConfig) (*routing.Table, error) {
	table, err := routing.NewTable()
	if err != nil {
		return nil, err
	}

	for _, rc := range routes {
		if err := table.UpsertRaw(rc.Path, rc.Target); err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Path, err)
		}
	}

	return table, nil
}

// applyRoutes upserts reloaded routes. Routes missing from the new file stay
// in the table.
func applyRoutes(log *slog.Logger, table *routing.Table, routes []config.RouteConfig) {
	for _, rc := range routes {
		if err := table.UpsertRaw(rc.Path, rc.Target); err != nil {
			log.Warn("Skipping reloaded route",
				slog.String("path", rc.Path),
				slog.String("target", rc.Target),
				slog.Any("err", err))
		}
	}
	log.Info("Routes reloaded", slog.Int("routes", table.Len()))
}

// createStrategy returns the forwarding strategy and the backend registry
// health checks and the admin API report on.
func createStrategy(
	log *slog.Logger,
	cfg config.ForwardingConfig,
	transport http.RoundTripper,
	breakers *circuitbreaker.Registry,
) (strategy.Strategy, *backend.Registry) {
	switch cfg.Strategy {
	case config.StrategyRaw:
		raw := strategy.NewRawSocket(log, strategy.RawOptions{
			Target:           cfg.RawTarget,
			DialTimeout:      cfg.DialTimeout,
			IOTimeout:        cfg.ResponseTimeout,
			MaxResponseBytes: cfg.MaxResponseBytes,
			StatusMode:       cfg.RawStatus,
		})
		backends := backend.NewRegistry(func(u *url.URL) *backend.Backend {
			return backend.New(u, transport)
		})
		return raw, backends

	case config.StrategyPooled:
		pooled := strategy.NewPooledClient(log, transport, breakers)
		return pooled, pooled.Backends()

	default:
		log.Warn("Unknown strategy, defaulting to pooled", slog.String("requested", cfg.Strategy))
		pooled := strategy.NewPooledClient(log, transport, breakers)
		return pooled, pooled.Backends()
	}
}
