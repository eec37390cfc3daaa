package strategy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/angeloszaimis/pathproxy/internal/backend"
	"github.com/angeloszaimis/pathproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/pathproxy/internal/routing"
)

// TransportOptions bounds every stage of an upstream exchange.
type TransportOptions struct {
	DialTimeout         time.Duration
	ResponseTimeout     time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConnsPerHost int
}

// NewTransport builds the keep-alive transport shared by all pooled backends.
func NewTransport(opts TransportOptions) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	idle := opts.IdleConnTimeout
	if idle == 0 {
		idle = 90 * time.Second
	}

	perHost := opts.MaxIdleConnsPerHost
	if perHost == 0 {
		perHost = 32
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       idle,
		ResponseHeaderTimeout: opts.ResponseTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// PooledClient forwards through a cached reverse proxy per target, all
// sharing one transport. Targets whose breaker is open are answered with 503.
type PooledClient struct {
	logger   *slog.Logger
	backends *backend.Registry
	breakers *circuitbreaker.Registry
}

func NewPooledClient(logger *slog.Logger, transport http.RoundTripper, breakers *circuitbreaker.Registry) *PooledClient {
	p := &PooledClient{
		logger:   logger,
		breakers: breakers,
	}
	p.backends = backend.NewRegistry(func(target *url.URL) *backend.Backend {
		return p.newBackend(target, transport)
	})
	return p
}

func (p *PooledClient) Name() string {
	return Pooled
}

// Backends exposes the per-target backends created so far.
func (p *PooledClient) Backends() *backend.Registry {
	return p.backends
}

func (p *PooledClient) Forward(w http.ResponseWriter, r *http.Request, route routing.Route) {
	b := p.backends.Get(route.Target)
	key := route.Target.String()

	if p.breakers != nil && !p.breakers.For(key).Allow() {
		p.logger.Warn("Circuit open, rejecting request",
			slog.String("route", route.Path),
			slog.String("target", key))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	b.IncrementConn()
	defer b.DecrementConn()

	start := time.Now()
	b.ReverseProxy().ServeHTTP(w, r)
	b.RecordResponse(time.Since(start))
}

func (p *PooledClient) newBackend(target *url.URL, transport http.RoundTripper) *backend.Backend {
	b := backend.New(target, transport)
	key := target.String()

	proxy := b.ReverseProxy()
	proxy.ModifyResponse = func(*http.Response) error {
		if p.breakers != nil {
			p.breakers.For(key).RecordSuccess()
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			p.logger.Debug("Client went away before upstream answered",
				slog.String("target", key))
			if p.breakers != nil {
				p.breakers.For(key).Release()
			}
		} else {
			p.logger.Error("Upstream request failed",
				slog.String("target", key),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Any("err", err))
			if p.breakers != nil {
				p.breakers.For(key).RecordFailure()
			}
		}
		w.WriteHeader(http.StatusInternalServerError)
	}

	return b
}
