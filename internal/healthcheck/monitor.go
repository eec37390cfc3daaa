package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/pathproxy/internal/backend"
	"github.com/angeloszaimis/pathproxy/internal/metrics"
	"github.com/angeloszaimis/pathproxy/internal/routing"
)

const (
	probeTimeout  = 5 * time.Second
	maxConcurrent = 8
)

// Monitor periodically probes every distinct route target. Results update
// backend health and metrics only; forwarding never consults them.
type Monitor struct {
	table     *routing.Table
	backends  *backend.Registry
	client    *http.Client
	interval  time.Duration
	path      string
	logger    *slog.Logger
	collector *metrics.Collector
}

func NewMonitor(
	table *routing.Table,
	backends *backend.Registry,
	interval time.Duration,
	path string,
	logger *slog.Logger,
	collector *metrics.Collector,
) *Monitor {
	return &Monitor{
		table:     table,
		backends:  backends,
		client:    &http.Client{Timeout: probeTimeout},
		interval:  interval,
		path:      path,
		logger:    logger,
		collector: collector,
	}
}

// Run probes immediately and then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health check stopped")
			return nil

		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes the targets currently in the routing table.
func (m *Monitor) CheckAll(ctx context.Context) {
	seen := make(map[string]bool)

	var g errgroup.Group
	g.SetLimit(maxConcurrent)

	for _, target := range m.table.Snapshot() {
		key := target.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		b := m.backends.Get(target)
		g.Go(func() error {
			m.check(ctx, b)
			return nil
		})
	}

	g.Wait()
}

func (m *Monitor) check(ctx context.Context, b *backend.Backend) {
	healthy := m.probe(ctx, b.URL())
	if ctx.Err() != nil {
		return
	}

	if !b.SetHealthy(healthy) {
		return
	}

	server := b.URL().String()
	if healthy {
		m.logger.Info("Server is back up", slog.String("server", server))
	} else {
		m.logger.Warn("Server is down", slog.String("server", server))
	}

	m.collector.Emit(metrics.MetricEvent{
		Type:    metrics.EventHealthChanged,
		Target:  server,
		Healthy: healthy,
	})
}

func (m *Monitor) probe(ctx context.Context, target *url.URL) bool {
	healthURL := target.ResolveReference(&url.URL{Path: m.path})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL.String(), nil)
	if err != nil {
		return false
	}

	res, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("Health probe failed",
			slog.String("url", healthURL.String()),
			slog.Any("err", err))
		return false
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	return res.StatusCode == http.StatusOK
}
