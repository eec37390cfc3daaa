package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventRouteMiss         EventType = "route_miss"
	EventResponseCompleted EventType = "response_completed"
	EventHealthChanged     EventType = "health_changed"
	EventTunnelOpened      EventType = "tunnel_opened"
	EventTunnelClosed      EventType = "tunnel_closed"
	EventTunnelDialFailed  EventType = "tunnel_dial_failed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Route      string
	Target     string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	BytesSent  int64
	BytesRecv  int64
}

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *promMetrics
	logger     *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: newPromMetrics(),
		logger:     logger,
	}
}

// Emit queues an event without blocking. Events are dropped when the buffer
// is full. Emit on a nil collector is a no-op.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Registry exposes the Prometheus registry the collector feeds.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prometheus.registry
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Route)
		c.prometheus.requests.WithLabelValues(event.Route).Inc()

	case EventRouteMiss:
		c.metrics.IncrementMisses()
		c.prometheus.misses.Inc()

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Route, event.Duration, event.StatusCode)
		c.prometheus.observeResponse(event.Route, event.StatusCode, event.Duration)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Target, event.Healthy)
		c.prometheus.setHealth(event.Target, event.Healthy)

	case EventTunnelOpened:
		c.metrics.RecordTunnelOpened()
		c.prometheus.tunnelOpened()

	case EventTunnelClosed:
		c.metrics.RecordTunnelClosed(event.BytesSent, event.BytesRecv)
		c.prometheus.tunnelClosed(event.BytesSent, event.BytesRecv, event.Duration)

	case EventTunnelDialFailed:
		c.metrics.RecordTunnelDialFailure()
		c.prometheus.tunnelDialFailures.Inc()

	default:
		c.logger.Debug("Ignoring unknown metric event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(strategy string) Snapshot {
	return c.metrics.Snapshot(strategy)
}
