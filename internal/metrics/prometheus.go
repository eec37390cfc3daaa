package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pathproxy"

type promMetrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	misses             prometheus.Counter
	responses          *prometheus.CounterVec
	responseDuration   *prometheus.HistogramVec
	targetHealthy      *prometheus.GaugeVec
	tunnelActive       prometheus.Gauge
	tunnelSessions     prometheus.Counter
	tunnelBytes        *prometheus.CounterVec
	tunnelDuration     prometheus.Histogram
	tunnelDialFailures prometheus.Counter
}

// newPromMetrics registers on a private registry so several collectors can
// coexist in one process.
func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests that matched a route.",
		}, []string{"route"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_misses_total",
			Help:      "Requests answered with the diagnostic response.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Forwarded responses by route and status code.",
		}, []string{"route", "code"}),
		responseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_duration_seconds",
			Help:      "Time spent forwarding a request upstream.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		targetHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_healthy",
			Help:      "1 if the last health probe of the target succeeded.",
		}, []string{"target"}),
		tunnelActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "sessions_active",
			Help:      "Tunnel sessions currently copying.",
		}),
		tunnelSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "sessions_total",
			Help:      "Tunnel sessions established.",
		}),
		tunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "bytes_total",
			Help:      "Bytes spliced by direction.",
		}, []string{"direction"}),
		tunnelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "session_duration_seconds",
			Help:      "Lifetime of tunnel sessions.",
			Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 1800},
		}),
		tunnelDialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "dial_failures_total",
			Help:      "Upstream connects that failed.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.misses,
		m.responses,
		m.responseDuration,
		m.targetHealthy,
		m.tunnelActive,
		m.tunnelSessions,
		m.tunnelBytes,
		m.tunnelDuration,
		m.tunnelDialFailures,
	)

	return m
}

func (m *promMetrics) observeResponse(route string, statusCode int, d time.Duration) {
	m.responses.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	m.responseDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *promMetrics) setHealth(target string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.targetHealthy.WithLabelValues(target).Set(v)
}

func (m *promMetrics) tunnelOpened() {
	m.tunnelActive.Inc()
	m.tunnelSessions.Inc()
}

func (m *promMetrics) tunnelClosed(sent, received int64, d time.Duration) {
	m.tunnelActive.Dec()
	m.tunnelBytes.WithLabelValues("sent").Add(float64(sent))
	m.tunnelBytes.WithLabelValues("received").Add(float64(received))
	m.tunnelDuration.Observe(d.Seconds())
}
