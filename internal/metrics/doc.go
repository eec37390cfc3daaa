// Package metrics collects proxy and tunnel metrics off the request path.
//
// Handlers and the tunnel listener emit events into a buffered channel; a
// single goroutine aggregates them into:
//   - per-route request counts
//   - route misses (diagnostic responses)
//   - per-route response times with percentiles (P50, P95, P99)
//   - per-route HTTP status code distribution
//   - upstream target health
//   - tunnel sessions and spliced bytes
//
// Emit never blocks: when the buffer is full the event is dropped.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Route:      "/server1",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot("pooled")
//
// The same events also feed a private Prometheus registry served by
// PrometheusHandler. Remaining events are drained when the context passed to
// Start is cancelled.
package metrics
