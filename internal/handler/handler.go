package handler

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/angeloszaimis/pathproxy/internal/httpserver"
	"github.com/angeloszaimis/pathproxy/internal/metrics"
	"github.com/angeloszaimis/pathproxy/internal/routing"
	"github.com/angeloszaimis/pathproxy/internal/strategy"
)

// ProxyHandler resolves each request path against the routing table and
// either forwards it or answers with a diagnostic dump of the request.
type ProxyHandler struct {
	logger           *slog.Logger
	table            *routing.Table
	strategy         strategy.Strategy
	metricsCollector *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientAddr := httpserver.ClientAddr(r)
	recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.Error("Recovered from panic in request handler",
				slog.String("client", clientAddr),
				slog.String("path", r.URL.Path),
				slog.Any("panic", rec))
			if !recorder.wroteHeader {
				recorder.WriteHeader(http.StatusInternalServerError)
			}
		}
	}()

	h.logger.Info("Received request",
		slog.String("from", clientAddr),
		slog.String("forwarded_for", forwardedFor(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host),
		slog.String("user_agent", r.UserAgent()))

	route, ok := h.table.Lookup(r.URL.Path)
	if !ok {
		h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventRouteMiss})
		h.debugRequest(recorder, r)
		return
	}

	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:   metrics.EventRequestReceived,
		Route:  route.Path,
		Target: route.Target.String(),
	})

	h.logger.Debug("Forwarding request",
		slog.String("client", clientAddr),
		slog.String("route", route.Path),
		slog.String("target", route.Target.String()),
		slog.String("strategy", h.strategy.Name()))

	start := time.Now()
	h.strategy.Forward(recorder, r, route)

	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Route:      route.Path,
		Target:     route.Target.String(),
		Duration:   time.Since(start),
		StatusCode: recorder.statusCode,
	})
}

// debugRequest answers an unmatched request with a textual rendering of it.
func (h *ProxyHandler) debugRequest(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Target path did not match", slog.String("path", r.URL.Path))

	dump, err := httputil.DumpRequest(r, false)
	if err != nil {
		dump = []byte(r.Method + " " + r.RequestURI + " " + r.Proto + "\r\n")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(dump)
}

func forwardedFor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	return httpserver.ClientIP(r)
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.statusCode = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps streamed upstream responses flowing through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func NewProxyHandler(logger *slog.Logger, table *routing.Table, strat strategy.Strategy, collector *metrics.Collector) *ProxyHandler {
	return &ProxyHandler{
		logger:           logger,
		table:            table,
		strategy:         strat,
		metricsCollector: collector,
	}
}
