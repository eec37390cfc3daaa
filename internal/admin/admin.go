package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/pathproxy/internal/backend"
	"github.com/angeloszaimis/pathproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/pathproxy/internal/metrics"
	"github.com/angeloszaimis/pathproxy/internal/routing"
)

const maxBodyBytes = 64 << 10

type Options struct {
	Table     *routing.Table
	Collector *metrics.Collector
	Strategy  string
	Backends  *backend.Registry
	Breakers  *circuitbreaker.Registry
	Logger    *slog.Logger
}

type API struct {
	opts Options
}

// RouteEntry is the wire form of one routing table entry.
type RouteEntry struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

func (e RouteEntry) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Path,
			validation.Required,
			validation.By(func(value interface{}) error {
				if p, _ := value.(string); p == "" || p[0] != '/' {
					return validation.NewError("validation_invalid_path", "path must start with /")
				}
				return nil
			}),
		),
		validation.Field(&e.Target,
			validation.Required,
			validation.By(validateTarget),
		),
	)
}

func validateTarget(value interface{}) error {
	raw, _ := value.(string)
	if _, err := routing.ParseTarget(raw); err != nil {
		return validation.NewError("validation_invalid_target", err.Error())
	}

	return nil
}

// TargetStatus combines backend state with its circuit breaker state.
type TargetStatus struct {
	backend.Status
	Breaker string `json:"breaker,omitempty"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields validation.Errors `json:"fields,omitempty"`
}

func New(opts Options) *API {
	return &API{opts: opts}
}

// Router returns the admin routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.healthz)

	r.Get("/routes", a.listRoutes)
	r.Put("/routes", a.putRoute)

	r.Get("/stats", a.opts.Collector.Handler(a.opts.Strategy))
	r.Method(http.MethodGet, "/metrics", a.opts.Collector.PrometheusHandler())
	r.Get("/targets", a.listTargets)

	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"routes": a.opts.Table.Len(),
	})
}

func (a *API) listRoutes(w http.ResponseWriter, r *http.Request) {
	snapshot := a.opts.Table.Snapshot()

	entries := make([]RouteEntry, 0, len(snapshot))
	for path, target := range snapshot {
		entries = append(entries, RouteEntry{Path: path, Target: target.String()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	writeJSON(w, http.StatusOK, entries)
}

func (a *API) putRoute(w http.ResponseWriter, r *http.Request) {
	var entry RouteEntry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}

	if err := entry.Validate(); err != nil {
		var fields validation.Errors
		if errors.As(err, &fields) {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "invalid route", Fields: fields})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	if err := a.opts.Table.UpsertRaw(entry.Path, entry.Target); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	a.opts.Logger.Info("Route updated",
		slog.String("path", entry.Path),
		slog.String("target", entry.Target))

	writeJSON(w, http.StatusOK, entry)
}

func (a *API) listTargets(w http.ResponseWriter, r *http.Request) {
	out := []TargetStatus{}
	if a.opts.Backends == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}

	var states map[string]circuitbreaker.State
	if a.opts.Breakers != nil {
		states = a.opts.Breakers.States()
	}

	for _, b := range a.opts.Backends.All() {
		status := TargetStatus{Status: b.Status()}
		if state, ok := states[status.URL]; ok {
			status.Breaker = state.String()
		}
		out = append(out, status)
	}

	writeJSON(w, http.StatusOK, out)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		a.opts.Logger.Debug("Admin request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
