package main

import (
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/pathproxy/internal/admin"
	"github.com/angeloszaimis/pathproxy/internal/backend"
	"github.com/angeloszaimis/pathproxy/internal/circuitbreaker"
	"github.com/angeloszaimis/pathproxy/internal/metrics"
	"github.com/angeloszaimis/pathproxy/internal/routing"
)

func setupAdminRouter(
	log *slog.Logger,
	table *routing.Table,
	collector *metrics.Collector,
	strategy string,
	backends *backend.Registry,
	breakers *circuitbreaker.Registry,
) http.Handler {
	return admin.New(admin.Options{
		Table:     table,
		Collector: collector,
		Strategy:  strategy,
		Backends:  backends,
		Breakers:  breakers,
		Logger:    log,
	}).Router()
}
