package main

import (
	"net/http"

	"github.com/angeloszaimis/upstream-pool/internal/connpool"
	"github.com/angeloszaimis/upstream-pool/internal/health"
	"github.com/angeloszaimis/upstream-pool/internal/metrics"
)

// newAdminMux serves the operational endpoints on the admin listener.
func newAdminMux(metricsCollector *metrics.Collector, pool *connpool.Manager, registry *health.Registry, strategy string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /metrics", metricsCollector.Handler(strategy))
	mux.HandleFunc("GET /pools", pool.Handler())
	mux.HandleFunc("GET /backends", registry.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
