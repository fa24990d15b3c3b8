package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angeloszaimis/router-lab/internal/metrics"
)

func setupRouter(collector *metrics.Collector, registry *prometheus.Registry, algorithm string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("GET /stats", collector.Handler(algorithm))

	return mux
}
