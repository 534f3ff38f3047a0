package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc produces the session-status payload served at GET /status.
type StatusFunc func() any

// NewServer builds the admin HTTP handler: Prometheus text exposition at
// /metrics, a JSON status snapshot at /status.
func NewServer(gatherer prometheus.Gatherer, status StatusFunc) http.Handler {
	r := chi.NewRouter()

	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	})

	return r
}
