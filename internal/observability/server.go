package observability

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalbodeule/rshare/internal/logging"
)

// ServeMetrics serves Prometheus metrics and simple health endpoints.
// The ready func is consulted by /readyz; it should report false until the
// listeners are up and flip back to false during shutdown.
func ServeMetrics(addr string, ready func() bool, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready == nil || !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server exited", logging.Fields{
			"error": err.Error(),
			"addr":  addr,
		})
	}
}
