// Package health implements the thin HTTP surface of spec.md §6: /health
// for liveness/readiness and /metrics for scraping. It follows
// drivers/pkg/faulttolerance/health_monitor.go's StartHTTPServer shape —
// raw net/http.ServeMux, a background goroutine, graceful Shutdown on
// cancellation — narrowed to the two routes spec.md actually calls for (the
// teacher's richer /health/ready and /health/live split is not part of the
// contract here).
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arclight-data/candle-ingest/internal/breaker"
	"github.com/arclight-data/candle-ingest/internal/metrics"
)

// Checker reports the three facts /health needs: whether the Supervisor
// considers itself running, whether the Writer has ever succeeded, and the
// breaker's current state.
type Checker interface {
	Running() bool
	EverSucceeded() bool
	BreakerState() breaker.State
}

type Server struct {
	httpServer *http.Server
	log        *logrus.Entry
}

// New builds the HTTP server on port, ready to ListenAndServe. checker
// answers /health; sink backs /metrics via promhttp against the Sink's own
// registry (not prometheus's global one, per spec.md §9).
func New(port int, checker Checker, sink *metrics.Sink, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	entry := log.WithField("component", "health")

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthy := checker.Running() && (checker.EverSucceeded() || checker.BreakerState() != breaker.Open)

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"healthy":        healthy,
			"breaker_state":  checker.BreakerState().String(),
			"ever_succeeded": checker.EverSucceeded(),
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
		log:        entry,
	}
}

// Start runs ListenAndServe in a goroutine and returns immediately.
func (s *Server) Start() {
	go func() {
		s.log.Infof("health server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("health server error")
		}
	}()
}

// Shutdown gracefully stops the HTTP server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
