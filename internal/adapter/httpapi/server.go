// Package httpapi exposes the service's HTTP surface: health, readiness,
// metrics, and the subscription control plane.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// SubscriptionManager is the control-plane view of the subscription router.
// Every operation returns the resulting subscription table.
type SubscriptionManager interface {
	Subscribe(topic, target string) map[string]string
	Unsubscribe(topic string) map[string]string
	Snapshot() map[string]string
}

// Server exposes health, readiness, metrics, and subscription routes.
type Server struct {
	httpServer *http.Server
	subs       SubscriptionManager
	logger     *slog.Logger
}

// NewServer creates the HTTP server with all routes registered.
func NewServer(addr string, ready ReadinessChecker, subs SubscriptionManager, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		subs:   subs,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	// Subscription control plane. GET verbs for parity with the original
	// curl-able API.
	mux.HandleFunc("GET /wis2/subscriptions/list", s.handleList)
	mux.HandleFunc("GET /wis2/subscriptions/add", s.handleAdd)
	mux.HandleFunc("GET /wis2/subscriptions/delete", s.handleDelete)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.subs.Snapshot())
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no topic passed"})
		return
	}
	target := r.URL.Query().Get("target")
	writeJSON(w, http.StatusOK, s.subs.Subscribe(topic, target))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no topic passed"})
		return
	}
	writeJSON(w, http.StatusOK, s.subs.Unsubscribe(topic))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
