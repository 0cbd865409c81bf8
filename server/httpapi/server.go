// Package httpapi exposes read-only diagnostics over HTTP: pool metric
// snapshots, replica health, circuit breaker states, and the Prometheus
// scrape endpoint. It carries no business routing; callers of the
// arbitration layer bring their own HTTP surface.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratosure/dbarbiter/logger"
	"github.com/stratosure/dbarbiter/pkg/arbiter"
	"github.com/stratosure/dbarbiter/pkg/driver"
)

// Server is the diagnostics HTTP server.
type Server struct {
	addr    string
	apiKey  string
	arbiter *arbiter.Arbiter
	server  *http.Server
}

type Options struct {
	Addr   string
	APIKey string
}

func New(arb *arbiter.Arbiter, opts Options) (*Server, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the diagnostics server")
	}

	s := &Server{
		addr:    opts.Addr,
		apiKey:  opts.APIKey,
		arbiter: arb,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/metrics/pool/{type}", s.handlePoolMetrics).Methods("GET")
	api.HandleFunc("/replicas", s.handleReplicas).Methods("GET")
	api.HandleFunc("/breakers", s.handleBreakers).Methods("GET")

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s, nil
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics API listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	replicas := s.arbiter.ReplicaHealth()

	healthy := 0
	for _, h := range replicas {
		if h.Healthy {
			healthy++
		}
	}

	status := "healthy"
	if len(replicas) > 0 && healthy == 0 {
		status = "degraded" // reads fall back to the primary
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"replicas_total":   len(replicas),
		"replicas_healthy": healthy,
	})
}

func (s *Server) handlePoolMetrics(w http.ResponseWriter, r *http.Request) {
	poolType, ok := driver.ParsePoolType(mux.Vars(r)["type"])
	if !ok {
		http.Error(w, `{"error": "unknown pool type"}`, http.StatusBadRequest)
		return
	}

	snapshot, err := s.arbiter.Metrics(r.Context(), poolType)
	if err != nil {
		logger.Error("failed to assemble pool metrics", "pool", poolType, "error", err)
		http.Error(w, `{"error": "metrics unavailable"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleReplicas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.arbiter.ReplicaHealth())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.arbiter.BreakerSnapshots())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to encode response", "error", err)
	}
}
