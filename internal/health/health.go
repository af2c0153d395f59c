// Package health serves each process's JSON health endpoint and its
// prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Status is the payload of the /health endpoint.
type Status struct {
	Service   string            `json:"service"`
	Healthy   bool              `json:"healthy"`
	StartedAt time.Time         `json:"started_at"`
	UptimeSec int64             `json:"uptime_seconds"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Server owns the HTTP listener shared by /health and /metrics.
type Server struct {
	service   string
	registry  *prometheus.Registry
	logger    *zap.Logger
	startedAt time.Time

	mu     sync.RWMutex
	checks map[string]string
	srv    *http.Server
}

// NewServer builds a Server. The registry is also the Registerer handed
// to the components that publish metrics.
func NewServer(service string, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service:   service,
		registry:  registry,
		logger:    logger,
		startedAt: time.Now().UTC(),
		checks:    make(map[string]string),
	}
}

// SetCheck records a named subsystem status shown under /health.
func (s *Server) SetCheck(name, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	checks := make(map[string]string, len(s.checks))
	healthy := true
	for name, status := range s.checks {
		checks[name] = status
		if status != "ok" {
			healthy = false
		}
	}
	s.mu.RUnlock()

	status := Status{
		Service:   s.service,
		Healthy:   healthy,
		StartedAt: s.startedAt,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		Checks:    checks,
	}
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("failed to write health response", zap.Error(err))
	}
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health server listening",
			zap.String("service", s.service),
			zap.Int("port", port))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
