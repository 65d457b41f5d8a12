package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthStatus is the body returned by GET /health (spec.md §4.I).
type HealthStatus struct {
	Status        string `json:"status"`
	Provider      string `json:"provider"`
	Authenticated bool   `json:"authenticated"`
	Model         string `json:"model"`
	QueueDepth    int64  `json:"queue_depth"`
}

// HealthProvider supplies the live values a worker's /health endpoint
// reports. Workers implement this over their provider healthcheck and
// queue depth; when none is wired, Server reports a bare "ok" status.
type HealthProvider interface {
	Health(ctx context.Context) HealthStatus
}

// Server exposes /health and /metrics on a dedicated port, mirroring the
// teacher's metrics.Server: NewServer(port, logger), StartAsync(),
// Stop(ctx).
type Server struct {
	server *http.Server
	log    logrus.FieldLogger
	health HealthProvider
}

// NewServer builds a Server bound to ":"+port. It does not start listening
// until StartAsync is called.
func NewServer(port string, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{log: log}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}))
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{Addr: ":" + port, Handler: r}
	return s
}

// SetHealthProvider wires a worker-specific health source. Unset, /health
// reports a static "ok" status with no provider information.
func (s *Server) SetHealthProvider(hp HealthProvider) {
	s.health = hp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "ok"}
	if s.health != nil {
		status = s.health.Health(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.WithError(err).Error("failed to encode health status")
	}
}

// StartAsync begins serving in a background goroutine. Bind failures are
// logged, not returned, matching the teacher's fire-and-forget shape.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
