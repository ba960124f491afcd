// Package http provides the REST API, WebSocket feed, health checks and metrics.
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/db"
	"github.com/saltfish/trainstream/internal/db/repository"
	"github.com/saltfish/trainstream/internal/scheduler"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Server serves the API over HTTP.
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	handler  *Handler
	hub      *Hub
	registry *scheduler.Registry
	database db.Querier
	logger   *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(
	address string,
	registry *scheduler.Registry,
	hub *Hub,
	logger *zap.Logger,
) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		handler:  NewHandler(registry, logger),
		hub:      hub,
		registry: registry,
		logger:   logger,
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/live", s.handleLiveness)
	s.mux.HandleFunc("/health/ready", s.handleReadiness)
	s.mux.HandleFunc("/ws", s.handleWS)

	s.mux.HandleFunc("/api/v1/runs", s.handler.HandleRuns)
	s.mux.HandleFunc("/api/v1/runs/", s.handler.HandleRunByID)
	s.mux.HandleFunc("/api/v1/surfaces", s.handler.HandleListSurfaces)
	s.mux.HandleFunc("/api/v1/schedules", s.handler.HandleListSchedules)

	s.server = &http.Server{
		Addr:         address,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetHistory enables the run history endpoints and the database health check.
func (s *Server) SetHistory(runs repository.RunRepository, database db.Querier) {
	s.handler.SetRunRepository(runs)
	s.database = database
}

// SetScheduleLister enables the schedules endpoint.
func (s *Server) SetScheduleLister(l ScheduleLister) {
	s.handler.SetScheduleLister(l)
}

// SetMetrics exposes Prometheus metrics gathered from g on path.
func (s *Server) SetMetrics(path string, g prometheus.Gatherer) {
	s.mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("address", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, s.logger, s.handler.currentSnapshots()...)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// handleHealth handles the /health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:   "healthy",
		Version:  Version,
		Services: make(map[string]string),
	}

	if s.database != nil {
		if err := db.HealthCheck(r.Context(), s.database); err != nil {
			response.Services["postgres"] = "unhealthy: " + err.Error()
			response.Status = "unhealthy"
		} else {
			response.Services["postgres"] = "healthy"
		}
	} else {
		response.Services["postgres"] = "not configured"
	}

	active := 0
	for _, session := range s.registry.Sessions() {
		if _, ok := session.Active(); ok {
			active++
		}
	}
	response.Services["sessions"] = "healthy"
	response.Services["active_runs"] = strconv.Itoa(active)
	response.Services["websocket_clients"] = strconv.Itoa(s.hub.ClientCount())

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// handleLiveness handles the /health/live endpoint (Kubernetes liveness probe).
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness handles the /health/ready endpoint (Kubernetes readiness probe).
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.database != nil {
		if err := db.HealthCheck(r.Context(), s.database); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "database unavailable: " + err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
