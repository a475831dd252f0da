package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/observability"
	"github.com/couchcryptid/wildflower-sightings/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dashboard is the read and reload surface the API serves.
// It is implemented by *pipeline.Dashboard.
type Dashboard interface {
	sharedobs.ReadinessChecker
	Load(ctx context.Context) error
	Sightings(f domain.Filter) []domain.Sighting
	Statistics(f domain.Filter) domain.Statistics
	Sources() []string
	Status() pipeline.Status
	DismissNotice()
}

// Server exposes the sighting API plus health, readiness, and metrics
// endpoints.
type Server struct {
	httpServer *http.Server
	dashboard  Dashboard
	dates      domain.Dates
	logs       *observability.RingBuffer
	logger     *slog.Logger

	// reloads started by the API run under ctx and stop on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// reloading is set while an API-started background reload runs.
	reloading atomic.Bool
}

// NewServer creates an HTTP server for dashboard. logs may be nil, which
// disables the log endpoints.
func NewServer(addr string, dashboard Dashboard, logs *observability.RingBuffer, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		dashboard: dashboard,
		dates:     domain.NewDates(logger),
		logs:      logs,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(dashboard))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/sightings", s.handleSightings)
	mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	mux.HandleFunc("GET /api/sources", s.handleSources)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/reload", s.handleReload)
	mux.HandleFunc("DELETE /api/notice", s.handleDismissNotice)
	mux.HandleFunc("GET /api/share", s.handleShare)
	mux.HandleFunc("GET /api/share/qr.png", s.handleShareQR)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("DELETE /api/logs", s.handleClearLogs)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline
// and cancels reloads started through the API.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
