// Package server exposes the optimizer over REST, a websocket event stream
// and a gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/decision"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/forecast"
	"github.com/kubilitics/kubilitics-optimizer/internal/events"
	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/middleware"
	"github.com/kubilitics/kubilitics-optimizer/internal/workflow"
)

// Options configures the HTTP listener.
type Options struct {
	Host     string
	HTTPPort int
	// RateLimitPerMinute bounds write requests per client; zero disables it.
	RateLimitPerMinute int
}

// Deps are the components the facade serves. Store is required; a nil
// analytics component disables its routes.
type Deps struct {
	Store       gateway.Store
	Coordinator *anomaly.Coordinator
	Forecaster  *forecast.Forecaster
	Ranker      *decision.Ranker
	Engine      *workflow.Engine
	Scheduler   *workflow.Scheduler
	Bus         *events.Bus
	// Hub streams events on /ws/events when set.
	Hub    http.Handler
	Logger *zap.Logger
}

// Server is the REST facade.
type Server struct {
	opts    Options
	deps    Deps
	logger  *zap.Logger
	limiter *middleware.RateLimiter
	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
}

// New builds the server and its routes.
func New(opts Options, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: store is required")
	}
	s := &Server{
		opts:   opts,
		deps:   deps,
		logger: logging.OrNop(deps.Logger).Named("server"),
	}
	if opts.RateLimitPerMinute > 0 {
		s.limiter = middleware.NewRateLimiter(opts.RateLimitPerMinute)
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = middleware.Chain(mux, middleware.AccessLog(deps.Logger), middleware.Recover(deps.Logger))
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.deps.Hub != nil {
		mux.Handle("GET /ws/events", s.deps.Hub)
	}
	if s.deps.Bus != nil {
		mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	}

	mux.Handle("POST /api/v1/samples", s.limited(s.handleIngestSamples))

	if s.deps.Coordinator != nil {
		mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
		mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
		mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleResolveAlert)
		mux.Handle("POST /api/v1/anomalies/detect", s.limited(s.handleDetect))
		mux.HandleFunc("GET /api/v1/models", s.handleListModels)
		mux.HandleFunc("POST /api/v1/models", s.handleRegisterModel)
		mux.HandleFunc("POST /api/v1/models/{id}/train", s.handleTrainModel)
	}
	if s.deps.Forecaster != nil {
		mux.Handle("POST /api/v1/forecasts", s.limited(s.handleForecast))
	}
	if s.deps.Ranker != nil {
		mux.HandleFunc("POST /api/v1/rankings", s.handleRank)
	}
	if s.deps.Engine != nil {
		mux.HandleFunc("GET /api/v1/workflows", s.handleListWorkflows)
		mux.HandleFunc("POST /api/v1/workflows", s.handleRegisterWorkflow)
		mux.HandleFunc("GET /api/v1/workflows/{id}", s.handleGetWorkflow)
		mux.Handle("POST /api/v1/workflows/{id}/execute", s.limited(s.handleExecuteWorkflow))
		mux.HandleFunc("POST /api/v1/workflows/{id}/pause", s.handlePauseWorkflow)
		mux.HandleFunc("POST /api/v1/workflows/{id}/resume", s.handleResumeWorkflow)
		mux.HandleFunc("GET /api/v1/workflows/{id}/executions", s.handleWorkflowExecutions)
		mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
		mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.handleApprove)
		mux.HandleFunc("POST /api/v1/approvals/{id}/reject", s.handleReject)
	}
	if s.deps.Scheduler != nil {
		mux.HandleFunc("GET /api/v1/schedules", s.handleSchedules)
	}
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Limit(h)
}

// Start listens in the background. Listen errors are returned directly;
// serve errors are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server is already running")
	}

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.HTTPPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.httpServer
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	s.logger.Info("HTTP server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	recent := s.deps.Bus.Recent(limit)
	out := make([]events.Envelope, len(recent))
	for i, e := range recent {
		out[i] = events.Wrap(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.deps.Scheduler.Entries()})
}
