// Package api serves the dispatch controller over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zen-systems/flowdispatch/pkg/dispatch"
	"github.com/zen-systems/flowdispatch/pkg/history"
	"github.com/zen-systems/flowdispatch/pkg/registry"
	"github.com/zen-systems/flowdispatch/pkg/router"
)

// maxRequestBodySize limits request bodies to 1MB.
const maxRequestBodySize = 1 << 20

// Controller is the part of dispatch.Controller the API serves.
type Controller interface {
	Run(ctx context.Context, task string) (*dispatch.Result, error)
	Recommend(task string) (router.Recommendation, error)
	Executors() []registry.Profile
	GetHistoryStats() history.Stats
	GetPerformance() map[string]history.PerformanceCounter
}

// TaskRequest is the body of dispatch and recommend calls.
type TaskRequest struct {
	Task string `json:"task"`
}

// Server exposes a Controller.
type Server struct {
	ctrl    Controller
	gather  prometheus.Gatherer
	logger  zerolog.Logger
	handler http.Handler
	http    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gather = g }
}

// NewServer builds the routes for ctrl listening on addr.
func NewServer(addr string, ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/dispatch", s.handleDispatch)
	mux.HandleFunc("POST /api/v1/recommend", s.handleRecommend)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/performance", s.handlePerformance)
	mux.HandleFunc("GET /api/v1/executors", s.handleExecutors)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gather != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
	s.handler = s.logRequests(mux)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server starting")
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.ctrl.Run(r.Context(), req.Task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.ctrl.Recommend(req.Task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.GetHistoryStats())
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.GetPerformance())
}

func (s *Server) handleExecutors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Executors())
}

func decodeTask(r *http.Request) (TaskRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		return TaskRequest{}, fmt.Errorf("read body: %w", ErrInvalidInput)
	}
	if len(body) > maxRequestBodySize {
		return TaskRequest{}, fmt.Errorf("request body too large (max %d bytes): %w", maxRequestBodySize, ErrInvalidInput)
	}
	var req TaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return TaskRequest{}, fmt.Errorf("invalid JSON: %w", ErrInvalidInput)
	}
	return req, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
