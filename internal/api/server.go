// Package api exposes the HTTP interface for the downloader service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/metrics"
	"github.com/JakeFAU/s2-downloader/internal/pager"
	"github.com/JakeFAU/s2-downloader/internal/requeue"
)

// Pinger reports backing-store health for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP surface.
type Config struct {
	// PagerBudget is the wall-clock budget handed to each search invocation.
	PagerBudget time.Duration
	// RequestTimeout caps any single request.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the pager, the requeue sweeper and the
// notification endpoint.
type Server struct {
	router  chi.Router
	pager   *pager.Pager
	sweeper *requeue.Sweeper
	pinger  Pinger
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. events is mounted
// at POST /events and carries its own authentication; pinger may be nil.
func NewServer(
	p *pager.Pager,
	sweeper *requeue.Sweeper,
	events http.Handler,
	pinger Pinger,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.PagerBudget <= 0 {
		cfg.PagerBudget = 14 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = cfg.PagerBudget + time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pager:   p,
		sweeper: sweeper,
		pinger:  pinger,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Method(http.MethodPost, "/events", events)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/search", s.runSearch)
		r.Post("/requeue", s.runRequeue)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("readiness ping failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchRequest struct {
	Date     string `json:"date"`
	Platform string `json:"platform"`
}

// runSearch handles POST /v1/search. The orchestrator invokes it once per
// (date, platform) unit and re-invokes while completed stays false.
func (s *Server) runSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Platform == "" {
		writeError(w, http.StatusBadRequest, "missing platform")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
		return
	}

	deadline := time.Now().Add(s.cfg.PagerBudget)
	result, err := s.pager.Run(r.Context(), date, req.Platform, deadline)
	if err != nil {
		s.logger.Error("search run failed",
			zap.String("date", req.Date),
			zap.String("platform", req.Platform),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type requeueRequest struct {
	Date   string `json:"date"`
	DryRun bool   `json:"dry_run"`
}

// runRequeue handles POST /v1/requeue, the recovery path for granules whose
// download message was lost.
func (s *Server) runRequeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
		return
	}

	report, err := s.sweeper.Run(r.Context(), date, req.DryRun)
	if err != nil {
		s.logger.Error("requeue sweep failed", zap.String("date", req.Date), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
