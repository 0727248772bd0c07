// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lms-notifier/digest"
	"lms-notifier/pkg/notifier"
)

// Registry interface for subscription management.
type Registry interface {
	Subscribe(ctx context.Context, identity string, rk notifier.ResourceKey, data notifier.PublisherData) (*notifier.Subscriber, error)
	Unsubscribe(ctx context.Context, identity string, rk notifier.ResourceKey) error
	MarkPublisherNews(ctx context.Context, rk notifier.ResourceKey, ignoreNewsFor string) (bool, error)
	DeletePublishersOf(ctx context.Context, resourceName string, resourceID int64) (int64, error)
	InvalidatePublishers(ctx context.Context, resourceName string, resourceID int64) (int64, error)
	SubscriptionsOf(ctx context.Context, identity string) ([]*notifier.Subscriber, error)
}

// Identities interface for identity persistence.
type Identities interface {
	SaveIdentity(ctx context.Context, id *notifier.Identity) error
	Identity(ctx context.Context, name string) (*notifier.Identity, error)
	SetInterval(ctx context.Context, name, interval string) error
	Ping(ctx context.Context) error
}

// Intervals interface for validating interval preferences.
type Intervals interface {
	IsEnabled(name string) bool
	Enabled() []string
}

// Runner interface for triggering digest runs.
type Runner interface {
	Run(ctx context.Context) (*notifier.RunReport, error)
}

// Reports interface for reading archived run reports.
type Reports interface {
	List(ctx context.Context, limit int) ([]*notifier.RunReport, error)
	Load(ctx context.Context, id string) (*notifier.RunReport, error)
}

// Recorder interface for request metrics.
type Recorder interface {
	HTTPRequest(route string, code int)
	RateLimit()
}

// Server handles HTTP requests.
type Server struct {
	registry   Registry
	identities Identities
	intervals  Intervals
	runner     Runner
	reports    Reports
	recorder   Recorder
	metrics    http.Handler
	limiter    *ipLimiter
	logger     *slog.Logger
}

// Config holds server configuration. Reports, Recorder and Metrics are optional.
type Config struct {
	Registry   Registry
	Identities Identities
	Intervals  Intervals
	Runner     Runner
	Reports    Reports
	Recorder   Recorder
	Metrics    http.Handler
	Logger     *slog.Logger
	RateLimit  float64 // requests per second per client IP, 0 disables limiting
	RateBurst  int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		registry:   cfg.Registry,
		identities: cfg.Identities,
		intervals:  cfg.Intervals,
		runner:     cfg.Runner,
		reports:    cfg.Reports,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		limiter:    newIPLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:     cfg.Logger,
	}
}

// Close releases the rate limiter state.
func (s *Server) Close() {
	s.limiter.stop()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	s.route(mux, "POST /digestz", s.handleDigest)
	s.route(mux, "GET /reports", s.handleReports)
	s.route(mux, "GET /reports/{id}", s.handleReport)
	s.route(mux, "POST /subscribe", s.handleSubscribe)
	s.route(mux, "POST /unsubscribe", s.handleUnsubscribe)
	s.route(mux, "POST /news", s.handleNews)
	s.route(mux, "DELETE /publishers", s.handleDeletePublishers)
	s.route(mux, "POST /publishers/invalidate", s.handleInvalidatePublishers)
	s.route(mux, "PUT /identities/{name}", s.handlePutIdentity)
	s.route(mux, "PUT /identities/{name}/interval", s.handlePutInterval)
	s.route(mux, "GET /identities/{name}/subscriptions", s.handleSubscriptions)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // digest runs are served synchronously
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// route wraps a handler with per-IP rate limiting and request metrics.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "route", pattern)
			if s.recorder != nil {
				s.recorder.RateLimit()
			}
			writeError(sw, http.StatusTooManyRequests, "too many requests, please try again later")
		} else {
			h(sw, r)
		}
		if s.recorder != nil {
			s.recorder.HTTPRequest(pattern, sw.code)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.identities.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Digest endpoint triggered")

	report, err := s.runner.Run(r.Context())
	if errors.Is(err, digest.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "digest run already in progress")
		return
	}
	if err != nil {
		s.logger.Error("Digest run failed", "error", err)
		if report != nil {
			writeJSON(w, http.StatusInternalServerError, report)
			return
		}
		writeError(w, http.StatusInternalServerError, "digest run failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, "reports are not archived")
		return
	}
	reports, err := s.reports.List(r.Context(), 20)
	if err != nil {
		s.logger.Error("Failed to list reports", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, "reports are not archived")
		return
	}
	report, err := s.reports.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, notifier.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load report", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
