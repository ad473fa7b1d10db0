package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/dispatcher"
	"github.com/JakeFAU/render-crawler/internal/frontier"
	"github.com/JakeFAU/render-crawler/internal/metrics"
	"github.com/JakeFAU/render-crawler/internal/session"
)

const (
	maxSubmitURLs  = 1000
	submitTimeout  = 5 * time.Second
	requestTimeout = 60 * time.Second
)

// Crawl is the part of the dispatcher the API drives.
type Crawl interface {
	Submit(ctx context.Context, rawURL string, priority int) (bool, error)
	Snapshot() dispatcher.Snapshot
}

// Options configures a Server.
type Options struct {
	// APIKey, when set, is required on every /v1 request as X-API-Key.
	APIKey string
	Logger *zap.Logger
}

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router chi.Router
	crawl  Crawl
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(crawl Crawl, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{crawl: crawl, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/frontier", s.frontierStats)
		r.Get("/hosts", s.hosts)
		r.Post("/urls", s.submitURLs)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while the dispatcher loop is running.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.crawl.Snapshot().Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type frontierResponse struct {
	RunID     string         `json:"run_id"`
	Running   bool           `json:"running"`
	InFlight  int            `json:"in_flight"`
	Frontier  frontier.Stats `json:"frontier"`
	Sessions  session.Stats  `json:"sessions"`
	Hosts     int            `json:"hosts"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s *Server) frontierStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.crawl.Snapshot()
	writeJSON(w, http.StatusOK, frontierResponse{
		RunID:     snap.RunID,
		Running:   snap.Running,
		InFlight:  snap.InFlight,
		Frontier:  snap.Frontier,
		Sessions:  snap.Sessions,
		UpdatedAt: snap.UpdatedAt,
		Hosts:     len(snap.Hosts),
	})
}

func (s *Server) hosts(w http.ResponseWriter, _ *http.Request) {
	hosts := s.crawl.Snapshot().Hosts
	if hosts == nil {
		hosts = []crawler.HostState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

type submitRequest struct {
	URLs     []string `json:"urls"`
	Priority int      `json:"priority"`
}

type submitResult struct {
	URL   string `json:"url"`
	Added bool   `json:"added"`
	Error string `json:"error,omitempty"`
}

func (s *Server) submitURLs(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > maxSubmitURLs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per request", maxSubmitURLs))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	results := make([]submitResult, 0, len(req.URLs))
	added := 0
	for _, raw := range req.URLs {
		ok, err := s.crawl.Submit(ctx, raw, req.Priority)
		switch {
		case errors.Is(err, dispatcher.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, "crawl is not running")
			return
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, "crawl did not accept urls in time")
			return
		case err != nil:
			results = append(results, submitResult{URL: raw, Error: err.Error()})
		default:
			if ok {
				added++
			}
			results = append(results, submitResult{URL: raw, Added: ok})
		}
	}
	s.logger.Info("urls submitted", zap.Int("received", len(req.URLs)), zap.Int("added", added))
	writeJSON(w, http.StatusAccepted, map[string]any{"added": added, "results": results})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
