// Package api provides the REST surface for queries, administration and
// live-tail subscription management.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/solhall/logsift/internal/analyzer"
	"github.com/solhall/logsift/internal/auth"
	"github.com/solhall/logsift/internal/facet"
	"github.com/solhall/logsift/internal/livetail"
	"github.com/solhall/logsift/internal/receiver"
	"github.com/solhall/logsift/internal/storage"
)

// Server is the HTTP server carrying both the ingest endpoint and the
// query/admin API.
type Server struct {
	store         storage.Storage
	facets        *facet.Cache
	fields        *analyzer.Analyzer
	matcher       *livetail.Matcher
	authenticator *auth.Authenticator
	staleAfter    time.Duration
	logger        *slog.Logger

	router *chi.Mux
	server *http.Server
}

// Config collects the server dependencies.
type Config struct {
	Addr          string
	Store         storage.Storage
	Facets        *facet.Cache
	Fields        *analyzer.Analyzer
	Matcher       *livetail.Matcher
	Authenticator *auth.Authenticator
	Ingest        *receiver.Receiver
	StaleAfter    time.Duration
	Logger        *slog.Logger
}

// PaginationParams contains pagination parameters from the query string.
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps a paginated response with metadata.
type PaginatedResponse struct {
	Data    any  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// parsePaginationParams extracts pagination parameters from a request.
// Defaults: limit=100, offset=0, max_limit=1000
func parsePaginationParams(r *http.Request) PaginationParams {
	const (
		defaultLimit = 100
		maxLimit     = 1000
	)

	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return PaginationParams{Limit: limit, Offset: offset}
}

// NewServer creates the HTTP server and mounts all routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:         cfg.Store,
		facets:        cfg.Facets,
		fields:        cfg.Fields,
		matcher:       cfg.Matcher,
		authenticator: cfg.Authenticator,
		staleAfter:    cfg.StaleAfter,
		logger:        cfg.Logger.With("component", "api"),
		router:        chi.NewRouter(),
	}

	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/ingest", cfg.Ingest.ServeHTTP)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/entries", s.handleEntries)
		r.Get("/facets", s.handleFacets)

		r.Get("/fields", s.handleListFields)
		r.Get("/fields/recommendations", s.handleRecommendations)
		r.Post("/fields/promote", s.handlePromote)

		r.Get("/queue/stale", s.handleStaleUnparsed)

		r.Get("/tail/subscriptions", s.handleListSubscriptions)
		r.Post("/tail/subscriptions", s.handleRegisterSubscription)
		r.Delete("/tail/subscriptions/{key}", s.handleUnregisterSubscription)
		r.Post("/tail/subscriptions/{key}/heartbeat", s.handleHeartbeat)

		r.Get("/tokens", s.handleListTokens)
		r.Post("/tokens", s.handleCreateToken)
		r.Delete("/tokens/{id}", s.handleRevokeToken)
	})

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
