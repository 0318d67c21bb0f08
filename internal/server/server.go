// Package server exposes the read API (trends, topics, search) and the
// admin API (sources, plugin health, pipeline control) over chi.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"trendlens/internal/cache"
	"trendlens/internal/collector"
	"trendlens/internal/config"
	"trendlens/internal/logger"
	"trendlens/internal/orchestrator"
	"trendlens/internal/persistence"
	"trendlens/internal/search"
)

// Server is the HTTP facade over the trend services.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	db         persistence.Database
	cache      cache.Cache
	search     *search.Service
	orch       *orchestrator.Orchestrator
	registry   *collector.Registry
	health     *collector.HealthTracker
	ttl        config.TTLBlock
	config     config.Server
	log        *slog.Logger
}

func New(db persistence.Database, c cache.Cache, searchSvc *search.Service, orch *orchestrator.Orchestrator, registry *collector.Registry, health *collector.HealthTracker, cfg config.Server, ttl config.TTLBlock) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		db:       db,
		cache:    c,
		search:   searchSvc,
		orch:     orch,
		registry: registry,
		health:   health,
		ttl:      ttl,
		config:   cfg,
		log:      logger.Get(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/trends", func(r chi.Router) {
			r.Get("/", s.handleListTrends)
			r.Get("/{id}", s.handleGetTrend)
			r.Get("/{id}/similar", s.handleSimilarTrends)
		})

		r.Route("/topics", func(r chi.Router) {
			r.Get("/", s.handleListTopics)
			r.Get("/{id}", s.handleGetTopic)
			r.Get("/{id}/items", s.handleTopicItems)
		})

		r.Post("/search", s.handleSearch)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)

		r.Route("/admin", func(r chi.Router) {
			r.Route("/sources", func(r chi.Router) {
				r.Get("/", s.handleListSources)
				r.Post("/", s.handleCreateSource)
				r.Get("/{name}", s.handleGetSource)
				r.Put("/{name}", s.handleUpdateSource)
				r.Delete("/{name}", s.handleDeleteSource)
				r.Post("/{name}/enable", s.handleEnableSource)
				r.Post("/{name}/disable", s.handleDisableSource)
				r.Post("/{name}/test", s.handleTestSource)
				r.Post("/{name}/run", s.handleRunSource)
			})

			r.Get("/plugins", s.handlePluginStatus)
			r.Post("/plugins/{name}/reset", s.handleResetPluginHealth)

			r.Post("/pipeline/run", s.handleRunPipeline)
			r.Get("/cache/stats", s.handleCacheStats)
			r.Delete("/cache", s.handleClearCache)
		})
	})
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := http.StatusOK

	if err := s.db.Ping(r.Context()); err != nil {
		checks["database"] = "error"
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if err := s.cache.Ping(r.Context()); err != nil {
		checks["cache"] = "error"
		status = http.StatusServiceUnavailable
	} else {
		checks["cache"] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	s.respondJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// cacheTTL parses a configured TTL string, falling back when unset or
// malformed.
func cacheTTL(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
