package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/querycache/pkg/health"
)

// ServerConfig configures the HTTP endpoint
type ServerConfig struct {
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// DefaultServerConfig returns default server timeouts
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Server exposes the Prometheus registry and JSON snapshots of the watched
// components.
type Server struct {
	collector  *Collector
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(collector *Collector, config ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		collector: collector,
		logger:    logger.Named("http"),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)

	path := collector.config.Path
	if path == "" {
		path = "/metrics"
	}
	router.Get(path, s.handleMetrics)
	router.Get("/healthz", s.handleHealth)
	router.Route("/stats", func(r chi.Router) {
		r.Get("/cache", s.handleCache)
		r.Get("/balancer", s.handleBalancer)
		r.Get("/pool", s.handlePool)
		r.Get("/queues", s.handleQueues)
		r.Get("/manager", s.handleManager)
		r.Get("/queries", s.handleQueries)
	})
	s.router = router

	s.httpServer = &http.Server{
		Addr:              collector.config.Address,
		Handler:           router,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background and refreshes gauges every UpdateInterval
// until ctx ends. A disabled collector starts nothing.
func (s *Server) Start(ctx context.Context) error {
	if !s.collector.Enabled() {
		return nil
	}

	go func() {
		s.logger.Info("metrics server listening", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	if s.collector.config.UpdateInterval > 0 {
		go s.updateLoop(ctx)
	}
	return nil
}

// Shutdown stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(s.collector.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collector.Update()
		}
	}
}

// HTTP handlers

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.collector.Enabled() {
		s.respondError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.collector.Update()
	promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}).ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.collector.mu.RLock()
	balancer, tracker := s.collector.balancer, s.collector.health
	s.collector.mu.RUnlock()

	if tracker != nil {
		overall := tracker.Overall()
		code := http.StatusOK
		if overall == health.StateUnavailable {
			code = http.StatusServiceUnavailable
		}
		s.respondJSON(w, code, map[string]any{
			"status":     overall.String(),
			"components": tracker.Components(),
		})
		return
	}

	if balancer == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}

	stats := balancer.GetStats()
	available := 0
	for _, n := range stats.Nodes {
		if n.IsHealthy && n.IsActive && n.BreakerState != "OPEN" {
			available++
		}
	}

	code, state := http.StatusOK, "healthy"
	if available == 0 {
		code, state = http.StatusServiceUnavailable, "unavailable"
	}
	s.respondJSON(w, code, map[string]any{
		"status":          state,
		"available_nodes": available,
		"total_nodes":     len(stats.Nodes),
	})
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	s.collector.mu.RLock()
	cache := s.collector.cache
	s.collector.mu.RUnlock()

	if cache == nil {
		s.respondError(w, http.StatusNotFound, "no cache registered")
		return
	}
	s.respondJSON(w, http.StatusOK, cache.GetStats())
}

func (s *Server) handleBalancer(w http.ResponseWriter, _ *http.Request) {
	s.collector.mu.RLock()
	balancer := s.collector.balancer
	s.collector.mu.RUnlock()

	if balancer == nil {
		s.respondError(w, http.StatusNotFound, "no balancer registered")
		return
	}
	s.respondJSON(w, http.StatusOK, balancer.GetStats())
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	s.collector.mu.RLock()
	balancer := s.collector.balancer
	s.collector.mu.RUnlock()

	if balancer == nil {
		s.respondError(w, http.StatusNotFound, "no balancer registered")
		return
	}
	s.respondJSON(w, http.StatusOK, balancer.GetPoolStats())
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	s.collector.mu.RLock()
	balancer := s.collector.balancer
	s.collector.mu.RUnlock()

	if balancer == nil {
		s.respondError(w, http.StatusNotFound, "no balancer registered")
		return
	}
	queues := balancer.GetQueueSizes()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"queues": queues,
		"total":  queues.Total(),
	})
}

func (s *Server) handleManager(w http.ResponseWriter, _ *http.Request) {
	s.collector.mu.RLock()
	manager := s.collector.manager
	s.collector.mu.RUnlock()

	if manager == nil {
		s.respondError(w, http.StatusNotFound, "no manager registered")
		return
	}
	s.respondJSON(w, http.StatusOK, manager.GetStats())
}

func (s *Server) handleQueries(w http.ResponseWriter, _ *http.Request) {
	if !s.collector.Enabled() {
		s.respondError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"priorities": s.collector.GetQueryMetrics(),
		"last_reset": s.collector.LastReset(),
	})
}

// Middleware

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]any{
		"error":     message,
		"timestamp": time.Now(),
	})
}
