// Package server exposes the migration service over HTTP and streams
// migration events over WebSocket.
package server

import (
	"context"
	"net/http"

	"github.com/artemis/modernizer/internal/config"
	"github.com/artemis/modernizer/internal/observability"
	"github.com/artemis/modernizer/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server
type Server struct {
	config  *config.Config
	service *service.Service
	logger  *observability.Logger
	health  *observability.HealthChecker
	router  *gin.Engine
	httpSrv *http.Server
}

// NewServer creates a new HTTP server
func NewServer(
	cfg *config.Config,
	svc *service.Service,
	healthChecker *observability.HealthChecker,
	logger *observability.Logger,
) *Server {
	// Set gin mode based on log level
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  cfg,
		service: svc,
		logger:  logger,
		health:  healthChecker,
	}

	s.setupRouter()
	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	// Health endpoints (no auth required)
	r.GET("/health", s.health.HealthHandler())
	r.GET("/ready", s.health.ReadyHandler())

	// Metrics endpoint (no auth required)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := r.Group("/api")
	{
		api.POST("/migrations", s.StartMigration)
		api.GET("/migrations", s.ListMigrations)
		api.GET("/migrations/:id", s.GetMigration)
		api.POST("/migrations/:id/cancel", s.CancelMigration)
	}

	// WebSocket event stream, one connection per migration
	r.GET("/ws/migrations/:id", s.HandleMigrationEvents)

	s.router = r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Don't log health check spam
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}

		c.Next()

		// Log after request completes
		s.logger.InfoRedacted("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// corsMiddleware handles CORS
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", s.config.HTTPAddr),
	)

	s.httpSrv = &http.Server{
		Addr:    s.config.HTTPAddr,
		Handler: s.router,
	}

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// GetRouter returns the gin router for direct route registration
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
