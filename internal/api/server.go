// Package api provides the HTTP server of the chat engine: the streaming chat
// routes (SSE and WebSocket), model and usage listings, health, metrics and
// debug endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/api/handlers"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/api/middleware"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/config"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/logging"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/metrics"
	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/usage"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName names the service in traces.
const ServiceName = "chat-engine"

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
	usageReader        handlers.UserUsageReader
	stats              *usage.Statistics
	recentLogs         *logging.RecentBuffer
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator allows callers to mutate the Gin engine prior to middleware setup.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// WithUsageReader enables per-user usage in GET /api/v1/usage.
func WithUsageReader(r handlers.UserUsageReader) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.usageReader = r
	}
}

// WithStatistics sets the in-process statistics served by GET /api/v1/usage.
func WithStatistics(s *usage.Statistics) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.stats = s
	}
}

// WithRecentLogs overrides the log buffer behind /debug/logs.
func WithRecentLogs(buf *logging.RecentBuffer) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.recentLogs = buf
	}
}

// Server represents the API server.
type Server struct {
	engine *gin.Engine
	server *http.Server

	cfg atomic.Pointer[config.Config]

	chat    *handlers.ChatHandler
	usage   *handlers.UsageHandler
	models  handlers.ModelLister
	logs    *logging.RecentBuffer
	limiter *middleware.RoomLimiter
	streams *middleware.StreamTracker
}

// NewServer creates the server and registers its routes.
func NewServer(cfg *config.Config, runner handlers.TurnRunner, models handlers.ModelLister, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{recentLogs: logging.Recent}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}

	metrics.SetEnabled(cfg.MetricsEnabled)

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	if cfg.TracingEnabled {
		engine.Use(otelgin.Middleware(ServiceName))
	}
	engine.Use(metrics.Middleware())
	engine.Use(middleware.RequestDecompressionMiddleware())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	s := &Server{
		engine:  engine,
		chat:    handlers.NewChatHandler(runner),
		usage:   handlers.NewUsageHandler(optionState.stats, optionState.usageReader),
		models:  models,
		logs:    optionState.recentLogs,
		limiter: middleware.NewRoomLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.GetBurst(), 0),
		streams: middleware.NewStreamTracker(),
	}
	s.cfg.Store(cfg)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/api/v1")
	{
		rooms := v1.Group("/rooms/:room_id", s.limiter.Middleware(), s.streams.Middleware())
		rooms.POST("/chat", s.chat.Stream)
		rooms.GET("/chat/ws", s.chat.StreamWS)

		v1.GET("/models", handlers.ListModels(s.models))
		v1.GET("/usage", s.usage.GetUsage)
	}

	// Probes and scrapes are too frequent to log.
	s.engine.GET("/healthz", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "active_streams": s.streams.Active()})
	})
	s.engine.GET("/metrics", logging.SkipGinRequestLogging, metrics.Handler())

	debugLogs := handlers.RecentLogs(s.logs)
	s.engine.GET("/debug/logs", func(c *gin.Context) {
		if cfg := s.cfg.Load(); cfg == nil || !cfg.Debug {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		debugLogs(c)
	})
}

// Handler exposes the engine, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// UpdateConfig applies the hot-reloadable parts of cfg.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	old := s.cfg.Swap(cfg)
	s.limiter.SetLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.GetBurst())
	metrics.SetEnabled(cfg.MetricsEnabled)
	if old != nil && (old.Host != cfg.Host || old.Port != cfg.Port) {
		log.Warn("listen address changes take effect after restart")
	}
}

// Start begins listening for and serving HTTP requests. It blocks until the
// server is stopped or fails.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	log.Infof("API server listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", errServe)
	}
	return nil
}

// Stop shuts the server down gracefully. In-flight streams, including hijacked
// WebSocket connections, are given until ctx ends to finish.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}
	if err := s.streams.Wait(ctx); err != nil {
		log.WithField("active_streams", s.streams.Active()).Warn("shutdown deadline reached with streams still open")
		return err
	}
	log.Debug("API server stopped")
	return nil
}
