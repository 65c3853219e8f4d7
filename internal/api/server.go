// Package api serves the supervisor over HTTP: status and snapshot reads,
// height lookups, ban and command submission, the websocket gateway and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/arqma/arqmavisor/internal/config"
	"github.com/arqma/arqmavisor/internal/daemon"
	"github.com/arqma/arqmavisor/internal/gateway"
	"github.com/arqma/arqmavisor/internal/metrics"
	"github.com/arqma/arqmavisor/internal/rpc"
	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/arqma/arqmavisor/pkg/types"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Backend is the supervisor as seen by the HTTP layer.
type Backend interface {
	Status() daemon.Status
	Snapshot() types.DaemonData
	Ready() error
	TimestampToHeight(ctx context.Context, ts int64) (int64, bool)
	BanPeer(ctx context.Context, host string, seconds int64) types.Notification
	Handle(ctx context.Context, cmd daemon.Command) error
	CheckVersion(ctx context.Context) (string, bool)
	CheckRemoteDaemon(ctx context.Context) rpc.Response
}

// Server represents the API server
type Server struct {
	router    *gin.Engine
	server    *http.Server
	listener  net.Listener
	logger    *logger.Logger
	config    *config.Config
	backend   Backend
	hub       *gateway.Hub
	collector *metrics.Collector
	auth      *AuthMiddleware
}

// NewServer creates a new API server. hub and collector may be nil.
func NewServer(cfg *config.Config, backend Backend, hub *gateway.Hub, collector *metrics.Collector, log *logger.Logger) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = log.Named("gin").Writer()
	gin.DefaultErrorWriter = log.Named("gin").Writer()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(log.Named("api")))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins(cfg.APICORSOrigins),
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	if cfg.APIRateLimit > 0 {
		router.Use(NewRateLimiter(cfg.APIRateLimit).Middleware())
	}

	s := &Server{
		router:    router,
		logger:    log.Named("api"),
		config:    cfg,
		backend:   backend,
		hub:       hub,
		collector: collector,
	}
	if cfg.APIKey != "" || cfg.APIJWTSecret != "" {
		s.auth = NewAuthMiddleware(cfg.APIJWTSecret, log)
		if cfg.APIKey != "" {
			s.auth.AddAPIKey(cfg.APIKey, "config")
		}
	}

	s.setupRoutes()
	return s
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)
	if s.collector != nil {
		s.router.GET(metrics.DefaultPath, gin.WrapH(s.collector.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	v1.GET("/status", s.getStatus)
	v1.GET("/daemon", s.getDaemonData)
	v1.GET("/version", s.getVersion)
	v1.GET("/network", s.getNetwork)
	v1.GET("/height", s.getHeight)
	v1.GET("/metrics", s.getMetrics)

	// Commands change node state and need credentials when configured
	protected := v1.Group("")
	if s.auth != nil {
		protected.Use(s.auth.Authenticate())
	}
	protected.POST("/bans", s.banPeer)
	protected.POST("/commands", s.runCommand)
	if s.hub != nil {
		protected.GET("/ws", gin.WrapH(s.hub))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.APIHost, strconv.Itoa(s.config.APIPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     s.logger.StdLogger(),
	}

	go func() {
		s.logger.Info("starting API server", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and disconnects websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown API server gracefully", zap.Error(err))
		return err
	}

	s.logger.Info("API server stopped")
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) readyHandler(c *gin.Context) {
	if err := s.backend.Ready(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"state":  s.backend.Status().StateString,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) getDaemonData(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Snapshot())
}

func (s *Server) getVersion(c *gin.Context) {
	version, ok := s.backend.CheckVersion(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"version":   version,
		"available": ok,
	})
}

func (s *Server) getNetwork(c *gin.Context) {
	resp := s.backend.CheckRemoteDaemon(c.Request.Context())
	if resp.Error != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": resp.Error})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", resp.Result)
}

func (s *Server) getHeight(c *gin.Context) {
	ts, err := strconv.ParseInt(c.Query("timestamp"), 10, 64)
	if err != nil || ts < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be a non-negative integer"})
		return
	}

	height, ok := s.backend.TimestampToHeight(c.Request.Context(), ts)
	if !ok {
		c.JSON(http.StatusBadGateway, gin.H{"error": "height lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp": ts,
		"height":    height,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.collector == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.collector.Snapshot())
}

func (s *Server) banPeer(c *gin.Context) {
	var req daemon.BanPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	note := s.backend.BanPeer(c.Request.Context(), req.Host, req.Seconds)
	status := http.StatusOK
	if note.Type == types.NotificationNegative {
		status = http.StatusBadGateway
	}
	c.JSON(status, note)
}

func (s *Server) runCommand(c *gin.Context) {
	var cmd daemon.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cmd.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "method is required"})
		return
	}

	if err := s.backend.Handle(c.Request.Context(), cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "method": cmd.Method})
}

// ginLogger logs each request through zap
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("API request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}
