// Package api provides the HTTP surface for uploads, status and results.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Minute
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 30 * time.Minute
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	log        *slog.Logger
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Handlers      *Handlers
	HealthChecker *health.Checker
}

// NewRouter builds the gin engine with all routes.
func NewRouter(cfg *ServerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(cfg.Logger), RequestMetrics(), CORSMiddleware(cfg.Config.API.AllowedOrigins))

	r.GET("/health", gin.WrapF(cfg.HealthChecker.Handler()))
	r.GET("/health/deep", gin.WrapF(cfg.HealthChecker.DeepHandler()))
	r.GET("/metrics", internalOnly(), gin.WrapH(promhttp.Handler()))

	videos := r.Group("/videos")
	{
		videos.POST("", cfg.Handlers.CreateVideo)
		videos.PUT("/:id/content", cfg.Handlers.UploadContent)
		videos.POST("/:id/analyze", cfg.Handlers.AnalyzeVideo)
		videos.GET("/:id/status", cfg.Handlers.GetStatus)
		videos.GET("/:id/result", cfg.Handlers.GetResult)
	}

	return r
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) *Server {
	if cfg.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           NewRouter(cfg),
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer: httpServer,
		cfg:        cfg.Config,
		log:        cfg.Logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only routes
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnly restricts a route to callers on internal networks that did not
// come through the load balancer.
func internalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Forwarded-For") != "" || !isInternalRequest(c.Request.RemoteAddr) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
