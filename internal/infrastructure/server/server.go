package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/gmsandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/gmsandbox/internal/logging"
	"github.com/GriffinCanCode/gmsandbox/internal/middleware"
)

// ScriptStatus is the debug view of one runner
type ScriptStatus struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	RunFlag string   `json:"runFlag"`
	Mode    string   `json:"mode"`
	State   string   `json:"state"`
	Error   string   `json:"error,omitempty"`
	Menus   []string `json:"menus,omitempty"`
}

// StatusSource reports the current runners. It is called from HTTP goroutines
// and must be safe for concurrent use.
type StatusSource func() []ScriptStatus

// Server exposes metrics, health and runner status over HTTP
type Server struct {
	router   *gin.Engine
	cfg      config.MetricsConfig
	logger   *logging.Logger
	status   StatusSource
	started  time.Time
	http     *http.Server
	listener net.Listener
}

// New creates the debug server. Nothing listens until Start.
func New(cfg config.MetricsConfig, metrics *monitoring.Metrics, status StatusSource, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	if status == nil {
		status = func() []ScriptStatus { return nil }
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router:  router,
		cfg:     cfg,
		logger:  logger.Named("debug"),
		status:  status,
		started: time.Now(),
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestLog(s.logger))
	router.Use(monitoring.Middleware(metrics))
	cors := middleware.DefaultCORSConfig()
	if len(cfg.AllowOrigins) > 0 {
		cors.AllowOrigins = cfg.AllowOrigins
	}
	router.Use(middleware.CORS(cors))
	if cfg.RequestsPerSecond > 0 {
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RequestsPerSecond
		if cfg.Burst > 0 {
			rl.Burst = cfg.Burst
		}
		router.Use(middleware.RateLimit(rl))
	}

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	router.GET("/scripts", s.listScripts)
	router.GET("/scripts/:id", s.getScript)

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("debug server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("debug server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("shutting down debug server")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down debug server: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) listScripts(c *gin.Context) {
	scripts := s.status()
	if scripts == nil {
		scripts = []ScriptStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"scripts": scripts, "count": len(scripts)})
}

func (s *Server) getScript(c *gin.Context) {
	want := c.Param("id")
	for _, st := range s.status() {
		if st.ID == want || st.RunFlag == want {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "script not found"})
}
