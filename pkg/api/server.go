package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"failoverd/pkg/api/middleware"
	"failoverd/pkg/failover"
	"failoverd/pkg/health"
)

// Node is the view of the coordination loop served over HTTP.
type Node interface {
	Health() health.Status
	Snapshot() failover.Snapshot
}

// Server serves the health endpoint polled by the service registry, the
// role snapshot and Prometheus metrics.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	node       Node
	logger     *zap.Logger
}

// Config holds API server configuration.
type Config struct {
	Port   int
	Node   Node
	Logger *zap.Logger
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		cfg.Logger.Error("Handler panicked", zap.Any("panic", err), zap.String("path", c.Request.URL.Path))
		c.String(http.StatusInternalServerError, "Internal error")
	}))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware("failoverd"))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(cfg.Logger))

	s := &Server{
		router: router,
		node:   cfg.Node,
		logger: cfg.Logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the API port. Binding separately from serving lets the
// caller fail startup when the port is taken.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("API server listening", zap.String("addr", ln.Addr().String()))
	return ln, nil
}

// Serve handles requests on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/status", s.status)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.NoRoute(func(c *gin.Context) {
		c.String(http.StatusInternalServerError, "Unsupported endpoint")
	})
}

// healthCheck answers from the cached health status, never from the
// application directly, so a slow application cannot stall the registry.
func (s *Server) healthCheck(c *gin.Context) {
	st := s.node.Health()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusInternalServerError
	}
	c.String(code, st.Detail)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Snapshot())
}
