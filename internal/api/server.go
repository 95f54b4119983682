package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/opinionsim/internal/deliberation"
)

// Server represents the API server
type Server struct {
	echo     *echo.Echo
	port     int
	registry *deliberation.Registry
	secret   []byte
}

// ServerOptions configures NewServer
type ServerOptions struct {
	Port     int
	Registry *deliberation.Registry
	// JWTSecret enables bearer-token auth on /api/v1 when set
	JWTSecret string
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:     e,
		port:     opts.Port,
		registry: opts.Registry,
		secret:   []byte(opts.JWTSecret),
	}

	server.setupRoutes()

	return server
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.echo }

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	v1 := s.echo.Group("/api/v1")
	if len(s.secret) > 0 {
		v1.Use(RequireAuth(s.secret))
	}

	v1.GET("/sessions", s.listSessions)
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.GET("/sessions/:id/status", s.getStatus)
	v1.GET("/sessions/:id/messages", s.getMessages)
	v1.GET("/sessions/:id/snapshot", s.getSnapshot)

	v1.POST("/sessions/:id/start", s.startRun)
	v1.POST("/sessions/:id/pause", s.pauseRun)
	v1.POST("/sessions/:id/resume", s.resumeRun)
	v1.POST("/sessions/:id/stop", s.stopRun)
	v1.POST("/sessions/:id/refresh", s.refreshSession)
	v1.POST("/sessions/:id/reset", s.resetSession)

	v1.POST("/sessions/:id/agents", s.addAgent)
	v1.PUT("/sessions/:id/agents/:agentId", s.updateAgent)
	v1.DELETE("/sessions/:id/agents/:agentId", s.removeAgent)
	v1.PUT("/sessions/:id/trust", s.setTrust)
	v1.POST("/sessions/:id/trust/:agentId/normalize", s.normalizeTrust)
}

// Start begins the API server and blocks until interrupted. Active runs are
// cancelled on shutdown.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.registry.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Runs did not stop before shutdown timeout")
	}
	return s.echo.Shutdown(ctx)
}
