// Package server hosts the transports: the HTTP API with the public embed
// surface, an SSE event channel, and a line-delimited stdio mode.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/logger"
	"github.com/loist/loist/internal/middleware"
	"github.com/loist/loist/internal/server/handlers"
)

// Server binds the handler set to the configured transport.
type Server struct {
	cfg      *config.Config
	engine   *gin.Engine
	http     *http.Server
	handlers *handlers.Handlers
	log      interface {
		Info(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
		Error(msg string, args ...interface{})
	}
}

// New builds the server and registers all routes.
func New(cfg *config.Config, h *handlers.Handlers) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.ErrorLogger())
	if cfg.Server.EnableCORS {
		engine.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	}

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		handlers: h,
		log:      logger.Named("server"),
	}
	s.registerRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	h := s.handlers

	// Probes and the public embed surface are never behind auth.
	s.engine.GET("/health", h.HandleHealth)
	s.engine.GET("/ready", h.HandleReady)
	s.engine.GET("/embed/:id", h.HandleEmbed)
	s.engine.GET("/oembed", h.HandleOEmbed)
	s.engine.GET("/.well-known/oembed.json", h.HandleOEmbedDiscovery)

	api := s.engine.Group("/api/v1")
	if s.cfg.Auth.Enabled {
		api.Use(middleware.BearerAuth(s.cfg.Auth.Token))
	}
	api.POST("/tools/:name", h.HandleToolCall)
	api.GET("/audio/:id/metadata", h.HandleMetadata)
	api.GET("/audio/:id/stream", h.HandleStream)
	api.GET("/audio/:id/thumbnail", h.HandleThumbnail)
	api.GET("/admin/stats", h.HandleStats)

	if s.cfg.Server.Transport == "sse" {
		api.GET("/events", s.handleEvents)
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("listening",
		"addr", s.http.Addr,
		"transport", s.cfg.Server.Transport,
		"auth", s.cfg.Auth.Enabled)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleEvents holds an SSE connection open, announcing readiness and then
// heartbeating so embed clients can detect a dead backend.
func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("ready", gin.H{
		"service": handlers.ServiceName,
		"version": handlers.ServiceVersion,
	})
	c.Writer.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case t := <-ticker.C:
			c.SSEvent("ping", t.Unix())
			return true
		}
	})
}
