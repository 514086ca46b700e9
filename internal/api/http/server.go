// Package http serves the coordinator status API: liveness, the live run
// status, prometheus exposition, and optional pprof endpoints.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/observability/metrics"
	"github.com/halotrain/halotrain/internal/trainer"
	"github.com/halotrain/halotrain/pkg/config"
)

// ============================================================================
// Server
// ============================================================================

// Server wraps the HTTP endpoint serving run status alongside training
type Server struct {
	cfg    config.ServerConfig
	logger logging.Logger
	engine *gin.Engine
	srv    *http.Server
}

// New creates the status server around a live status board
func New(cfg config.ServerConfig, board *trainer.StatusBoard, collector *metrics.MetricsCollector, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		status := board.Get()
		if status.Phase == trainer.PhaseInit {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "initializing"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "phase": status.Phase})
	})

	engine.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, board.Get())
	})

	if collector != nil {
		engine.GET("/metrics", gin.WrapH(collector.Handler()))
	}
	if cfg.EnablePprof {
		pprof.Register(engine)
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the route tree
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves in the background; the server never blocks training
func (s *Server) Start() {
	s.logger.Info("status server listening", logging.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", logging.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

//Personal.AI order the ending
