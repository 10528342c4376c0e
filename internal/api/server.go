// Package api exposes the engine over HTTP with gin.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kapixcr/Kapchat-sub000/internal/engine"
	"github.com/kapixcr/Kapchat-sub000/internal/store"
	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

const shutdownTimeout = 5 * time.Second

// Engine is the part of engine.Engine the HTTP surface drives.
type Engine interface {
	HandleMessage(ctx context.Context, msg schema.MessageContext) (*engine.Outcome, error)
	StartFlow(ctx context.Context, flowID string, msg schema.MessageContext, vars map[string]any) (*schema.Execution, error)
	CleanupTimedOutExecutions(ctx context.Context, timeoutMinutes int) (int, error)
}

// FlowValidator checks flows before they are stored.
type FlowValidator interface {
	Validate(flow *schema.Flow) *schema.ValidationResult
}

// Config configures the HTTP server.
type Config struct {
	Addr                    string
	ExecutionTimeoutMinutes int
}

// Server serves the kapchat HTTP API.
type Server struct {
	engine    Engine
	store     store.Store
	validator FlowValidator
	cfg       Config
	logger    *slog.Logger
	router    *gin.Engine
}

// NewServer builds the server and its routes. validator may be nil to store
// flows unchecked.
func NewServer(eng Engine, s store.Store, validator FlowValidator, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExecutionTimeoutMinutes <= 0 {
		cfg.ExecutionTimeoutMinutes = engine.DefaultExecutionTimeoutMinutes
	}
	srv := &Server{
		engine:    eng,
		store:     s,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}
	srv.router = srv.routes()
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	{
		v1.POST("/messages", s.postMessage)
		v1.POST("/webhooks/:key", s.postWebhook)

		v1.GET("/flows", s.listFlows)
		v1.GET("/flows/:id", s.getFlow)
		v1.GET("/flows/:id/diagram", s.getFlowDiagram)
		v1.PUT("/flows/:id", s.putFlow)
		v1.DELETE("/flows/:id", s.deleteFlow)

		v1.GET("/executions", s.listExecutions)
		v1.GET("/executions/:id", s.getExecution)
		v1.GET("/executions/:id/logs", s.listLogs)

		v1.POST("/maintenance/reap", s.reap)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	hs := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
