// Package server exposes the task control surface over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/internal/broker"
	"github.com/sevir/capataz/internal/scheduler"
	"github.com/sevir/capataz/internal/store"
)

// AdapterFactory resolves an engine name to an adapter. The default is
// agent.ForEngine; tests substitute their own.
type AdapterFactory func(engine string) (scheduler.Adapter, error)

// Config assembles a Server.
type Config struct {
	Addr          string
	Logger        *slog.Logger
	Scheduler     *scheduler.Scheduler
	Broker        *broker.Broker
	Storage       store.Storage
	Agents        agent.Settings
	DefaultEngine string
	DefaultModel  string
	Adapters      AdapterFactory
}

// Server routes task lifecycle and approval requests to the scheduler and
// broker.
type Server struct {
	logger        *slog.Logger
	sched         *scheduler.Scheduler
	broker        *broker.Broker
	storage       store.Storage
	adapters      AdapterFactory
	defaultEngine string
	defaultModel  string
	httpServer    *http.Server
}

// New creates a Server listening on cfg.Addr.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapters := cfg.Adapters
	if adapters == nil {
		settings := cfg.Agents
		adapters = func(engine string) (scheduler.Adapter, error) {
			return agent.ForEngine(engine, settings)
		}
	}
	s := &Server{
		logger:        logger,
		sched:         cfg.Scheduler,
		broker:        cfg.Broker,
		storage:       cfg.Storage,
		adapters:      adapters,
		defaultEngine: cfg.DefaultEngine,
		defaultModel:  cfg.DefaultModel,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the gin engine. Exposed so tests can drive it directly.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.POST("/tasks", s.handleTaskCreate)
		api.GET("/tasks", s.handleTasksList)
		api.GET("/tasks/:id", s.handleTaskGet)
		api.POST("/tasks/:id/cancel", s.handleTaskCancel)
		api.POST("/tasks/:id/interrupt", s.handleTaskInterrupt)
		api.POST("/tasks/:id/respond", s.handleTaskRespond)
		api.DELETE("/tasks/:id/queue", s.handleTaskDequeue)
		api.GET("/queue", s.handleQueue)
		api.GET("/requests", s.handleRequestsList)
		api.POST("/permissions/:id", s.handlePermissionResolve)
		api.POST("/questions/:id", s.handleQuestionResolve)
	}

	return r
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
