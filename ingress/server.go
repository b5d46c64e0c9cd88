// Package ingress exposes execution triggers and lookups over HTTP.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	nodeflow "nodeflow"
	"nodeflow/ctxlog"
	"nodeflow/graph"
	"nodeflow/nodes"
	"nodeflow/store"
)

// Triggerer creates PENDING executions. *flows.Engine implements it.
type Triggerer interface {
	Trigger(ctx context.Context, workflowID string, initial nodeflow.Context) (*nodeflow.Execution, error)
}

// Scheduler runs executions in the background. *checkpointer.Runtime
// implements it.
type Scheduler interface {
	Enqueue(executionID string) bool
	Cancel(executionID string)
}

// Config wires the server. Engine, Scheduler, Executions and Graphs are
// required.
type Config struct {
	Engine     Triggerer
	Scheduler  Scheduler
	Executions store.ExecutionStore
	Graphs     store.GraphStore
	// Mirror receives every saved graph after Graphs accepted it.
	Mirror      store.GraphStore
	GraphPolicy graph.Policy
	Metrics     http.Handler
	// Status serves socket.io subscribers under /socket.io/.
	Status http.Handler
	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	router *gin.Engine
}

func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Engine == nil:
		return nil, errors.New("ingress: engine is required")
	case cfg.Scheduler == nil:
		return nil, errors.New("ingress: scheduler is required")
	case cfg.Executions == nil:
		return nil, errors.New("ingress: execution store is required")
	case cfg.Graphs == nil:
		return nil, errors.New("ingress: graph store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GraphPolicy.ExclusiveTriggers == nil {
		cfg.GraphPolicy = graph.DefaultPolicy()
	}
	s := &Server{cfg: cfg}
	s.router = s.setupRouter()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}
	if s.cfg.Status != nil {
		r.Any("/socket.io/*any", gin.WrapH(s.cfg.Status))
	}
	r.GET("/node-types", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"nodeTypes": nodes.Catalog()})
	})

	hooks := r.Group("/webhooks")
	hooks.POST("/google-form", s.webhook("googleForm", googleFormData))
	hooks.POST("/stripe", s.webhook("stripe", stripeData))

	r.GET("/workflows/:id", s.getWorkflow)
	r.PUT("/workflows/:id/graph", s.saveGraph)
	r.POST("/workflows/:id/execute", s.executeWorkflow)
	r.GET("/executions/:id", s.getExecution)
	r.POST("/executions/:id/cancel", s.cancelExecution)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := s.cfg.Logger.With(slog.String("method", c.Request.Method), slog.String("path", c.FullPath()))
		c.Request = c.Request.WithContext(ctxlog.WithLogger(c.Request.Context(), logger))
		c.Next()
		logger.Debug("request served", slog.Int("status", c.Writer.Status()), slog.Duration("duration", time.Since(start)))
	}
}

// trigger creates and schedules an execution.
func (s *Server) trigger(c *gin.Context, workflowID string, initial nodeflow.Context) {
	ctx := c.Request.Context()
	exec, err := s.cfg.Engine.Trigger(ctx, workflowID, initial)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.cfg.Scheduler.Enqueue(exec.ID)
	ctxlog.FromContext(ctx).Info("execution scheduled", slog.String("workflowID", workflowID), slog.String("executionID", exec.ID))
	c.JSON(http.StatusAccepted, gin.H{"success": true, "executionId": exec.ID, "status": exec.Status})
}

func (s *Server) executeWorkflow(c *gin.Context) {
	var body struct {
		Input map[string]any `json:"input"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "request body must be JSON"})
			return
		}
	}
	s.trigger(c, c.Param("id"), nodeflow.Context(body.Input))
}

func (s *Server) getWorkflow(c *gin.Context) {
	wf, err := s.cfg.Graphs.LoadGraph(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (s *Server) saveGraph(c *gin.Context) {
	var body struct {
		Nodes       []nodeflow.Node       `json:"nodes"`
		Connections []nodeflow.Connection `json:"connections"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "request body must be JSON"})
		return
	}
	warnings, err := graph.Validate(body.Nodes, body.Connections, s.cfg.GraphPolicy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.cfg.Graphs.SaveGraph(ctx, id, body.Nodes, body.Connections); err != nil {
		s.fail(c, err)
		return
	}
	if s.cfg.Mirror != nil {
		if err := s.cfg.Mirror.SaveGraph(ctx, id, body.Nodes, body.Connections); err != nil {
			ctxlog.FromContext(ctx).Warn("mirror graph", slog.String("workflowID", id), slog.Any("error", err))
		}
	}

	messages := make([]string, len(warnings))
	for i, w := range warnings {
		messages[i] = w.String()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "warnings": messages})
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.cfg.Executions.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) cancelExecution(c *gin.Context) {
	exec, err := s.cfg.Executions.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if exec.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "execution already finished", "status": exec.Status})
		return
	}
	s.cfg.Scheduler.Cancel(exec.ID)
	c.JSON(http.StatusAccepted, gin.H{"success": true, "executionId": exec.ID})
}

// fail maps core errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	var cfgErr *nodeflow.ConfigError
	switch {
	case errors.Is(err, nodeflow.ErrNotFound):
		code = http.StatusNotFound
	case errors.As(err, &cfgErr):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		ctxlog.FromContext(c.Request.Context()).Error("request failed", slog.Any("error", err))
		c.JSON(code, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}
