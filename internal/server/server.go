// Package server exposes the narrow HTTP surface: task creation and status
// for polling UIs, the external result callback, and guarded session turns.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"atelier/internal/agent"
	"atelier/internal/agent/turn"
	"atelier/internal/async"
	"atelier/internal/config"
	"atelier/internal/logging"
	"atelier/internal/provider"
	"atelier/internal/session"
	"atelier/internal/task"
	"atelier/internal/tools"
)

// Options configure the HTTP server.
type Options struct {
	Addr         string
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	return o
}

// Server wires the HTTP routes over the task machine and the agent loop.
type Server struct {
	engine   *gin.Engine
	http     *http.Server
	store    task.Store
	machine  *task.Machine
	backends func(taskID string) task.Backend
	catalog  *config.Catalog
	sessions session.Store
	loop     *agent.Loop
	logger   logging.Logger
}

// New builds the server and its routes.
func New(opts Options, store task.Store, machine *task.Machine, backends func(string) task.Backend,
	catalog *config.Catalog, sessions session.Store, loop *agent.Loop, logger logging.Logger) *Server {

	opts = opts.withDefaults()
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine:   engine,
		store:    store,
		machine:  machine,
		backends: backends,
		catalog:  catalog,
		sessions: sessions,
		loop:     loop,
		logger:   logging.OrNop(logger),
	}
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      engine,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	{
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/events", s.handleTaskEvent)

		api.POST("/sessions", s.handleCreateSession)
		api.POST("/sessions/:id/turns", s.handleTurn)
	}
}

// Handler exposes the engine for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createTaskRequest struct {
	OrganizationID string         `json:"organization_id" binding:"required"`
	Model          string         `json:"model" binding:"required"`
	Params         map[string]any `json:"params"`
}

// handleCreateTask records the task and runs submit+poll in the background;
// the client polls GET /api/tasks/:id for the outcome.
func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec, err := s.catalog.Lookup(req.Model)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	t := task.New(req.OrganizationID, spec.Provider, req.Model, req.Params)
	if err := s.store.Create(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	backend := s.backends(t.ID)
	taskID := t.ID
	submitted := *t
	async.Go(s.logger, "task-run-"+taskID, func() {
		ctx := context.Background()
		if err := s.machine.Submit(ctx, backend, &submitted); err != nil {
			return // recorded as failed by the machine
		}
		_, runErr := s.machine.Run(ctx, backend, taskID, task.RunOptions{
			Timeout:    spec.Timeout,
			RetryDelay: spec.RetryDelay,
		})
		if runErr != nil {
			s.logger.Error("task %s: run aborted: %v", taskID, runErr)
		}
	})

	c.JSON(http.StatusAccepted, t)
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.store.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

type taskEventRequest struct {
	Status string                `json:"status" binding:"required"`
	Data   []provider.ResultItem `json:"data"`
	Error  string                `json:"error"`
}

// handleTaskEvent applies an externally-reported terminal result (a client
// runtime or provider webhook) and wakes any waiter on the task's channel.
func (s *Server) handleTaskEvent(c *gin.Context) {
	var req taskEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID := c.Param("id")
	final, err := s.machine.NotifyResult(c.Request.Context(), s.backends(taskID), taskID, provider.PollResponse{
		Status: req.Status,
		Data:   req.Data,
		Error:  req.Error,
	})
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, final)
}

type createSessionRequest struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id" binding:"required"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := &session.Session{
		ID:             req.ID,
		OrganizationID: req.OrganizationID,
		Status:         session.StatusIdle,
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if err := s.sessions.Create(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type turnRequest struct {
	OrganizationID string `json:"organization_id" binding:"required"`
	Model          string `json:"model"`

	ToolCalls    []turnToolCall `json:"tool_calls"`
	RawToolCalls string         `json:"raw_tool_calls"`
}

type turnToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments"`
	RawArguments string         `json:"raw_arguments"`
}

func toolCallFrom(call turnToolCall) tools.ToolCall {
	return tools.ToolCall{
		ID:           call.ID,
		Name:         call.Name,
		Arguments:    call.Arguments,
		RawArguments: call.RawArguments,
	}
}

// handleTurn runs one guarded turn; a session with a turn already in flight
// answers 409.
func (s *Server) handleTurn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := c.Param("id")
	agentReq := agent.TurnRequest{
		SessionID:    sessionID,
		RawToolCalls: req.RawToolCalls,
	}
	for _, call := range req.ToolCalls {
		agentReq.ToolCalls = append(agentReq.ToolCalls, toolCallFrom(call))
	}

	tc := turn.New(req.OrganizationID, sessionID, req.Model)
	results, err := s.loop.RunTurn(c.Request.Context(), agentReq, tc)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTurnInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": "a turn is already in flight for this session"})
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
