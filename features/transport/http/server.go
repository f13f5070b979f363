// Package http exposes the session runtime over a Gin HTTP API: session
// lifecycle endpoints plus a server-sent event feed carrying the wire-format
// events of one session.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/bus"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/recorder"
	"github.com/weftlab/weft/runtime/workflow/scaffold"
	"github.com/weftlab/weft/runtime/workflow/telemetry"
)

type (
	// Runtime is the slice of the session runtime the HTTP surface drives.
	// *scaffold.Scaffold satisfies it.
	Runtime interface {
		CreateSession(ctx context.Context, workflowName, input string) (string, error)
		ListSessions(ctx context.Context) ([]*workflow.Session, error)
		Status(ctx context.Context, sessionID string) (workflow.SessionStatus, error)
		State(ctx context.Context, sessionID string, position int) (workflow.State, int, error)
		History(ctx context.Context, sessionID string) ([]*event.Event, error)
		Pause(ctx context.Context, sessionID string) (bool, error)
		Resume(ctx context.Context, sessionID string) (bool, error)
		Fork(ctx context.Context, sessionID string) (string, int, error)
		DeleteSession(ctx context.Context, sessionID string) error
		Reply(ctx context.Context, sessionID, promptID, content, choice string) error
		Subscribe(sessionID string) *bus.Subscription
		Recordings(ctx context.Context) ([]*recorder.Entry, error)
	}

	// ProviderProbe reports whether a named provider is reachable. Probes
	// run with the request context on every status call.
	ProviderProbe func(ctx context.Context) bool

	// Options configures a Server.
	Options struct {
		// Runtime executes the session operations. Required.
		Runtime Runtime
		// DefaultWorkflow is used when a create request names none.
		DefaultWorkflow string
		// Providers maps provider names to reachability probes for the
		// status endpoint. A nil probe reports connected.
		Providers map[string]ProviderProbe
		// Logger reports handler failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Server is the HTTP transport. Mount its Router on an http.Server; the
	// server itself holds no listener state.
	Server struct {
		rt              Runtime
		defaultWorkflow string
		providers       map[string]ProviderProbe
		logger          telemetry.Logger
	}
)

var _ Runtime = (*scaffold.Scaffold)(nil)

// NewServer constructs a Server. Runtime is required.
func NewServer(opts Options) (*Server, error) {
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{
		rt:              opts.Runtime,
		defaultWorkflow: opts.DefaultWorkflow,
		providers:       opts.Providers,
		logger:          logger,
	}, nil
}

// Router builds the Gin engine with all session routes mounted at the root.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	sessions := engine.Group("/sessions")
	{
		sessions.POST("", s.createSession)
		sessions.GET("", s.listSessions)
		sessions.GET("/:id", s.getSession)
		sessions.GET("/:id/state", s.getState)
		sessions.GET("/:id/events", s.streamEvents)
		sessions.POST("/:id/input", s.postInput)
		sessions.POST("/:id/pause", s.pauseSession)
		sessions.POST("/:id/resume", s.resumeSession)
		sessions.POST("/:id/fork", s.forkSession)
		sessions.DELETE("/:id", s.deleteSession)
	}
	engine.GET("/recordings", s.listRecordings)
	engine.GET("/providers/status", s.providerStatus)
	return engine
}

type (
	createSessionRequest struct {
		Input    string `json:"input"`
		Workflow string `json:"workflow"`
	}

	inputRequest struct {
		Input    string `json:"input"`
		PromptID string `json:"promptId"`
		Choice   string `json:"choice"`
	}
)

// POST /sessions
func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := req.Workflow
	if name == "" {
		name = s.defaultWorkflow
	}
	id, err := s.rt.CreateSession(c.Request.Context(), name, req.Input)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": id})
}

// GET /sessions
func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.rt.ListSessions(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GET /sessions/:id
func (s *Server) getSession(c *gin.Context) {
	status, err := s.rt.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running": status == workflow.StatusRunning,
		"status":  status,
	})
}

// GET /sessions/:id/state?position=N
func (s *Server) getState(c *gin.Context) {
	position := -1
	if raw := c.Query("position"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "position must be an integer"})
			return
		}
		position = n
	}
	state, at, err := s.rt.State(c.Request.Context(), c.Param("id"), position)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "position": at})
}

// POST /sessions/:id/input
func (s *Server) postInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.rt.Reply(c.Request.Context(), c.Param("id"), req.PromptID, req.Input, req.Choice); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /sessions/:id/pause
func (s *Server) pauseSession(c *gin.Context) {
	paused, err := s.rt.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wasPaused": paused})
}

// POST /sessions/:id/resume
func (s *Server) resumeSession(c *gin.Context) {
	resumed, err := s.rt.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wasResumed": resumed})
}

// POST /sessions/:id/fork
func (s *Server) forkSession(c *gin.Context) {
	forkID, copied, err := s.rt.Fork(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": forkID, "eventsCopied": copied})
}

// DELETE /sessions/:id. Deleting an unknown session still reports ok.
func (s *Server) deleteSession(c *gin.Context) {
	if err := s.rt.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /recordings
func (s *Server) listRecordings(c *gin.Context) {
	entries, err := s.rt.Recordings(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": entries})
}

// GET /providers/status
func (s *Server) providerStatus(c *gin.Context) {
	out := make(map[string]gin.H, len(s.providers))
	for name, probe := range s.providers {
		connected := true
		if probe != nil {
			connected = probe(c.Request.Context())
		}
		out[name] = gin.H{"connected": connected}
	}
	c.JSON(http.StatusOK, out)
}

// renderError maps runtime errors onto HTTP statuses: unknown sessions 404,
// validation failures 400, lifecycle conflicts 409, a closed runtime 503,
// anything else 500.
func (s *Server) renderError(c *gin.Context, err error) {
	var ve *workflow.ValidationError
	switch {
	case workflow.IsSessionNotFound(err), errors.Is(err, scaffold.ErrNoState):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, scaffold.ErrNoPendingPrompt), errors.Is(err, scaffold.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scaffold.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error(c.Request.Context(), "request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"err", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
