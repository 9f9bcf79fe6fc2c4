// Package api exposes the engine over HTTP: a WebSocket attach endpoint
// speaking the client event protocol, plus a minimal REST surface for
// health checks and run snapshots.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/config"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/session"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/stream"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/tools"
)

// Conversation drives one user turn. Implemented by the conversation
// coordinator; faked in transport tests.
type Conversation interface {
	HandleUserMessage(ctx context.Context, sess *session.Session, messageID, text string)
	ConfirmRun(ctx context.Context, sess *session.Session, runID, messageID string)
	CancelRun(ctx context.Context, sess *session.Session, runID, messageID string)
}

// Server is the HTTP/WebSocket front of the engine.
type Server struct {
	echo     *echo.Echo
	http     *http.Server
	cfg      *config.Config
	conv     Conversation
	registry *session.Registry
	mux      *stream.Multiplexer
	filter   *tools.UserToolFilter
}

func NewServer(cfg *config.Config, conv Conversation, registry *session.Registry, mux *stream.Multiplexer, filter *tools.UserToolFilter) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		conv:     conv,
		registry: registry,
		mux:      mux,
		filter:   filter,
	}
	s.echo.Use(securityHeaders())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/sessions/:id/run", s.runSnapshotHandler)
	v1.POST("/users/:id/tools/refresh", s.refreshToolsHandler)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// runSnapshotHandler handles GET /api/v1/sessions/:id/run. It returns
// the session's current run, letting a reconnecting client resync
// state it may have missed while detached.
func (s *Server) runSnapshotHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	sess := s.registry.Get(sessionID)
	if sess == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	run := sess.ActiveRun()
	if run == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no run for session")
	}
	return c.JSON(http.StatusOK, run)
}

// refreshToolsHandler handles POST /api/v1/users/:id/tools/refresh.
// Called when a user's provider connections change: the cached tool
// list is invalidated, recomputed, and pushed to every attached session
// as a tools_updated event.
func (s *Server) refreshToolsHandler(c *echo.Context) error {
	userID := c.Param("id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}

	ctx := c.Request().Context()
	s.filter.InvalidateUser(ctx, userID)
	defs, err := s.filter.GetAvailableToolsForUser(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "could not resolve user tools")
	}

	s.mux.BroadcastToUser(userID, stream.Event{
		Type:    stream.EventToolsUpdated,
		Content: map[string]any{"tools": toolOverview(defs)},
	})
	return c.JSON(http.StatusOK, map[string]any{"tools": len(defs)})
}

func toolOverview(defs []config.ToolDefinition) []map[string]string {
	out := make([]map[string]string, 0, len(defs))
	for _, def := range defs {
		out = append(out, map[string]string{
			"name":         def.Name,
			"display_name": def.DisplayName,
			"description":  def.Description,
			"category":     def.Category,
		})
	}
	return out
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
