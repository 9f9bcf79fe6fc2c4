package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/stream"
)

// writeTimeout bounds one WebSocket send. A client that cannot drain
// events within this window is treated as gone.
const writeTimeout = 10 * time.Second

// ClientMessage is one inbound WebSocket frame.
type ClientMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id,omitempty"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// wsHandler upgrades to WebSocket and runs the connection protocol.
// The origin allowlist comes from server configuration; with an empty
// list only same-origin upgrades are accepted.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	})
	if err != nil {
		return err
	}
	s.handleConnection(c.Request().Context(), conn)
	return nil
}

// handleConnection runs one client's read loop: connection_ack, then
// auth, then message dispatch until the socket closes. Closing the
// socket deletes the session, which cancels its context and aborts any
// in-flight run.
func (s *Server) handleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sink := &wsSink{ctx: ctx, conn: conn}
	sink.sendEvent(stream.Event{
		Type:    stream.EventConnectionAck,
		Content: map[string]string{"connection_id": connID},
	})

	var sessionID string
	defer func() {
		if sessionID != "" {
			s.mux.Detach(sessionID)
			s.registry.Delete(sessionID)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			sink.sendError("", "parse_error", "message is not valid JSON")
			continue
		}

		switch msg.Type {
		case "auth":
			if sessionID != "" {
				sink.sendError(msg.MessageID, "protocol", "connection is already authenticated")
				continue
			}
			sessionID = s.handleAuth(ctx, sink, msg)

		case "user_message":
			sess := s.registry.Get(sessionID)
			if sess == nil {
				sink.sendError(msg.MessageID, "auth", "authenticate before sending messages")
				continue
			}
			messageID := msg.MessageID
			if messageID == "" {
				messageID = uuid.NewString()
			}
			// The turn runs on the session's own context so the read
			// loop stays free to receive confirm/cancel frames, and a
			// disconnect (which cancels that context) aborts the run.
			go s.conv.HandleUserMessage(sess.Context(), sess, messageID, msg.Content)

		case "confirm_execution":
			sess := s.registry.Get(sessionID)
			if sess == nil {
				sink.sendError(msg.MessageID, "auth", "authenticate before confirming")
				continue
			}
			go s.conv.ConfirmRun(sess.Context(), sess, msg.RunID, msg.MessageID)

		case "cancel_execution":
			sess := s.registry.Get(sessionID)
			if sess == nil {
				sink.sendError(msg.MessageID, "auth", "authenticate before cancelling")
				continue
			}
			go s.conv.CancelRun(sess.Context(), sess, msg.RunID, msg.MessageID)

		case "ping":
			sink.sendEvent(stream.Event{Type: "pong", MessageID: msg.MessageID})

		default:
			sink.sendError(msg.MessageID, "protocol", "unknown message type "+msg.Type)
		}
	}
}

// handleAuth creates the session, attaches the sink and replies with
// auth_success plus a session_init tool snapshot. Returns the new
// session ID, or "" when authentication failed.
func (s *Server) handleAuth(ctx context.Context, sink *wsSink, msg ClientMessage) string {
	if msg.UserID == "" {
		sink.sendError(msg.MessageID, "auth", "user_id is required")
		return ""
	}

	sess := s.registry.Create(msg.UserID)
	s.mux.Attach(sess.ID, msg.UserID, sink)

	sink.sendEvent(stream.Event{
		Type: stream.EventAuthSuccess,
		Content: map[string]string{
			"session_id": sess.ID,
			"user_id":    msg.UserID,
		},
	})

	defs, err := s.filter.GetAvailableToolsForUser(ctx, msg.UserID)
	if err != nil {
		slog.Warn("Failed to resolve tools for session init",
			"session_id", sess.ID, "user_id", msg.UserID, "error", err)
	}
	sink.sendEvent(stream.Event{
		Type: stream.EventSessionInit,
		Content: map[string]any{
			"session_id": sess.ID,
			"tools":      toolOverview(defs),
		},
	})
	return sess.ID
}

// wsSink adapts one WebSocket connection to the multiplexer's Sink.
// Writes are serialized: the multiplexer locks per session, but auth
// and protocol errors are sent from the read loop too.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsSink) Send(event stream.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(w.ctx, writeTimeout)
	defer cancel()
	return w.conn.Write(writeCtx, websocket.MessageText, data)
}

// sendEvent is Send with the error logged instead of returned, for
// protocol messages issued outside the multiplexer.
func (w *wsSink) sendEvent(event stream.Event) {
	if err := w.Send(event); err != nil {
		slog.Warn("WebSocket write failed", "event_type", event.Type, "error", err)
	}
}

func (w *wsSink) sendError(messageID, code, message string) {
	w.sendEvent(stream.Event{
		Type:      stream.EventError,
		MessageID: messageID,
		Content:   stream.ErrorContent{Code: code, Message: message},
	})
}
