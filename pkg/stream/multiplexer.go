package stream

import (
	"log/slog"
	"sync"
)

// Sink receives events for one session. Implementations are owned by
// the transport layer (a WebSocket connection); Send must be safe to
// call from the multiplexer's lock.
type Sink interface {
	Send(event Event) error
}

// CancelFunc aborts a session after its sink becomes unwritable.
type CancelFunc func(sessionID string)

// Multiplexer is the process-wide sessionID → sink registry. Events for
// one session are serialized: concurrent senders take the session's own
// mutex, so delivery order matches issue order per session without
// blocking unrelated sessions. Events for a detached session are
// dropped silently.
type Multiplexer struct {
	mu       sync.RWMutex
	sessions map[string]*sessionSink
	byUser   map[string]map[string]bool // userID → set of sessionIDs

	// onSendFailure is invoked (outside locks) when a sink write fails.
	onSendFailure CancelFunc
}

type sessionSink struct {
	mu     sync.Mutex
	sink   Sink
	userID string
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		sessions: make(map[string]*sessionSink),
		byUser:   make(map[string]map[string]bool),
	}
}

// OnSendFailure registers the session-cancel hook called when a sink
// write fails. A failed write means the client is gone; the in-flight
// run must be aborted.
func (m *Multiplexer) OnSendFailure(fn CancelFunc) {
	m.onSendFailure = fn
}

// Attach binds a sink to a session, replacing any previous sink.
func (m *Multiplexer) Attach(sessionID, userID string, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &sessionSink{sink: sink, userID: userID}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]bool)
	}
	m.byUser[userID][sessionID] = true
}

// Detach removes a session's sink. Subsequent sends are dropped.
func (m *Multiplexer) Detach(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if set := m.byUser[ss.userID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byUser, ss.userID)
		}
	}
}

// Attached reports whether a session currently has a sink.
func (m *Multiplexer) Attached(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// SendChunk delivers one event to a session's sink. Returns false when
// the session is detached or the write failed.
func (m *Multiplexer) SendChunk(sessionID string, event Event) bool {
	m.mu.RLock()
	ss, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	ss.mu.Lock()
	err := ss.sink.Send(event)
	ss.mu.Unlock()

	if err != nil {
		slog.Warn("Stream write failed, detaching session",
			"session_id", sessionID, "event_type", event.Type, "error", err)
		m.Detach(sessionID)
		if m.onSendFailure != nil {
			m.onSendFailure(sessionID)
		}
		return false
	}
	return true
}

// BroadcastToUser delivers one event to every attached session of a
// user, via the user→session reverse index.
func (m *Multiplexer) BroadcastToUser(userID string, event Event) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for sessionID := range m.byUser[userID] {
		ids = append(ids, sessionID)
	}
	m.mu.RUnlock()

	for _, sessionID := range ids {
		m.SendChunk(sessionID, event)
	}
}
