// Package session tracks live client sessions: identity, the active
// run, and the cancellation signal tied to the client connection.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/kv"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
)

// Session is one client's attachment to the engine. The embedded
// context is canceled when the client detaches; in-flight work for the
// session observes it at its next suspension point.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	activeRun  *models.Run
	turnActive bool
}

// Context returns the session's cancellation context.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel aborts all in-flight work for the session.
func (s *Session) Cancel() { s.cancel() }

// ActiveRun returns the session's current run, or nil.
func (s *Session) ActiveRun() *models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun
}

// SetActiveRun installs run as the session's active run.
func (s *Session) SetActiveRun(run *models.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRun = run
}

// Busy reports whether a turn is in flight or the session has a
// non-terminal run. A busy session must reject new user turns rather
// than interleave them.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

func (s *Session) busyLocked() bool {
	return s.turnActive || (s.activeRun != nil && !s.activeRun.Status.IsTerminal())
}

// BeginTurn atomically claims the session for one user turn. It fails
// while another turn holds the claim, even before that turn has a run,
// so two rapid messages never interleave.
func (s *Session) BeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return false
	}
	s.turnActive = true
	return true
}

// EndTurn releases the turn claim.
func (s *Session) EndTurn() {
	s.mu.Lock()
	s.turnActive = false
	s.mu.Unlock()
}

// ClaimWaitingRun atomically takes the parked run with the given id,
// moving it to pending so exactly one confirm or cancel wins. Returns
// nil when no such run is waiting.
func (s *Session) ClaimWaitingRun(runID string) *models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.activeRun
	if run == nil || run.ID != runID || run.Status != models.RunStatusWaiting {
		return nil
	}
	run.Status = models.RunStatusPending
	return run
}

// Registry is the process-wide session table with a user → sessions
// reverse index. The reverse index is mirrored into the KV store
// best-effort so sibling processes can route user broadcasts.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]bool

	store      kv.Store
	reverseTTL time.Duration
}

func NewRegistry(store kv.Store, reverseTTL time.Duration) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		byUser:     make(map[string]map[string]bool),
		store:      store,
		reverseTTL: reverseTTL,
	}
}

func reverseKey(sessionID string) string { return "sessuser:" + sessionID }

// Create registers a new session for userID.
func (r *Registry) Create(userID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]bool)
	}
	r.byUser[userID][s.ID] = true
	r.mu.Unlock()

	if err := r.store.Set(ctx, reverseKey(s.ID), userID, r.reverseTTL); err != nil {
		slog.Warn("Failed to mirror session reverse index", "session_id", s.ID, "error", err)
	}
	return s
}

// Get returns the session, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Delete cancels and removes a session. Safe to call twice.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if set := r.byUser[s.UserID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.byUser, s.UserID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	if err := r.store.Delete(context.Background(), reverseKey(sessionID)); err != nil {
		slog.Warn("Failed to drop session reverse index", "session_id", sessionID, "error", err)
	}
}

// SessionsForUser returns the IDs of the user's live sessions.
func (r *Registry) SessionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, id)
	}
	return out
}
