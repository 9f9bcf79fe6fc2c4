package models

import "time"

// CachedEntity is a session-scoped copy of a fetched provider entity
// (email, calendar event, CRM record) with its body cleaned and capped
// for prompt budgets. Keyed by (SessionID, ID) in the entity cache.
type CachedEntity struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Provider  string         `json:"provider"`
	CleanBody string         `json:"clean_body"`
	BodyHash  string         `json:"body_hash"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
}
