// Package kv provides the TTL key-value collaborator used for warmup
// state, cached entities, fetch-dedup fingerprints, conversation
// histories and the user-session reverse index. Two implementations
// exist: Redis (production) and an in-process map (tests, single-node
// development).
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is a key-value store with per-key TTL. Implementations must be
// safe for concurrent use. A zero TTL means no expiry.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key starting with prefix and returns
	// the number of keys removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// GetJSON reads key and unmarshals its value into out.
// Returns (false, nil) when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key with the given TTL.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data), ttl)
}
