package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/kv"
	"github.com/LutendoLukhele/App-Intent-System-Orchestrator-sub002/pkg/models"
)

// recentIndexCap bounds the per-type recency index.
const recentIndexCap = 50

// EntityCache stores cleaned provider entities and fetch-dedup
// fingerprints, scoped to a session. Everything lives under a single
// session prefix so ClearSession is one prefix delete.
type EntityCache struct {
	store          kv.Store
	entityTTL      time.Duration
	fingerprintTTL time.Duration
	bodyCap        int

	now func() time.Time
}

// NewEntityCache builds the cache. bodyCap is the cleaned-body byte cap
// applied before storage.
func NewEntityCache(store kv.Store, entityTTL, fingerprintTTL time.Duration, bodyCap int) *EntityCache {
	return &EntityCache{
		store:          store,
		entityTTL:      entityTTL,
		fingerprintTTL: fingerprintTTL,
		bodyCap:        bodyCap,
		now:            time.Now,
	}
}

func sessionPrefix(sessionID string) string  { return "sess:" + sessionID + ":" }
func entityKey(sessionID, id string) string  { return sessionPrefix(sessionID) + "entity:" + id }
func fetchKey(sessionID, fp string) string   { return sessionPrefix(sessionID) + "fetch:" + fp }
func recentKey(sessionID, typ string) string { return sessionPrefix(sessionID) + "recent:" + typ }

// CacheEntities cleans and stores a batch of fetched entities, updating
// the per-type recency index. Returns the IDs actually stored.
// Entities arrive with CleanBody holding the raw provider body; the
// cache owns cleaning, capping and hashing.
func (c *EntityCache) CacheEntities(ctx context.Context, sessionID string, entities []models.CachedEntity) ([]string, error) {
	ids := make([]string, 0, len(entities))
	byType := make(map[string][]string)

	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		e.SessionID = sessionID
		e.CleanBody = CleanBody(e.CleanBody, c.bodyCap)
		e.BodyHash = HashBody(e.CleanBody)
		if e.Timestamp.IsZero() {
			e.Timestamp = c.now()
		}

		if err := kv.SetJSON(ctx, c.store, entityKey(sessionID, e.ID), e, c.entityTTL); err != nil {
			return ids, fmt.Errorf("cache entity %s: %w", e.ID, err)
		}
		ids = append(ids, e.ID)
		byType[e.Type] = append(byType[e.Type], e.ID)
	}

	for typ, newIDs := range byType {
		if err := c.pushRecent(ctx, sessionID, typ, newIDs); err != nil {
			// The index is advisory; entities themselves are stored.
			slog.Warn("Failed to update recency index",
				"session_id", sessionID, "entity_type", typ, "error", err)
		}
	}
	return ids, nil
}

// GetEntity reads one cached entity. Returns false when absent or expired.
func (c *EntityCache) GetEntity(ctx context.Context, sessionID, id string) (*models.CachedEntity, bool, error) {
	var e models.CachedEntity
	ok, err := kv.GetJSON(ctx, c.store, entityKey(sessionID, id), &e)
	if err != nil || !ok {
		return nil, false, err
	}
	return &e, true, nil
}

// GetEntities reads a batch of cached entities, silently skipping IDs
// that have expired or were never cached.
func (c *EntityCache) GetEntities(ctx context.Context, sessionID string, ids []string) ([]models.CachedEntity, error) {
	out := make([]models.CachedEntity, 0, len(ids))
	for _, id := range ids {
		e, ok, err := c.GetEntity(ctx, sessionID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

// CheckFetchDedup looks up a fetch fingerprint. On a hit it returns the
// entity IDs the earlier identical fetch produced.
func (c *EntityCache) CheckFetchDedup(ctx context.Context, sessionID, fingerprint string) ([]string, bool, error) {
	var ids []string
	ok, err := kv.GetJSON(ctx, c.store, fetchKey(sessionID, fingerprint), &ids)
	if err != nil || !ok {
		return nil, false, err
	}
	return ids, true, nil
}

// RecordFetchResult stores the fingerprint → entity-ID mapping so an
// identical fetch within the fingerprint TTL is served from cache.
func (c *EntityCache) RecordFetchResult(ctx context.Context, sessionID, fingerprint string, ids []string) error {
	return kv.SetJSON(ctx, c.store, fetchKey(sessionID, fingerprint), ids, c.fingerprintTTL)
}

// GetRecentCachedEntities returns up to limit most-recently-cached
// entities of the given type, newest first.
func (c *EntityCache) GetRecentCachedEntities(ctx context.Context, sessionID, entityType string, limit int) ([]models.CachedEntity, error) {
	var index []string
	if _, err := kv.GetJSON(ctx, c.store, recentKey(sessionID, entityType), &index); err != nil {
		return nil, err
	}
	if limit > 0 && len(index) > limit {
		index = index[:limit]
	}
	return c.GetEntities(ctx, sessionID, index)
}

// ClearSession drops every cached entity, fingerprint and index for the
// session. Returns the number of keys removed.
func (c *EntityCache) ClearSession(ctx context.Context, sessionID string) (int, error) {
	return c.store.DeleteByPrefix(ctx, sessionPrefix(sessionID))
}

// pushRecent prepends newIDs to the per-type recency index, dropping
// duplicates and capping length.
func (c *EntityCache) pushRecent(ctx context.Context, sessionID, typ string, newIDs []string) error {
	var index []string
	if _, err := kv.GetJSON(ctx, c.store, recentKey(sessionID, typ), &index); err != nil {
		return err
	}

	seen := make(map[string]bool, len(newIDs)+len(index))
	merged := make([]string, 0, len(newIDs)+len(index))
	for _, id := range newIDs {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	for _, id := range index {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	if len(merged) > recentIndexCap {
		merged = merged[:recentIndexCap]
	}
	return kv.SetJSON(ctx, c.store, recentKey(sessionID, typ), merged, c.entityTTL)
}
