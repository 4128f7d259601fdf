package store

import (
	"context"

	"driftwatch/internal/types"
)

// LookupFunc resolves a raw foreign-key value against the store, returning
// the persisted identifier or the empty string when no row matches.
type LookupFunc func(ctx context.Context, key string) (string, error)

// RefCache memoizes foreign-key resolutions for the duration of one batch.
// Rows in a batch overwhelmingly reference the same handful of sensors and
// stations, so the first resolution of each (field, key) pair hits the store
// and the rest are served from the cache.
//
// A RefCache is scoped to a single batch and a single goroutine. Concurrent
// batches each build their own.
type RefCache struct {
	entries map[string]map[string]string
}

// NewRefCache returns an empty cache.
func NewRefCache() *RefCache {
	return &RefCache{entries: make(map[string]map[string]string)}
}

// Resolve returns the persisted identifier for key under the named reference
// field, consulting lookup on a cache miss. A key that resolves to nothing is
// a hard error: the batch is built on a reference the store does not know,
// and writing it would corrupt the association graph.
func (rc *RefCache) Resolve(ctx context.Context, field, key string, lookup LookupFunc) (string, error) {
	if key == "" {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"reference key is empty",
			nil,
			map[string]any{"field": field},
		)
	}

	byKey, ok := rc.entries[field]
	if !ok {
		byKey = make(map[string]string)
		rc.entries[field] = byKey
	}
	if resolved, ok := byKey[key]; ok {
		return resolved, nil
	}

	resolved, err := lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeUnresolvedReference,
			"reference does not resolve to a stored row",
			nil,
			map[string]any{"field": field, "key": key},
		)
	}

	byKey[key] = resolved
	return resolved, nil
}

// Put seeds the cache with an already-known resolution, typically from rows
// the batch itself just created.
func (rc *RefCache) Put(field, key, resolved string) {
	byKey, ok := rc.entries[field]
	if !ok {
		byKey = make(map[string]string)
		rc.entries[field] = byKey
	}
	byKey[key] = resolved
}
