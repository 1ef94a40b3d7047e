// Package cache provides the server-side shared cache: one entry per cache
// key, visible to every request the server process handles. It shields the
// upstream provider from redundant calls and keeps the last good payload
// around so degraded data can be served on upstream failure.
//
// The cache is an explicit injected service, not an ambient singleton.
// Writers race with last-write-wins and no merge; that is acceptable because
// every write is a whole-payload replacement, so a slightly older payload
// winning briefly is tolerable and a partial write is impossible.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached payload plus the time the gateway fetched it. The
// gateway, not the backend, decides freshness from CachedAt.
type Entry struct {
	Payload  []byte    `json:"payload"`
	CachedAt time.Time `json:"cachedAt"`
}

// Shared is the cache contract. Backends never expire entries on their own
// within the staleness horizon: even an expired entry is worth keeping, since
// the gateway serves it as degraded data when the upstream is down.
type Shared interface {
	// Get returns the entry for key and whether one exists.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set overwrites the entry for key.
	Set(ctx context.Context, key string, e Entry) error
}

// Compile-time interface check.
var _ Shared = (*Memory)(nil)

// Memory is the in-process backend, the default for a single-process
// deployment.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Entry
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]Entry)}
}

// Get returns the entry for key and whether one exists.
func (c *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[key]
	if !ok {
		return Entry{}, false, nil
	}
	out := Entry{Payload: make([]byte, len(e.Payload)), CachedAt: e.CachedAt}
	copy(out.Payload, e.Payload)
	return out, true, nil
}

// Set overwrites the entry for key.
func (c *Memory) Set(_ context.Context, key string, e Entry) error {
	stored := Entry{Payload: make([]byte, len(e.Payload)), CachedAt: e.CachedAt}
	copy(stored.Payload, e.Payload)
	c.mu.Lock()
	c.m[key] = stored
	c.mu.Unlock()
	return nil
}
