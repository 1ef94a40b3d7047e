// Package store provides the durable key-value register backing the
// client-side namespaces (freshness cache, alert rules, preferences) and the
// parquet candle archive.
package store

import (
	"sort"
	"strings"
	"sync"
)

// KV is a flat key-value register. Values are opaque byte payloads (JSON in
// practice); writing a key overwrites it atomically. There is no per-key
// expiry; staleness is derived by readers from timestamps embedded in the
// payload.
type KV interface {
	// Get returns the value for key and whether it exists.
	Get(key string) ([]byte, bool, error)

	// Set overwrites the value for key.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error

	// Keys returns all keys with the given prefix, sorted.
	Keys(prefix string) ([]string, error)

	// Close releases any underlying resources.
	Close() error
}

// Compile-time interface check.
var _ KV = (*MemoryKV)(nil)

// MemoryKV is an in-memory KV with no persistence, used standalone in tests
// and as the fail-open fallback when the durable register cannot be opened.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMemoryKV creates an empty in-memory register.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: make(map[string][]byte)}
}

// Get returns the value for key and whether it exists.
func (s *MemoryKV) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set overwrites the value for key.
func (s *MemoryKV) Set(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *MemoryKV) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (s *MemoryKV) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the in-memory register.
func (s *MemoryKV) Close() error { return nil }
