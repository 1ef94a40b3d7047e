// Package freshness classifies cached entries into age tiers and provides
// the client-side store that persists them. An entry is FRESH while younger
// than the fresh threshold, STALE until the stale threshold (usable, but a
// refresh should run in the background), and EXPIRED afterwards (treated as a
// cache miss). The two-threshold model lets callers paint something
// immediately while revalidating invisibly instead of blocking on every poll.
package freshness

import (
	"encoding/json"
	"log/slog"
	"time"

	"tickdeck/internal/store"
)

// Tier is the age classification of a cached entry.
type Tier int

const (
	Fresh Tier = iota
	Stale
	Expired
)

// String returns the tier name for logging.
func (t Tier) String() string {
	switch t {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	}
	return "expired"
}

// TTL is a fresh/stale threshold pair for one cache kind. Fresh must be
// shorter than Stale; both are fixed per kind for the life of the process.
type TTL struct {
	Fresh time.Duration
	Stale time.Duration
}

// Classify derives the tier of an entry of the given age. The thresholds are
// half-open: an entry exactly at the fresh threshold is stale, and exactly at
// the stale threshold is expired.
func Classify(age time.Duration, ttl TTL) Tier {
	switch {
	case age < ttl.Fresh:
		return Fresh
	case age < ttl.Stale:
		return Stale
	default:
		return Expired
	}
}

// envelope is the persisted shape of one entry.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	WrittenAt time.Time       `json:"writtenAt"`
}

// Store is a freshness-aware wrapper over the durable key-value register.
// Reads never fail: malformed or unreadable entries are reported as absent,
// and persistence errors on write are swallowed (the register keeps the
// in-memory copy), so storage trouble degrades to "no cache", never to a
// crash or to corrupted data.
type Store struct {
	kv  store.KV
	log *slog.Logger
	now func() time.Time
}

// NewStore creates a Store over the given register.
func NewStore(kv store.KV, log *slog.Logger) *Store {
	return NewStoreWithClock(kv, log, time.Now)
}

// NewStoreWithClock creates a Store with an injected clock, for tests.
func NewStoreWithClock(kv store.KV, log *slog.Logger, now func() time.Time) *Store {
	return &Store{kv: kv, log: log, now: now}
}

// Get returns the raw value for key together with its tier and write time.
// Expired, absent, or unreadable entries return (nil, Expired, zero time).
func (s *Store) Get(key string, ttl TTL) (json.RawMessage, Tier, time.Time) {
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		s.log.Debug("cache read failed, treating as miss", "key", key, "error", err)
		return nil, Expired, time.Time{}
	}
	if !ok {
		return nil, Expired, time.Time{}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.WrittenAt.IsZero() {
		s.log.Debug("malformed cache entry, treating as miss", "key", key)
		return nil, Expired, time.Time{}
	}

	tier := Classify(s.now().Sub(env.WrittenAt), ttl)
	if tier == Expired {
		return nil, Expired, env.WrittenAt
	}
	return env.Value, tier, env.WrittenAt
}

// GetInto unmarshals the entry for key into v. It reports the tier, the
// write time, and whether a usable (non-expired, well-formed) value was
// decoded.
func (s *Store) GetInto(key string, ttl TTL, v any) (Tier, time.Time, bool) {
	raw, tier, writtenAt := s.Get(key, ttl)
	if raw == nil {
		return Expired, writtenAt, false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.log.Debug("undecodable cache entry, treating as miss", "key", key, "error", err)
		return Expired, writtenAt, false
	}
	return tier, writtenAt, true
}

// Put overwrites the entry for key with writtenAt = now. Failures to persist
// are swallowed: the in-memory path continues to function.
func (s *Store) Put(key string, v any) {
	value, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("marshalling cache entry", "key", key, "error", err)
		return
	}
	env, err := json.Marshal(envelope{Value: value, WrittenAt: s.now()})
	if err != nil {
		s.log.Warn("marshalling cache envelope", "key", key, "error", err)
		return
	}
	if err := s.kv.Set(key, env); err != nil {
		s.log.Warn("persisting cache entry", "key", key, "error", err)
	}
}

// Clear removes all entries whose key starts with prefix. It exists for full
// namespace resets; there is no per-key invalidation, expiry is time-based.
func (s *Store) Clear(prefix string) {
	keys, err := s.kv.Keys(prefix)
	if err != nil {
		s.log.Warn("listing cache keys", "prefix", prefix, "error", err)
		return
	}
	for _, k := range keys {
		if err := s.kv.Delete(k); err != nil {
			s.log.Warn("clearing cache entry", "key", k, "error", err)
		}
	}
}
