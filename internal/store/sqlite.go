package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ KV = (*SQLiteKV)(nil)

// SQLiteKV is a KV register persisted to a SQLite database. All reads are
// served from an in-memory map loaded at open time; writes go to the map
// first and then best-effort to disk, so the in-memory path keeps working
// even when durable persistence fails mid-session. Rows that cannot be read
// at load time are skipped, never surfaced as errors.
type SQLiteKV struct {
	mu sync.RWMutex
	m  map[string][]byte
	db *sql.DB
}

// OpenSQLiteKV opens (or creates) the register at dbPath and loads all
// existing entries into memory.
func OpenSQLiteKV(dbPath string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite register: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating kv table: %w", err)
	}

	s := &SQLiteKV{m: make(map[string][]byte), db: db}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading kv table: %w", err)
	}
	return s, nil
}

func (s *SQLiteKV) load() error {
	rows, err := s.db.Query(`SELECT key, value FROM kv`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			// Unreadable row; treat as absent.
			continue
		}
		s.m[key] = value
	}
	return rows.Err()
}

// Get returns the value for key and whether it exists.
func (s *SQLiteKV) Get(key string) ([]byte, bool, error) {
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

// Set overwrites the value for key. The in-memory copy is updated even when
// the durable write fails; the error reports the persistence failure so the
// caller can log it.
func (s *SQLiteKV) Set(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, v); err != nil {
		return fmt.Errorf("persisting %s: %w", key, err)
	}
	return nil
}

// Delete removes key from memory and best-effort from disk.
func (s *SQLiteKV) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (s *SQLiteKV) Keys(prefix string) ([]string, error) {
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

// Close closes the underlying database.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
