// Package alert owns price alert rules and their evaluation against each
// committed snapshot. Evaluation is idempotent: a triggered rule is marked
// one-way and never re-fires, and the notification side effect is keyed by
// rule ID so re-entry cannot duplicate it.
package alert

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickdeck/internal/domain"
	"tickdeck/internal/store"
)

const rulesKey = "alerts:rules"

// Store persists the full ordered rule list as one key-value entry. It loads
// at construction and flushes after every mutation; persistence failures are
// logged and swallowed so alerting keeps working in memory.
type Store struct {
	kv  store.KV
	log *slog.Logger
	now func() time.Time

	mu    sync.Mutex
	rules []domain.AlertRule
}

// NewStore creates a Store and loads any persisted rules. A malformed persisted
// list is discarded rather than crashing.
func NewStore(kv store.KV, log *slog.Logger) *Store {
	s := &Store{kv: kv, log: log, now: time.Now}
	raw, ok, err := kv.Get(rulesKey)
	if err != nil {
		log.Warn("loading alert rules", "error", err)
		return s
	}
	if ok {
		if err := json.Unmarshal(raw, &s.rules); err != nil {
			log.Warn("discarding malformed alert rules", "error", err)
			s.rules = nil
		}
	}
	return s
}

// List returns a copy of the rule list in creation order.
func (s *Store) List() []domain.AlertRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AlertRule(nil), s.rules...)
}

// Add appends a new rule and returns it with its assigned ID.
func (s *Store) Add(symbol string, target float64, cond domain.Condition) domain.AlertRule {
	rule := domain.AlertRule{
		ID:        uuid.NewString(),
		Symbol:    strings.ToUpper(symbol),
		Target:    target,
		Condition: cond,
		CreatedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.rules = append(s.rules, rule)
	s.flushLocked()
	s.mu.Unlock()
	return rule
}

// Remove deletes the rule with the given ID. It reports whether a rule was
// removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			s.flushLocked()
			return true
		}
	}
	return false
}

// ClearTriggered removes all triggered rules and returns how many were
// removed.
func (s *Store) ClearTriggered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rules[:0]
	removed := 0
	for _, r := range s.rules {
		if r.Triggered {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.rules = kept
	if removed > 0 {
		s.flushLocked()
	}
	return removed
}

func (s *Store) flushLocked() {
	raw, err := json.Marshal(s.rules)
	if err != nil {
		s.log.Warn("marshalling alert rules", "error", err)
		return
	}
	if err := s.kv.Set(rulesKey, raw); err != nil {
		s.log.Warn("persisting alert rules", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// Notifier receives exactly one call per fired rule.
type Notifier interface {
	Notify(rule domain.AlertRule, price float64)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(rule domain.AlertRule, price float64)

func (f NotifierFunc) Notify(rule domain.AlertRule, price float64) { f(rule, price) }

// LogNotifier writes fired alerts to the structured log.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(rule domain.AlertRule, price float64) {
	n.Log.Info("alert fired",
		"id", rule.ID,
		"symbol", rule.Symbol,
		"condition", rule.Condition,
		"target", rule.Target,
		"price", price)
}

// Evaluator checks rules against price snapshots.
type Evaluator struct {
	store    *Store
	notifier Notifier
	log      *slog.Logger
}

// NewEvaluator creates an Evaluator. notifier may be nil.
func NewEvaluator(store *Store, notifier Notifier, log *slog.Logger) *Evaluator {
	return &Evaluator{store: store, notifier: notifier, log: log}
}

// Evaluate runs every non-triggered rule against the snapshot and returns the
// rules that fired. Rules whose symbol is absent from the snapshot are
// skipped: no data yet is not a failure. Rule states are persisted once per
// call; each fired rule produces exactly one notification.
func (e *Evaluator) Evaluate(snap domain.PriceSnapshot) []domain.AlertRule {
	s := e.store
	s.mu.Lock()
	var fired []domain.AlertRule
	now := s.now().UTC()
	for i := range s.rules {
		rule := &s.rules[i]
		if rule.Triggered {
			continue
		}
		quote, ok := snap[rule.Symbol]
		if !ok {
			continue
		}
		if !rule.Condition.Met(quote.Price, rule.Target) {
			continue
		}
		rule.Triggered = true
		at := now
		rule.TriggeredAt = &at
		fired = append(fired, *rule)
	}
	if len(fired) > 0 {
		s.flushLocked()
	}
	s.mu.Unlock()

	if e.notifier != nil {
		for _, rule := range fired {
			e.notifier.Notify(rule, snap[rule.Symbol].Price)
		}
	}
	return fired
}
