// Package domain defines the core data types shared across tickdeck:
// price snapshots, candle series, alert rules, and the user's selection.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Prices
// ---------------------------------------------------------------------------

// Quote is the current state of a single tracked symbol.
type Quote struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"` // percent
	Change7d  float64 `json:"change7d"`  // percent
}

// PriceSnapshot maps a symbol to its current quote. A snapshot is always
// replaced as a whole unit; partial upstream responses must never be merged
// field-by-field into an older snapshot.
type PriceSnapshot map[string]Quote

// Clone returns a copy of the snapshot. The zero map clones to nil.
func (s PriceSnapshot) Clone() PriceSnapshot {
	if s == nil {
		return nil
	}
	out := make(PriceSnapshot, len(s))
	for sym, q := range s {
		out[sym] = q
	}
	return out
}

// ---------------------------------------------------------------------------
// Candles
// ---------------------------------------------------------------------------

// Candle is a single OHLC point.
type Candle struct {
	OpenTime time.Time `json:"openTime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
}

// CandleSeries is an ordered sequence of OHLC points for one (symbol, range),
// ascending by open time. A refetch overwrites the whole series.
type CandleSeries struct {
	Symbol  string   `json:"symbol"`
	Range   Range    `json:"range"`
	Candles []Candle `json:"candles"`
}

// Range identifies the historical window of a candle series.
type Range string

const (
	Range1D  Range = "1d"
	Range7D  Range = "7d"
	Range30D Range = "30d"
	Range90D Range = "90d"
	Range1Y  Range = "365d"
)

// Ranges lists all supported ranges in display order.
var Ranges = []Range{Range1D, Range7D, Range30D, Range90D, Range1Y}

// Days returns the window size in days.
func (r Range) Days() int {
	switch r {
	case Range1D:
		return 1
	case Range7D:
		return 7
	case Range30D:
		return 30
	case Range90D:
		return 90
	case Range1Y:
		return 365
	}
	return 0
}

// ParseRange converts a request string like "7d" into a Range.
func ParseRange(s string) (Range, error) {
	r := Range(strings.ToLower(s))
	if r.Days() == 0 {
		return "", fmt.Errorf("unknown range %q", s)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

// Condition is the direction of an alert threshold.
type Condition string

const (
	Above Condition = "above"
	Below Condition = "below"
)

// Met reports whether the condition holds for the given price and target.
// Both directions use inclusive comparison, so a rule targeting exactly the
// current price fires immediately.
func (c Condition) Met(price, target float64) bool {
	switch c {
	case Above:
		return price >= target
	case Below:
		return price <= target
	}
	return false
}

// ParseCondition converts a request string into a Condition.
func ParseCondition(s string) (Condition, error) {
	switch Condition(strings.ToLower(s)) {
	case Above:
		return Above, nil
	case Below:
		return Below, nil
	}
	return "", fmt.Errorf("unknown condition %q", s)
}

// AlertRule is a user-defined price threshold. Triggered is one-way: it is
// set by evaluation and reset only by deleting the rule or bulk-clearing
// triggered rules. A triggered rule never re-fires.
type AlertRule struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Target      float64    `json:"target"`
	Condition   Condition  `json:"condition"`
	CreatedAt   time.Time  `json:"createdAt"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggeredAt,omitempty"`
}

// ---------------------------------------------------------------------------
// Selection and cache keys
// ---------------------------------------------------------------------------

// Selection is the (symbol, range) pair the user is currently viewing. It is
// compared against the originating selection of every in-flight fetch when
// that fetch resolves; results for an abandoned selection are discarded.
type Selection struct {
	Symbol string `json:"symbol"`
	Range  Range  `json:"range"`
}

// KeyPrices is the cache key for the batch price snapshot.
const KeyPrices = "prices:all"

// KeyCandles returns the cache key for a per-symbol candle series.
func KeyCandles(symbol string, r Range) string {
	return "candles:" + strings.ToUpper(symbol) + ":" + string(r)
}
