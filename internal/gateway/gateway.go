// Package gateway is the boundary between tickdeck and the upstream market
// data provider. It owns the server-side shared cache and exposes a
// stale-tolerant contract: callers get the best-known data plus a staleness
// flag instead of hard failures, and an error surfaces only when neither the
// cache nor the upstream can produce anything.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"tickdeck/internal/cache"
	"tickdeck/internal/domain"
	"tickdeck/internal/freshness"
	"tickdeck/internal/store"
)

// Result is a fetched or cached payload. IsStale is true whenever the value
// did not come from a successful upstream call in this request: a stale-tier
// cache hit, or any cached payload served because the upstream failed. The
// caller decides whether a stale result warrants a background refresh; the
// gateway stays stateless about why it was called.
type Result[T any] struct {
	Value    T
	IsStale  bool
	CachedAt time.Time
}

// Config carries the gateway's fixed parameters.
type Config struct {
	Symbols    []string
	PricesTTL  freshness.TTL
	CandlesTTL freshness.TTL
}

// Gateway resolves price and candle requests against the shared cache and
// the upstream provider. Concurrent identical requests are collapsed into a
// single upstream call.
type Gateway struct {
	shared   cache.Shared
	provider Provider
	cfg      Config
	archive  store.CandleArchive // nil disables archiving
	group    singleflight.Group
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Gateway. archive may be nil.
func New(shared cache.Shared, provider Provider, cfg Config, archive store.CandleArchive, log *slog.Logger) *Gateway {
	return &Gateway{
		shared:   shared,
		provider: provider,
		cfg:      cfg,
		archive:  archive,
		log:      log,
		now:      time.Now,
	}
}

// Prices returns the batch snapshot for all configured symbols.
func (g *Gateway) Prices(ctx context.Context, force bool) (*Result[domain.PriceSnapshot], error) {
	return resolve(ctx, g, domain.KeyPrices, g.cfg.PricesTTL, force,
		func(ctx context.Context) (domain.PriceSnapshot, error) {
			return g.provider.Quotes(ctx, g.cfg.Symbols)
		})
}

// Candles returns the series for one (symbol, range).
func (g *Gateway) Candles(ctx context.Context, symbol string, r domain.Range, force bool) (*Result[domain.CandleSeries], error) {
	return resolve(ctx, g, domain.KeyCandles(symbol, r), g.cfg.CandlesTTL, force,
		func(ctx context.Context) (domain.CandleSeries, error) {
			series, err := g.provider.Candles(ctx, symbol, r)
			if err != nil {
				return series, err
			}
			if g.archive != nil {
				if aerr := g.archive.WriteSeries(series); aerr != nil {
					g.log.Warn("archiving candles", "symbol", symbol, "range", r, "error", aerr)
				}
			}
			return series, nil
		})
}

// resolve runs the freshness decision table for one cache key:
//
//	fresh entry, not forced  → serve it, no upstream call
//	stale entry, not forced  → serve it tagged stale, no upstream call
//	expired / absent / forced → call upstream
//	  success                → full-payload cache write, serve fresh
//	  failure, any entry     → serve the entry tagged stale
//	  failure, no entry      → error (wrapping ErrNoData)
func resolve[T any](ctx context.Context, g *Gateway, key string, ttl freshness.TTL, force bool, call func(context.Context) (T, error)) (*Result[T], error) {
	sfKey := key
	if force {
		sfKey += ":force"
	}

	v, err, _ := g.group.Do(sfKey, func() (any, error) {
		ent, ok, cerr := g.shared.Get(ctx, key)
		if cerr != nil {
			// Cache trouble is never fatal; treat as a miss.
			g.log.Warn("shared cache read", "key", key, "error", cerr)
			ok = false
		}

		if ok && !force {
			switch freshness.Classify(g.now().Sub(ent.CachedAt), ttl) {
			case freshness.Fresh:
				if res, good := decodeEntry[T](ent, false); good {
					return res, nil
				}
				ok = false
			case freshness.Stale:
				if res, good := decodeEntry[T](ent, true); good {
					return res, nil
				}
				ok = false
			}
			// Expired entries fall through to the upstream but stay eligible
			// for the degraded path below.
		}

		val, ferr := call(ctx)
		if ferr != nil {
			if ok {
				if res, good := decodeEntry[T](ent, true); good {
					g.log.Warn("upstream failed, serving cached payload", "key", key, "error", ferr)
					return res, nil
				}
			}
			return nil, fmt.Errorf("fetching %s: %w: %w", key, ErrNoData, ferr)
		}

		payload, merr := json.Marshal(val)
		if merr != nil {
			return nil, fmt.Errorf("encoding %s: %w", key, merr)
		}
		now := g.now()
		// The write replaces the whole payload or does not happen at all; a
		// subset can never blend into an older snapshot.
		if serr := g.shared.Set(ctx, key, cache.Entry{Payload: payload, CachedAt: now}); serr != nil {
			g.log.Warn("shared cache write", "key", key, "error", serr)
		}
		return &Result[T]{Value: val, IsStale: false, CachedAt: now}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result[T]), nil
}

// decodeEntry unmarshals a cached payload. An undecodable entry reports
// false so callers treat it as absent rather than serving corrupt data.
func decodeEntry[T any](e cache.Entry, stale bool) (*Result[T], bool) {
	var val T
	if err := json.Unmarshal(e.Payload, &val); err != nil {
		return nil, false
	}
	return &Result[T]{Value: val, IsStale: stale, CachedAt: e.CachedAt}, true
}
