package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"tickdeck/internal/cache"
	"tickdeck/internal/domain"
	"tickdeck/internal/freshness"
)

// fakeProvider scripts upstream responses per call.
type fakeProvider struct {
	quotes     func() (domain.PriceSnapshot, error)
	candles    func(symbol string, r domain.Range) (domain.CandleSeries, error)
	quoteCalls atomic.Int64
}

func (f *fakeProvider) Quotes(_ context.Context, _ []string) (domain.PriceSnapshot, error) {
	f.quoteCalls.Add(1)
	return f.quotes()
}

func (f *fakeProvider) Candles(_ context.Context, symbol string, r domain.Range) (domain.CandleSeries, error) {
	return f.candles(symbol, r)
}

var testCfg = Config{
	Symbols:    []string{"BTC", "ETH"},
	PricesTTL:  freshness.TTL{Fresh: 60 * time.Second, Stale: 900 * time.Second},
	CandlesTTL: freshness.TTL{Fresh: 300 * time.Second, Stale: 3600 * time.Second},
}

func newTestGateway(p Provider) (*Gateway, *cache.Memory, *time.Time) {
	shared := cache.NewMemory()
	g := New(shared, p, testCfg, nil, slog.New(slog.DiscardHandler))
	clock := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return clock }
	return g, shared, &clock
}

func TestPricesColdFetch(t *testing.T) {
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		return domain.PriceSnapshot{"BTC": {Price: 50000}, "ETH": {Price: 3000}}, nil
	}}
	g, _, _ := newTestGateway(p)

	res, err := g.Prices(context.Background(), false)
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if res.IsStale {
		t.Error("fresh fetch must not be tagged stale")
	}
	if res.Value["BTC"].Price != 50000 {
		t.Errorf("Value = %+v", res.Value)
	}
}

func TestPricesFreshHitSkipsUpstream(t *testing.T) {
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		return domain.PriceSnapshot{"BTC": {Price: 50000}}, nil
	}}
	g, _, clock := newTestGateway(p)
	ctx := context.Background()

	if _, err := g.Prices(ctx, false); err != nil {
		t.Fatalf("seed fetch: %v", err)
	}

	*clock = clock.Add(30 * time.Second) // still fresh
	res, err := g.Prices(ctx, false)
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if res.IsStale {
		t.Error("fresh hit must not be stale")
	}
	if got := p.quoteCalls.Load(); got != 1 {
		t.Errorf("upstream called %d times, want 1 (fresh hit must not refetch)", got)
	}
}

func TestPricesStaleHitServedWithoutRefetch(t *testing.T) {
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		return domain.PriceSnapshot{"BTC": {Price: 50000}}, nil
	}}
	g, _, clock := newTestGateway(p)
	ctx := context.Background()

	g.Prices(ctx, false)
	*clock = clock.Add(120 * time.Second) // stale tier

	res, err := g.Prices(ctx, false)
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if !res.IsStale {
		t.Error("stale-tier hit must be tagged stale")
	}
	if res.Value["BTC"].Price != 50000 {
		t.Errorf("stale hit should return the cached value, got %+v", res.Value)
	}
	// Deciding to refresh is the caller's job, not the gateway's.
	if got := p.quoteCalls.Load(); got != 1 {
		t.Errorf("upstream called %d times, want 1", got)
	}
}

func TestPricesForceBypassesFreshHit(t *testing.T) {
	var price atomic.Int64
	price.Store(50000)
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		return domain.PriceSnapshot{"BTC": {Price: float64(price.Load())}}, nil
	}}
	g, _, _ := newTestGateway(p)
	ctx := context.Background()

	g.Prices(ctx, false)
	price.Store(51000)

	res, err := g.Prices(ctx, true)
	if err != nil {
		t.Fatalf("forced Prices: %v", err)
	}
	if res.Value["BTC"].Price != 51000 {
		t.Errorf("forced fetch should bypass the fresh entry, got %+v", res.Value)
	}
	if got := p.quoteCalls.Load(); got != 2 {
		t.Errorf("upstream called %d times, want 2", got)
	}
}

// A new batch response fully replaces the snapshot: symbols missing from the
// response disappear rather than blending with the old snapshot.
func TestFullSnapshotReplacement(t *testing.T) {
	responses := []domain.PriceSnapshot{
		{"BTC": {Price: 1}, "ETH": {Price: 2}},
		{"BTC": {Price: 3}},
	}
	idx := 0
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		snap := responses[idx]
		idx++
		return snap, nil
	}}
	g, _, clock := newTestGateway(p)
	ctx := context.Background()

	g.Prices(ctx, false)
	*clock = clock.Add(16 * time.Minute) // expire the first snapshot

	res, err := g.Prices(ctx, false)
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if res.Value["BTC"].Price != 3 {
		t.Errorf("BTC = %+v, want refreshed price", res.Value["BTC"])
	}
	if _, ok := res.Value["ETH"]; ok {
		t.Error("ETH must disappear: a partial response fully replaces the snapshot")
	}
}

// A stale shared entry plus an upstream rate limit yields the stale entry
// tagged stale, not an error.
func TestRateLimitServesStaleEntry(t *testing.T) {
	calls := 0
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		calls++
		if calls == 1 {
			return domain.PriceSnapshot{"BTC": {Price: 50000}}, nil
		}
		return nil, ErrRateLimited
	}}
	g, _, clock := newTestGateway(p)
	ctx := context.Background()

	g.Prices(ctx, false)
	*clock = clock.Add(16 * time.Minute) // entry now expired, upstream required

	res, err := g.Prices(ctx, false)
	if err != nil {
		t.Fatalf("rate-limited fetch with cache should not error: %v", err)
	}
	if !res.IsStale {
		t.Error("degraded result must be tagged stale")
	}
	if res.Value["BTC"].Price != 50000 {
		t.Errorf("degraded result should carry the cached value, got %+v", res.Value)
	}
}

// No shared entry plus a failing upstream is the only hard failure.
func TestNoEntryUpstreamFailure(t *testing.T) {
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		return nil, ErrUpstreamUnavailable
	}}
	g, _, _ := newTestGateway(p)

	_, err := g.Prices(context.Background(), false)
	if err == nil {
		t.Fatal("expected an error with no cache and failing upstream")
	}
	if !errors.Is(err, ErrNoData) {
		t.Errorf("error should wrap ErrNoData, got %v", err)
	}
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("error should preserve the cause, got %v", err)
	}
}

func TestNoEntryRateLimit(t *testing.T) {
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		return nil, ErrRateLimited
	}}
	g, _, _ := newTestGateway(p)

	_, err := g.Prices(context.Background(), false)
	if !errors.Is(err, ErrNoData) || !errors.Is(err, ErrRateLimited) {
		t.Errorf("error should wrap ErrNoData and ErrRateLimited, got %v", err)
	}
}

func TestCandlesRoundTrip(t *testing.T) {
	t0 := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{candles: func(symbol string, r domain.Range) (domain.CandleSeries, error) {
		return domain.CandleSeries{
			Symbol: symbol,
			Range:  r,
			Candles: []domain.Candle{
				{OpenTime: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5},
			},
		}, nil
	}}
	g, shared, _ := newTestGateway(p)
	ctx := context.Background()

	res, err := g.Candles(ctx, "BTC", domain.Range7D, false)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if res.IsStale || len(res.Value.Candles) != 1 {
		t.Errorf("Result = %+v", res)
	}

	// The fetch populated the shared cache under the series key.
	if _, ok, _ := shared.Get(ctx, domain.KeyCandles("BTC", domain.Range7D)); !ok {
		t.Error("candle fetch should populate the shared cache")
	}
}

// An expired entry still acts as the degraded fallback when the upstream
// fails, but is never served on the normal path.
func TestExpiredEntryOnlyServedOnFailure(t *testing.T) {
	calls := 0
	p := &fakeProvider{quotes: func() (domain.PriceSnapshot, error) {
		calls++
		switch calls {
		case 1:
			return domain.PriceSnapshot{"BTC": {Price: 50000}}, nil
		case 2:
			return domain.PriceSnapshot{"BTC": {Price: 60000}}, nil
		default:
			return nil, ErrUpstreamUnavailable
		}
	}}
	g, _, clock := newTestGateway(p)
	ctx := context.Background()

	g.Prices(ctx, false)
	*clock = clock.Add(16 * time.Minute)

	// Expired: the normal path refetches rather than serving the old entry.
	res, err := g.Prices(ctx, false)
	if err != nil || res.Value["BTC"].Price != 60000 {
		t.Fatalf("expired entry should trigger a refetch, got %+v, %v", res, err)
	}

	// Expire again; now the upstream fails and the old entry is the fallback.
	*clock = clock.Add(16 * time.Minute)
	res, err = g.Prices(ctx, false)
	if err != nil {
		t.Fatalf("degraded path should not error: %v", err)
	}
	if !res.IsStale || res.Value["BTC"].Price != 60000 {
		t.Errorf("degraded result = %+v", res)
	}
}
