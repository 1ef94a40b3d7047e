package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"tickdeck/internal/cache"
	"tickdeck/internal/domain"
	"tickdeck/internal/freshness"
	"tickdeck/internal/gateway"
	"tickdeck/internal/store"
)

type fakeFetcher struct {
	mu             sync.Mutex
	snapshot       domain.PriceSnapshot
	pricesErr      error
	candlesErr     error
	blockCandle    chan struct{} // when non-nil, Candles waits until closed
	candleCalls    []domain.Selection
	priceCalls     int
	lastPriceForce bool
}

func (f *fakeFetcher) Prices(_ context.Context, force bool) (*gateway.Result[domain.PriceSnapshot], error) {
	f.mu.Lock()
	f.priceCalls++
	f.lastPriceForce = force
	snap, err := f.snapshot, f.pricesErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &gateway.Result[domain.PriceSnapshot]{Value: snap.Clone()}, nil
}

func (f *fakeFetcher) Candles(_ context.Context, symbol string, r domain.Range, _ bool) (*gateway.Result[domain.CandleSeries], error) {
	f.mu.Lock()
	f.candleCalls = append(f.candleCalls, domain.Selection{Symbol: symbol, Range: r})
	block, err := f.blockCandle, f.candlesErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &gateway.Result[domain.CandleSeries]{Value: domain.CandleSeries{
		Symbol:  symbol,
		Range:   r,
		Candles: []domain.Candle{{OpenTime: time.Now().UTC(), Close: 1}},
	}}, nil
}

func (f *fakeFetcher) candleTargets() []domain.Selection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Selection(nil), f.candleCalls...)
}

var testTTLs = struct{ prices, candles freshness.TTL }{
	prices:  freshness.TTL{Fresh: 60 * time.Second, Stale: 900 * time.Second},
	candles: freshness.TTL{Fresh: 300 * time.Second, Stale: 3600 * time.Second},
}

func newTestOrchestrator(t *testing.T, f Fetcher, quiet time.Duration) (*Orchestrator, *freshness.Store, store.KV, *time.Time) {
	t.Helper()
	kv := store.NewMemoryKV()
	clock := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	fs := freshness.NewStoreWithClock(kv, slog.New(slog.DiscardHandler), func() time.Time { return clock })
	o := New(f, fs, kv, Config{
		PricesTTL:   testTTLs.prices,
		CandlesTTL:  testTTLs.candles,
		SwitchQuiet: quiet,
		Selection:   domain.Selection{Symbol: "BTC", Range: domain.Range7D},
	}, slog.New(slog.DiscardHandler))
	return o, fs, kv, &clock
}

func TestLoadColdStart(t *testing.T) {
	f := &fakeFetcher{snapshot: domain.PriceSnapshot{"BTC": {Price: 50000}}}
	o, _, _, _ := newTestOrchestrator(t, f, time.Hour)

	var sawLoading bool
	o.cfg.OnChange = func(st ViewState) {
		if st.Loading {
			sawLoading = true
		}
	}

	o.Load(context.Background(), LoadOptions{Reason: "mount"})

	st := o.State()
	if !sawLoading {
		t.Error("pure cold start must show the loading indicator")
	}
	if st.Loading || st.Updating || st.Stale || st.Err != "" {
		t.Errorf("post-load state = %+v", st)
	}
	if st.Source != SourceLive {
		t.Errorf("Source = %q, want live", st.Source)
	}
	if st.Snapshot["BTC"].Price != 50000 {
		t.Errorf("Snapshot = %+v", st.Snapshot)
	}
	if st.Series.Symbol != "BTC" || len(st.Series.Candles) != 1 {
		t.Errorf("Series = %+v", st.Series)
	}
	if f.lastPriceForce {
		t.Error("an absent entry fetches plainly; only a stale tier forces past the gateway cache")
	}
}

func TestLoadFreshCacheSkipsFetch(t *testing.T) {
	f := &fakeFetcher{snapshot: domain.PriceSnapshot{"BTC": {Price: 50000}}}
	o, fs, _, clock := newTestOrchestrator(t, f, time.Hour)

	fs.Put("cache:"+domain.KeyPrices, domain.PriceSnapshot{"BTC": {Price: 49000}})
	*clock = clock.Add(10 * time.Second) // both still fresh, written apart
	fs.Put("cache:"+domain.KeyCandles("BTC", domain.Range7D), domain.CandleSeries{
		Symbol: "BTC", Range: domain.Range7D,
		Candles: []domain.Candle{{Close: 49000}},
	})

	o.Load(context.Background(), LoadOptions{Reason: "poll"})

	st := o.State()
	if f.priceCalls != 0 || len(f.candleTargets()) != 0 {
		t.Error("fresh cache must not trigger any fetch")
	}
	if st.Source != SourceCache {
		t.Errorf("Source = %q, want cache", st.Source)
	}
	if st.Snapshot["BTC"].Price != 49000 {
		t.Errorf("Snapshot = %+v", st.Snapshot)
	}
	if !st.LastUpdated.Equal(*clock) {
		t.Errorf("LastUpdated = %v, want the later cache write %v", st.LastUpdated, *clock)
	}
}

func TestLoadStaleCacheNeverShowsSpinner(t *testing.T) {
	f := &fakeFetcher{snapshot: domain.PriceSnapshot{"BTC": {Price: 50000}}}
	o, fs, _, clock := newTestOrchestrator(t, f, time.Hour)

	fs.Put("cache:"+domain.KeyPrices, domain.PriceSnapshot{"BTC": {Price: 49000}})
	fs.Put("cache:"+domain.KeyCandles("BTC", domain.Range7D), domain.CandleSeries{
		Symbol: "BTC", Range: domain.Range7D,
		Candles: []domain.Candle{{Close: 49000}},
	})
	*clock = clock.Add(10 * time.Minute) // prices stale, candles stale

	var sawLoading, sawUpdating bool
	o.cfg.OnChange = func(st ViewState) {
		if st.Loading {
			sawLoading = true
		}
		if st.Updating {
			sawUpdating = true
		}
	}

	o.Load(context.Background(), LoadOptions{Reason: "poll"})

	if sawLoading {
		t.Error("a stale cache must never show a blocking spinner")
	}
	if !sawUpdating {
		t.Error("a stale cache should show the updating indicator during refresh")
	}
	st := o.State()
	if st.Snapshot["BTC"].Price != 50000 {
		t.Errorf("refresh should land, Snapshot = %+v", st.Snapshot)
	}
	if f.priceCalls != 1 {
		t.Errorf("priceCalls = %d, want 1", f.priceCalls)
	}
	if !f.lastPriceForce {
		t.Error("a stale-tier entry must revalidate with force, or the gateway answers from its own stale copy")
	}
}

// A switch during an in-flight candle fetch discards that fetch's result from
// view state but still writes it to the freshness store.
func TestStaleSelectionDiscard(t *testing.T) {
	block := make(chan struct{})
	f := &fakeFetcher{
		snapshot:    domain.PriceSnapshot{"BTC": {Price: 50000}, "ETH": {Price: 3000}},
		blockCandle: block,
	}
	o, fs, _, _ := newTestOrchestrator(t, f, time.Hour)

	done := make(chan struct{})
	go func() {
		o.Load(context.Background(), LoadOptions{Reason: "mount"})
		close(done)
	}()

	// Wait for the BTC candle fetch to be in flight, then move on.
	for len(f.candleTargets()) == 0 {
		time.Sleep(time.Millisecond)
	}
	o.Switch(context.Background(), domain.Selection{Symbol: "ETH", Range: domain.Range7D})

	close(block)
	<-done

	st := o.State()
	if st.Series.Symbol != "ETH" {
		t.Errorf("Series.Symbol = %q, a superseded result must not overwrite view state", st.Series.Symbol)
	}
	if len(st.Series.Candles) != 0 {
		t.Errorf("Series = %+v, want the empty painted series for the new target", st.Series)
	}

	// The abandoned fetch still landed in the freshness store.
	var parked domain.CandleSeries
	if _, _, ok := fs.GetInto("cache:"+domain.KeyCandles("BTC", domain.Range7D), testTTLs.candles, &parked); !ok {
		t.Fatal("superseded result must still be written to the freshness store")
	}
	if parked.Symbol != "BTC" {
		t.Errorf("parked series = %+v", parked)
	}
}

// Rapid toggling within the quiet period fires one reconcile fetch, for the
// final target only.
func TestSwitchDebounce(t *testing.T) {
	f := &fakeFetcher{snapshot: domain.PriceSnapshot{"SOL": {Price: 150}}}
	o, _, _, _ := newTestOrchestrator(t, f, 40*time.Millisecond)

	ctx := context.Background()
	o.Switch(ctx, domain.Selection{Symbol: "ETH", Range: domain.Range7D})
	o.Switch(ctx, domain.Selection{Symbol: "SOL", Range: domain.Range30D})

	deadline := time.Now().Add(2 * time.Second)
	for len(f.candleTargets()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond) // room for a spurious second fire

	targets := f.candleTargets()
	if len(targets) != 1 {
		t.Fatalf("candle fetches = %v, want exactly one", targets)
	}
	if targets[0] != (domain.Selection{Symbol: "SOL", Range: domain.Range30D}) {
		t.Errorf("fetched %v, want the final target", targets[0])
	}
}

func TestSwitchPaintsCachedSeriesSynchronously(t *testing.T) {
	f := &fakeFetcher{snapshot: domain.PriceSnapshot{"ETH": {Price: 3000}}}
	o, fs, _, clock := newTestOrchestrator(t, f, time.Hour)

	fs.Put("cache:"+domain.KeyCandles("ETH", domain.Range7D), domain.CandleSeries{
		Symbol: "ETH", Range: domain.Range7D,
		Candles: []domain.Candle{{Close: 2900}},
	})
	*clock = clock.Add(10 * time.Minute) // stale but paintable

	o.Switch(context.Background(), domain.Selection{Symbol: "ETH", Range: domain.Range7D})

	st := o.State()
	if st.Series.Symbol != "ETH" || len(st.Series.Candles) != 1 {
		t.Errorf("Series = %+v, want the cached series painted immediately", st.Series)
	}
	if !st.Stale {
		t.Error("a stale paint must be flagged stale")
	}
	if got := len(f.candleTargets()); got != 0 {
		t.Errorf("switch fetched %d times before the quiet period", got)
	}
}

func TestSwitchPersistsSelection(t *testing.T) {
	f := &fakeFetcher{snapshot: domain.PriceSnapshot{}}
	o, fs, kv, _ := newTestOrchestrator(t, f, time.Hour)

	sel := domain.Selection{Symbol: "ETH", Range: domain.Range30D}
	o.Switch(context.Background(), sel)

	o2 := New(f, fs, kv, Config{
		PricesTTL:   testTTLs.prices,
		CandlesTTL:  testTTLs.candles,
		SwitchQuiet: time.Hour,
		Selection:   domain.Selection{Symbol: "BTC", Range: domain.Range7D},
	}, slog.New(slog.DiscardHandler))
	if got := o2.Selection(); got != sel {
		t.Errorf("restored selection = %v, want %v", got, sel)
	}
}

func TestLoadFailureWithoutCacheSurfacesError(t *testing.T) {
	f := &fakeFetcher{
		pricesErr:  fmt.Errorf("fetching prices: %w: %w", gateway.ErrNoData, gateway.ErrUpstreamUnavailable),
		candlesErr: fmt.Errorf("fetching candles: %w: %w", gateway.ErrNoData, gateway.ErrUpstreamUnavailable),
	}
	o, _, _, _ := newTestOrchestrator(t, f, time.Hour)

	o.Load(context.Background(), LoadOptions{Reason: "mount"})

	st := o.State()
	if st.Err == "" {
		t.Fatal("failure with no cache anywhere must surface a user-visible error")
	}
	if !strings.Contains(st.Err, "no data") {
		t.Errorf("Err = %q", st.Err)
	}
	if st.Loading || st.Updating {
		t.Errorf("indicators must clear after settle: %+v", st)
	}
}

func TestLoadFailureWithCacheIsSwallowed(t *testing.T) {
	f := &fakeFetcher{
		pricesErr:  fmt.Errorf("fetching prices: %w: %w", gateway.ErrNoData, gateway.ErrRateLimited),
		candlesErr: fmt.Errorf("fetching candles: %w: %w", gateway.ErrNoData, gateway.ErrRateLimited),
	}
	o, fs, _, clock := newTestOrchestrator(t, f, time.Hour)

	fs.Put("cache:"+domain.KeyPrices, domain.PriceSnapshot{"BTC": {Price: 49000}})
	fs.Put("cache:"+domain.KeyCandles("BTC", domain.Range7D), domain.CandleSeries{
		Symbol: "BTC", Range: domain.Range7D,
		Candles: []domain.Candle{{Close: 49000}},
	})
	*clock = clock.Add(10 * time.Minute)

	o.Load(context.Background(), LoadOptions{Reason: "poll"})

	st := o.State()
	if st.Err != "" {
		t.Errorf("failure with cached data must be swallowed, Err = %q", st.Err)
	}
	if !st.Stale {
		t.Error("view must stay flagged stale when the refresh failed")
	}
	if st.Snapshot["BTC"].Price != 49000 {
		t.Errorf("Snapshot = %+v", st.Snapshot)
	}
}

func TestSnapshotHookRunsOnCommit(t *testing.T) {
	f := &fakeFetcher{snapshot: domain.PriceSnapshot{"BTC": {Price: 50000}}}
	o, _, _, _ := newTestOrchestrator(t, f, time.Hour)

	var hooked []domain.PriceSnapshot
	o.cfg.OnSnapshot = func(snap domain.PriceSnapshot) { hooked = append(hooked, snap) }

	o.Load(context.Background(), LoadOptions{Reason: "mount"})

	if len(hooked) == 0 {
		t.Fatal("snapshot hook must run after a snapshot commit")
	}
	last := hooked[len(hooked)-1]
	if last["BTC"].Price != 50000 {
		t.Errorf("hooked snapshot = %+v", last)
	}
}

// ---

// countingProvider is a minimal upstream for wiring the orchestrator to a
// real in-process gateway.
type countingProvider struct {
	mu          sync.Mutex
	price       float64
	quoteCalls  int
	candleCalls int
}

func (p *countingProvider) Quotes(_ context.Context, symbols []string) (domain.PriceSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteCalls++
	snap := make(domain.PriceSnapshot, len(symbols))
	for _, s := range symbols {
		snap[s] = domain.Quote{Price: p.price}
	}
	return snap, nil
}

func (p *countingProvider) Candles(_ context.Context, symbol string, r domain.Range) (domain.CandleSeries, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candleCalls++
	return domain.CandleSeries{
		Symbol:  symbol,
		Range:   r,
		Candles: []domain.Candle{{OpenTime: time.Now().UTC(), Close: p.price}},
	}, nil
}

func (p *countingProvider) setPrice(v float64) {
	p.mu.Lock()
	p.price = v
	p.mu.Unlock()
}

func (p *countingProvider) counts() (quotes, candles int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quoteCalls, p.candleCalls
}

// Once both the client's freshness entry and the gateway's shared entry age
// into the stale tier, a poll must still reach the upstream. A plain call
// would be answered from the gateway's own stale copy and nothing would ever
// revalidate until full expiry.
func TestStaleTierPollRevalidatesUpstream(t *testing.T) {
	prov := &countingProvider{price: 50000}
	ttl := freshness.TTL{Fresh: 50 * time.Millisecond, Stale: 10 * time.Second}
	gw := gateway.New(cache.NewMemory(), prov, gateway.Config{
		Symbols:    []string{"BTC"},
		PricesTTL:  ttl,
		CandlesTTL: ttl,
	}, nil, slog.New(slog.DiscardHandler))

	kv := store.NewMemoryKV()
	fs := freshness.NewStore(kv, slog.New(slog.DiscardHandler))
	o := New(gw, fs, kv, Config{
		PricesTTL:   ttl,
		CandlesTTL:  ttl,
		SwitchQuiet: time.Hour,
		Selection:   domain.Selection{Symbol: "BTC", Range: domain.Range7D},
	}, slog.New(slog.DiscardHandler))

	o.Load(context.Background(), LoadOptions{Reason: "mount"})
	if q, c := prov.counts(); q != 1 || c != 1 {
		t.Fatalf("calls after mount = (%d, %d), want (1, 1)", q, c)
	}

	prov.setPrice(50001)
	time.Sleep(120 * time.Millisecond) // both entries age into the stale tier

	o.Load(context.Background(), LoadOptions{Reason: "poll"})

	if q, c := prov.counts(); q < 2 || c < 2 {
		t.Fatalf("calls after stale poll = (%d, %d), want >= (2, 2)", q, c)
	}
	st := o.State()
	if st.Snapshot["BTC"].Price != 50001 {
		t.Errorf("Snapshot = %+v, want the revalidated price", st.Snapshot)
	}
	if st.Stale {
		t.Error("a successful revalidation must clear the stale flag")
	}
	if st.Source != SourceLive {
		t.Errorf("Source = %q, want live", st.Source)
	}
	var snap domain.PriceSnapshot
	if tier, _, ok := fs.GetInto("cache:"+domain.KeyPrices, ttl, &snap); !ok || tier != freshness.Fresh {
		t.Errorf("freshness entry after revalidation: tier=%v ok=%v, want a fresh rewrite", tier, ok)
	}
}
