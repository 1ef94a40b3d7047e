// Package orchestrator is the client-side control loop. For the currently
// selected (symbol, range) it consults the freshness store, decides which
// streams need a network round-trip, runs only those concurrently, and
// reconciles completions back into view state while discarding results that
// a newer selection has superseded.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tickdeck/internal/domain"
	"tickdeck/internal/freshness"
	"tickdeck/internal/gateway"
	"tickdeck/internal/store"
)

// Fetcher is the orchestrator's view of the data source. gateway.Gateway
// satisfies it in-process; the SDK client satisfies it against a remote
// server.
type Fetcher interface {
	Prices(ctx context.Context, force bool) (*gateway.Result[domain.PriceSnapshot], error)
	Candles(ctx context.Context, symbol string, r domain.Range, force bool) (*gateway.Result[domain.CandleSeries], error)
}

// Data provenance for the view's "last updated" indicator.
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

const (
	cachePrefix  = "cache:"
	selectionKey = "prefs:selection"
)

// ViewState is the UI-facing state of one client. Loading is the blocking
// cold-start indicator and is only ever set when neither stream had any
// cached value; Updating means cached data is painted while a refresh runs.
type ViewState struct {
	Selection   domain.Selection
	Snapshot    domain.PriceSnapshot
	Series      domain.CandleSeries
	LastUpdated time.Time
	Source      string
	Loading     bool
	Updating    bool
	Stale       bool
	Err         string
}

// Config carries the orchestrator's fixed parameters.
type Config struct {
	PricesTTL   freshness.TTL
	CandlesTTL  freshness.TTL
	SwitchQuiet time.Duration
	Selection   domain.Selection // initial selection; prefs override it

	// OnSnapshot runs after every snapshot commit, outside the state lock.
	OnSnapshot func(domain.PriceSnapshot)

	// OnChange runs after every view state change, outside the state lock.
	OnChange func(ViewState)
}

// LoadOptions parameterize one load cycle.
type LoadOptions struct {
	Force  bool
	Reason string
}

// Orchestrator runs the per-cycle load state machine.
type Orchestrator struct {
	fetcher Fetcher
	cache   *freshness.Store
	kv      store.KV
	cfg     Config
	log     *slog.Logger

	now func() time.Time

	mu       sync.Mutex
	state    ViewState
	debounce *time.Timer
}

// New creates an Orchestrator. A previously persisted selection overrides
// cfg.Selection so the client resumes where it left off.
func New(fetcher Fetcher, cache *freshness.Store, kv store.KV, cfg Config, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		fetcher: fetcher,
		cache:   cache,
		kv:      kv,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
	o.state.Selection = cfg.Selection
	if raw, ok, err := kv.Get(selectionKey); err == nil && ok {
		var sel domain.Selection
		if err := json.Unmarshal(raw, &sel); err == nil && sel.Symbol != "" {
			if _, rerr := domain.ParseRange(string(sel.Range)); rerr == nil {
				o.state.Selection = sel
			}
		}
	}
	return o
}

// State returns a copy of the current view state.
func (o *Orchestrator) State() ViewState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state
	st.Snapshot = o.state.Snapshot.Clone()
	return st
}

// Selection returns the active (symbol, range).
func (o *Orchestrator) Selection() domain.Selection {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Selection
}

// Load runs one load cycle for the current selection: serve what the
// freshness store has, fetch what it lacks, reconcile. It blocks until all
// needed fetches settle; callers that must not block run it on their own
// goroutine.
func (o *Orchestrator) Load(ctx context.Context, opts LoadOptions) {
	o.mu.Lock()
	sel := o.state.Selection
	o.mu.Unlock()
	o.load(ctx, sel, opts.Force, opts.Reason)
}

// Switch changes the active selection. It synchronously paints whatever the
// freshness store already holds for the new target (stale included), persists
// the preference, and schedules the network reconciliation after a quiet
// period so rapid toggling fires one fetch, not one per intermediate step.
func (o *Orchestrator) Switch(ctx context.Context, sel domain.Selection) {
	o.mu.Lock()
	if o.state.Selection == sel {
		o.mu.Unlock()
		return
	}
	o.state.Selection = sel

	var series domain.CandleSeries
	tier, writtenAt, ok := o.cache.GetInto(cachePrefix+domain.KeyCandles(sel.Symbol, sel.Range), o.cfg.CandlesTTL, &series)
	if ok {
		o.state.Series = series
		o.state.Stale = tier == freshness.Stale
		o.state.LastUpdated = writtenAt
		o.state.Source = SourceCache
	} else {
		// Nothing cached for the new target; never show the old target's series.
		o.state.Series = domain.CandleSeries{Symbol: sel.Symbol, Range: sel.Range}
	}
	o.state.Err = ""

	if raw, err := json.Marshal(sel); err == nil {
		if err := o.kv.Set(selectionKey, raw); err != nil {
			o.log.Warn("persisting selection", "error", err)
		}
	}

	// One pending debounce timer at a time; a newer switch supersedes it.
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.cfg.SwitchQuiet, func() {
		o.load(context.WithoutCancel(ctx), sel, false, "switch")
	})
	state := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(state)
}

// load is the per-cycle state machine for one (symbol, range) target.
func (o *Orchestrator) load(ctx context.Context, sel domain.Selection, force bool, reason string) {
	pricesKey := cachePrefix + domain.KeyPrices
	candlesKey := cachePrefix + domain.KeyCandles(sel.Symbol, sel.Range)

	var snap domain.PriceSnapshot
	pTier, pAt, pOK := o.cache.GetInto(pricesKey, o.cfg.PricesTTL, &snap)
	var series domain.CandleSeries
	cTier, cAt, cOK := o.cache.GetInto(candlesKey, o.cfg.CandlesTTL, &series)

	needPrices := force || !pOK || pTier == freshness.Stale
	needCandles := force || !cOK || cTier == freshness.Stale

	// A stale tier here means the gateway's shared entry is the same age and
	// would answer a plain call from its own cache without touching the
	// upstream. Revalidation must bypass that short-circuit; the gateway's
	// degraded fallback on upstream failure still applies.
	pForce := force || (pOK && pTier == freshness.Stale)
	cForce := force || (cOK && cTier == freshness.Stale)

	o.mu.Lock()
	if o.state.Selection != sel {
		o.mu.Unlock()
		return
	}
	var committed []domain.PriceSnapshot
	if pOK {
		o.state.Snapshot = snap
		committed = append(committed, snap.Clone())
	}
	if cOK {
		o.state.Series = series
	}
	if !needPrices && !needCandles {
		// Pure cache read with both streams fresh; last-updated reflects the
		// most recent of the two cache writes.
		o.state.Loading = false
		o.state.Updating = false
		o.state.Stale = false
		o.state.Err = ""
		o.state.Source = SourceCache
		o.state.LastUpdated = latest(pAt, cAt)
		state := o.snapshotLocked()
		o.mu.Unlock()
		o.afterCommit(state, committed)
		return
	}

	coldStart := !pOK && !cOK
	o.state.Loading = coldStart
	o.state.Updating = !coldStart
	o.state.Stale = pTier == freshness.Stale || cTier == freshness.Stale
	state := o.snapshotLocked()
	o.mu.Unlock()
	o.afterCommit(state, committed)

	o.log.Debug("load cycle",
		"reason", reason,
		"symbol", sel.Symbol, "range", sel.Range,
		"prices", pTier.String(), "candles", cTier.String(),
		"force", force)

	var (
		pRes *gateway.Result[domain.PriceSnapshot]
		pErr error
		cRes *gateway.Result[domain.CandleSeries]
		cErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	if needPrices {
		g.Go(func() error {
			pRes, pErr = o.fetcher.Prices(gctx, pForce)
			return nil
		})
	}
	if needCandles {
		g.Go(func() error {
			cRes, cErr = o.fetcher.Candles(gctx, sel.Symbol, sel.Range, cForce)
			return nil
		})
	}
	g.Wait()

	// Completed fetches land in the freshness store regardless of whether the
	// selection moved on; the data is there if the user comes back.
	if pRes != nil && !pRes.IsStale {
		o.cache.Put(pricesKey, pRes.Value)
	}
	if cRes != nil && !cRes.IsStale {
		o.cache.Put(candlesKey, cRes.Value)
	}

	o.mu.Lock()
	committed = nil
	current := o.state.Selection == sel

	anyStale := false
	var failure error

	if needPrices {
		switch {
		case pErr != nil:
			if o.state.Snapshot == nil {
				failure = pErr
			} else {
				anyStale = true
			}
		default:
			// The snapshot is selection-independent; commit even if the
			// selection moved while the fetch was in flight.
			o.state.Snapshot = pRes.Value
			committed = append(committed, pRes.Value.Clone())
			anyStale = anyStale || pRes.IsStale
		}
	}

	if needCandles && current {
		switch {
		case cErr != nil:
			if len(o.state.Series.Candles) == 0 {
				if failure == nil {
					failure = cErr
				}
			} else {
				anyStale = true
			}
		default:
			o.state.Series = cRes.Value
			anyStale = anyStale || cRes.IsStale
		}
	}

	if current {
		o.state.Loading = false
		o.state.Updating = false
		o.state.Stale = anyStale
		if failure != nil {
			o.state.Err = errMessage(failure)
		} else {
			o.state.Err = ""
			if !anyStale {
				o.state.LastUpdated = o.now()
				o.state.Source = SourceLive
			}
		}
	}
	state = o.snapshotLocked()
	o.mu.Unlock()

	o.afterCommit(state, committed)
	if !current {
		o.log.Debug("discarding superseded result", "symbol", sel.Symbol, "range", sel.Range)
	}
}

// snapshotLocked copies the state for delivery outside the lock.
func (o *Orchestrator) snapshotLocked() ViewState {
	st := o.state
	st.Snapshot = o.state.Snapshot.Clone()
	return st
}

func (o *Orchestrator) afterCommit(state ViewState, snapshots []domain.PriceSnapshot) {
	if o.cfg.OnSnapshot != nil {
		for _, snap := range snapshots {
			o.cfg.OnSnapshot(snap)
		}
	}
	o.notify(state)
}

func (o *Orchestrator) notify(state ViewState) {
	if o.cfg.OnChange != nil {
		o.cfg.OnChange(state)
	}
}

// errMessage turns a gateway failure into the user-visible error string.
func errMessage(err error) string {
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		return "rate limited by the data provider; will retry"
	case errors.Is(err, gateway.ErrNoData):
		return "no data available; check the connection"
	default:
		return "data source unavailable; will retry"
	}
}

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}
