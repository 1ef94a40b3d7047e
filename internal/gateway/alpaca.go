package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tickdeck/internal/config"
	"tickdeck/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// AlpacaProvider serves the provider contract from the Alpaca market-data
// API, for deployments tracking equities instead of a JSON quote API. Prices
// and change percentages are derived from daily bars: the latest close is the
// price, and the 24h/7d changes compare it against earlier closes in a
// trailing window.
type AlpacaProvider struct {
	client *marketdata.Client
	feed   string
	now    func() time.Time
}

// NewAlpacaProvider creates a provider from the Alpaca configuration.
func NewAlpacaProvider(cfg config.Alpaca) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return &AlpacaProvider{
		client: marketdata.NewClient(opts),
		feed:   cfg.Feed,
		now:    time.Now,
	}
}

// Quotes derives the batch snapshot from a trailing window of daily bars.
// The window is padded to twelve calendar days so weekends and holidays
// still leave enough trading days for the 7d comparison.
func (p *AlpacaProvider) Quotes(ctx context.Context, symbols []string) (domain.PriceSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	end := p.now()
	start := end.AddDate(0, 0, -12)

	multiBars, err := p.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      marketdata.Feed(p.feed),
	})
	if err != nil {
		return nil, classifyAlpacaErr("GetMultiBars", err)
	}
	if len(multiBars) == 0 {
		return nil, fmt.Errorf("empty bar response: %w", ErrUpstreamUnavailable)
	}

	snap := make(domain.PriceSnapshot, len(multiBars))
	for symbol, bars := range multiBars {
		if len(bars) == 0 {
			continue
		}
		sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

		last := bars[len(bars)-1]
		quote := domain.Quote{Price: last.Close}
		if len(bars) >= 2 {
			quote.Change24h = pctChange(bars[len(bars)-2].Close, last.Close)
		}
		quote.Change7d = pctChange(closeAtOrBefore(bars, last.Timestamp.AddDate(0, 0, -7)), last.Close)

		snap[strings.ToUpper(symbol)] = quote
	}
	if len(snap) == 0 {
		return nil, fmt.Errorf("bar response held no usable symbol: %w", ErrUpstreamUnavailable)
	}
	return snap, nil
}

// Candles fetches the OHLC series for one symbol. Intraday ranges use hourly
// bars; everything longer uses daily bars.
func (p *AlpacaProvider) Candles(ctx context.Context, symbol string, r domain.Range) (domain.CandleSeries, error) {
	if ctx.Err() != nil {
		return domain.CandleSeries{}, ctx.Err()
	}

	sym := strings.ToUpper(symbol)
	timeframe := marketdata.OneDay
	if r == domain.Range1D {
		timeframe = marketdata.OneHour
	}

	end := p.now()
	bars, err := p.client.GetBars(sym, marketdata.GetBarsRequest{
		TimeFrame: timeframe,
		Start:     end.AddDate(0, 0, -r.Days()),
		End:       end,
		Feed:      marketdata.Feed(p.feed),
	})
	if err != nil {
		return domain.CandleSeries{}, classifyAlpacaErr("GetBars", err)
	}
	if len(bars) == 0 {
		return domain.CandleSeries{}, fmt.Errorf("empty bar response for %s: %w", sym, ErrUpstreamUnavailable)
	}

	candles := make([]domain.Candle, 0, len(bars))
	for _, b := range bars {
		candles = append(candles, domain.Candle{
			OpenTime: b.Timestamp,
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })

	return domain.CandleSeries{Symbol: sym, Range: r, Candles: candles}, nil
}

// classifyAlpacaErr maps SDK errors onto the gateway taxonomy.
func classifyAlpacaErr(op string, err error) error {
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	}
	if strings.Contains(err.Error(), "429") {
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}

// closeAtOrBefore returns the close of the latest bar at or before cutoff,
// falling back to the earliest bar when the window has no older data.
func closeAtOrBefore(bars []marketdata.Bar, cutoff time.Time) float64 {
	best := bars[0].Close
	for _, b := range bars {
		if b.Timestamp.After(cutoff) {
			break
		}
		best = b.Close
	}
	return best
}

// pctChange returns the percent change from old to cur.
func pctChange(old, cur float64) float64 {
	if old == 0 {
		return 0
	}
	return (cur - old) / old * 100
}
