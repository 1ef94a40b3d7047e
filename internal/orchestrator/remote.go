package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"tickdeck/internal/domain"
	"tickdeck/internal/gateway"
	"tickdeck/pkg/tickdeck"
)

// RemoteFetcher adapts the SDK client to the Fetcher interface so the watch
// client can run against a tickdeck-server instead of calling the upstream
// provider directly.
type RemoteFetcher struct {
	client *tickdeck.Client
}

var _ Fetcher = (*RemoteFetcher)(nil)

// NewRemoteFetcher creates a RemoteFetcher over the given server URL.
func NewRemoteFetcher(serverURL string) *RemoteFetcher {
	return &RemoteFetcher{client: tickdeck.NewClient(serverURL)}
}

func (f *RemoteFetcher) Prices(ctx context.Context, force bool) (*gateway.Result[domain.PriceSnapshot], error) {
	resp, err := f.client.GetPrices(ctx, force)
	if err != nil {
		return nil, remapErr(err)
	}
	snap := make(domain.PriceSnapshot, len(resp.Prices))
	for sym, q := range resp.Prices {
		snap[sym] = domain.Quote{Price: q.Price, Change24h: q.Change24h, Change7d: q.Change7d}
	}
	return &gateway.Result[domain.PriceSnapshot]{
		Value:    snap,
		IsStale:  resp.IsStale,
		CachedAt: resp.CachedAt,
	}, nil
}

func (f *RemoteFetcher) Candles(ctx context.Context, symbol string, r domain.Range, force bool) (*gateway.Result[domain.CandleSeries], error) {
	resp, err := f.client.GetCandles(ctx, symbol, string(r), force)
	if err != nil {
		return nil, remapErr(err)
	}
	candles := make([]domain.Candle, len(resp.Candles))
	for i, c := range resp.Candles {
		candles[i] = domain.Candle{OpenTime: c.OpenTime, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
	}
	return &gateway.Result[domain.CandleSeries]{
		Value:    domain.CandleSeries{Symbol: resp.Symbol, Range: r, Candles: candles},
		IsStale:  resp.IsStale,
		CachedAt: resp.CachedAt,
	}, nil
}

// remapErr translates SDK sentinels into the gateway taxonomy the rest of
// the client branches on.
func remapErr(err error) error {
	switch {
	case errors.Is(err, tickdeck.ErrRateLimited):
		return fmt.Errorf("remote fetch: %w: %w", gateway.ErrNoData, gateway.ErrRateLimited)
	case errors.Is(err, tickdeck.ErrNoData):
		return fmt.Errorf("remote fetch: %w: %w", gateway.ErrNoData, gateway.ErrUpstreamUnavailable)
	default:
		return fmt.Errorf("remote fetch: %w: %w", gateway.ErrNoData, err)
	}
}
