package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"tickdeck/internal/config"
	"tickdeck/internal/domain"
	"tickdeck/internal/util"
)

// Provider fetches normalized market data from an upstream source. Both
// operations must distinguish three outcomes: success, rate limit
// (ErrRateLimited), and any other failure (ErrUpstreamUnavailable).
type Provider interface {
	// Quotes returns the batch snapshot for the given symbols in one call.
	Quotes(ctx context.Context, symbols []string) (domain.PriceSnapshot, error)

	// Candles returns the OHLC series for one symbol over the given range,
	// ascending by open time.
	Candles(ctx context.Context, symbol string, r domain.Range) (domain.CandleSeries, error)
}

// Compile-time interface check.
var _ Provider = (*CoinGeckoProvider)(nil)

// CoinGeckoProvider fetches quotes and OHLC candles from a CoinGecko-style
// JSON API. Outbound calls are shaped by a token-bucket rate limiter so the
// server never provokes the upstream limit on its own.
type CoinGeckoProvider struct {
	baseURL    string
	vsCurrency string
	client     *http.Client
	limiter    *util.RateLimiter

	idBySymbol map[string]string
	symbolByID map[string]string
}

// NewCoinGeckoProvider creates a provider from the upstream configuration and
// the configured symbol↔id mapping.
func NewCoinGeckoProvider(cfg config.Upstream, symbols []config.SymbolConfig) *CoinGeckoProvider {
	p := &CoinGeckoProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		vsCurrency: cfg.VSCurrency,
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:    util.NewRateLimiter(cfg.RateLimitPerMin),
		idBySymbol: make(map[string]string, len(symbols)),
		symbolByID: make(map[string]string, len(symbols)),
	}
	for _, s := range symbols {
		sym := strings.ToUpper(s.Symbol)
		p.idBySymbol[sym] = s.ID
		p.symbolByID[s.ID] = sym
	}
	return p
}

// marketRow is the wire shape of one /coins/markets entry.
type marketRow struct {
	ID           string   `json:"id"`
	CurrentPrice float64  `json:"current_price"`
	Change24h    float64  `json:"price_change_percentage_24h"`
	Change7d     *float64 `json:"price_change_percentage_7d_in_currency"`
}

// Quotes fetches the batch snapshot via GET /coins/markets.
func (p *CoinGeckoProvider) Quotes(ctx context.Context, symbols []string) (domain.PriceSnapshot, error) {
	ids := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if id, ok := p.idBySymbol[strings.ToUpper(sym)]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no upstream ids for symbols %v: %w", symbols, ErrUpstreamUnavailable)
	}
	sort.Strings(ids)

	q := url.Values{}
	q.Set("vs_currency", p.vsCurrency)
	q.Set("ids", strings.Join(ids, ","))
	q.Set("price_change_percentage", "24h,7d")
	u := p.baseURL + "/coins/markets?" + q.Encode()

	var rows []marketRow
	if err := p.getJSON(ctx, u, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty market response: %w", ErrUpstreamUnavailable)
	}

	snap := make(domain.PriceSnapshot, len(rows))
	for _, row := range rows {
		sym, ok := p.symbolByID[row.ID]
		if !ok {
			continue
		}
		quote := domain.Quote{Price: row.CurrentPrice, Change24h: row.Change24h}
		if row.Change7d != nil {
			quote.Change7d = *row.Change7d
		}
		snap[sym] = quote
	}
	if len(snap) == 0 {
		return nil, fmt.Errorf("market response matched no configured symbol: %w", ErrUpstreamUnavailable)
	}
	return snap, nil
}

// Candles fetches the OHLC series via GET /coins/{id}/ohlc. The wire shape is
// an array of [unix_ms, open, high, low, close] rows.
func (p *CoinGeckoProvider) Candles(ctx context.Context, symbol string, r domain.Range) (domain.CandleSeries, error) {
	sym := strings.ToUpper(symbol)
	id, ok := p.idBySymbol[sym]
	if !ok {
		return domain.CandleSeries{}, fmt.Errorf("no upstream id for symbol %q: %w", symbol, ErrUpstreamUnavailable)
	}

	u := p.baseURL + "/coins/" + url.PathEscape(id) + "/ohlc?vs_currency=" + url.QueryEscape(p.vsCurrency) +
		"&days=" + strconv.Itoa(r.Days())

	var rows [][]float64
	if err := p.getJSON(ctx, u, &rows); err != nil {
		return domain.CandleSeries{}, err
	}
	if len(rows) == 0 {
		return domain.CandleSeries{}, fmt.Errorf("empty ohlc response for %s: %w", sym, ErrUpstreamUnavailable)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			return domain.CandleSeries{}, fmt.Errorf("malformed ohlc row for %s: %w", sym, ErrUpstreamUnavailable)
		}
		candles = append(candles, domain.Candle{
			OpenTime: time.UnixMilli(int64(row[0])).UTC(),
			Open:     row[1],
			High:     row[2],
			Low:      row[3],
			Close:    row[4],
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })

	return domain.CandleSeries{Symbol: sym, Range: r, Candles: candles}, nil
}

// getJSON performs one rate-limited GET and decodes the body, mapping the
// three upstream outcomes onto the gateway error taxonomy.
func (p *CoinGeckoProvider) getJSON(ctx context.Context, u string, v any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling upstream: %w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("upstream returned 429: %w", ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("upstream returned %d: %w", resp.StatusCode, ErrUpstreamUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding upstream body: %w: %w", ErrUpstreamUnavailable, err)
	}
	return nil
}
