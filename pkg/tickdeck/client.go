// Package tickdeck provides a Go SDK for the tickdeck-server API.
package tickdeck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors matching the server's failure mapping. A 429 from the
// server means the upstream data provider rate-limited it; a 502 means the
// server had neither cached nor live data.
var (
	ErrRateLimited = errors.New("rate limited")
	ErrNoData      = errors.New("no data available")
)

// Quote is one symbol's price and change percentages.
type Quote struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Change7d  float64 `json:"change7d"`
}

// Prices is the batch snapshot response.
type Prices struct {
	Prices   map[string]Quote `json:"prices"`
	IsStale  bool             `json:"isStale"`
	CachedAt time.Time        `json:"cachedAt"`
}

// Candle is one OHLC bar.
type Candle struct {
	OpenTime time.Time `json:"openTime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
}

// Candles is the per-symbol series response.
type Candles struct {
	Symbol   string    `json:"symbol"`
	Range    string    `json:"range"`
	Candles  []Candle  `json:"candles"`
	IsStale  bool      `json:"isStale"`
	CachedAt time.Time `json:"cachedAt"`
}

// Alert is one alert rule.
type Alert struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Target      float64    `json:"target"`
	Condition   string     `json:"condition"`
	CreatedAt   time.Time  `json:"createdAt"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggeredAt,omitempty"`
}

// Client provides a Go SDK for interacting with the tickdeck-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tickdeck API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetPrices retrieves the batch price snapshot.
func (c *Client) GetPrices(ctx context.Context, force bool) (*Prices, error) {
	u := c.baseURL + "/api/v1/prices"
	if force {
		u += "?force=true"
	}
	var out Prices
	if err := c.get(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCandles retrieves the candle series for one symbol and range
// ("1d", "7d", "30d", "90d", "365d").
func (c *Client) GetCandles(ctx context.Context, symbol, rng string, force bool) (*Candles, error) {
	u := c.baseURL + "/api/v1/candles/" + url.PathEscape(strings.ToUpper(symbol)) + "?range=" + url.QueryEscape(rng)
	if force {
		u += "&force=true"
	}
	var out Candles
	if err := c.get(ctx, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSymbols retrieves the server's configured symbol list.
func (c *Client) GetSymbols(ctx context.Context) ([]string, error) {
	var out struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.get(ctx, c.baseURL+"/api/v1/symbols", &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// ListAlerts retrieves all server-hosted alert rules.
func (c *Client) ListAlerts(ctx context.Context) ([]Alert, error) {
	var out struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := c.get(ctx, c.baseURL+"/api/v1/alerts", &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// CreateAlert creates a server-hosted alert rule. condition is "above" or
// "below".
func (c *Client) CreateAlert(ctx context.Context, symbol string, target float64, condition string) (*Alert, error) {
	body, err := json.Marshal(map[string]any{
		"symbol":    symbol,
		"target":    target,
		"condition": condition,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/alerts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, statusError(resp.StatusCode)
	}

	var out Alert
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// DeleteAlert removes one alert rule by ID.
func (c *Client) DeleteAlert(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/alerts/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp.StatusCode)
	}
	return nil
}

// ClearTriggeredAlerts removes all triggered rules and returns how many were
// removed.
func (c *Client) ClearTriggeredAlerts(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/alerts/triggered", nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp.StatusCode)
	}

	var out map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}
	return out["removed"], nil
}

func (c *Client) get(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("server returned 429: %w", ErrRateLimited)
	case http.StatusBadGateway:
		return fmt.Errorf("server returned 502: %w", ErrNoData)
	default:
		return fmt.Errorf("server returned status %d", code)
	}
}
