package httpapi

import (
	"time"

	"tickdeck/internal/domain"
)

// QuoteDTO is one symbol's quote in the prices response.
type QuoteDTO struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Change7d  float64 `json:"change7d"`
}

// PricesResponse is the batch snapshot response.
type PricesResponse struct {
	Prices   map[string]QuoteDTO `json:"prices"`
	IsStale  bool                `json:"isStale"`
	CachedAt time.Time           `json:"cachedAt"`
}

// CandleDTO is one OHLC bar.
type CandleDTO struct {
	OpenTime time.Time `json:"openTime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
}

// CandlesResponse is the per-symbol series response.
type CandlesResponse struct {
	Symbol   string      `json:"symbol"`
	Range    string      `json:"range"`
	Candles  []CandleDTO `json:"candles"`
	IsStale  bool        `json:"isStale"`
	CachedAt time.Time   `json:"cachedAt"`
}

// AlertDTO is one alert rule in API responses.
type AlertDTO struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Target      float64    `json:"target"`
	Condition   string     `json:"condition"`
	CreatedAt   time.Time  `json:"createdAt"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggeredAt,omitempty"`
}

// AlertsResponse lists all rules.
type AlertsResponse struct {
	Alerts []AlertDTO `json:"alerts"`
}

// CreateAlertRequest is the POST /alerts body.
type CreateAlertRequest struct {
	Symbol    string  `json:"symbol"`
	Target    float64 `json:"target"`
	Condition string  `json:"condition"`
}

// SymbolsResponse lists the configured symbols.
type SymbolsResponse struct {
	Symbols []string `json:"symbols"`
}

func toQuoteDTOs(snap domain.PriceSnapshot) map[string]QuoteDTO {
	out := make(map[string]QuoteDTO, len(snap))
	for sym, q := range snap {
		out[sym] = QuoteDTO{Price: q.Price, Change24h: q.Change24h, Change7d: q.Change7d}
	}
	return out
}

func toCandleDTOs(candles []domain.Candle) []CandleDTO {
	out := make([]CandleDTO, len(candles))
	for i, c := range candles {
		out[i] = CandleDTO{OpenTime: c.OpenTime, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
	}
	return out
}

func toAlertDTO(r domain.AlertRule) AlertDTO {
	return AlertDTO{
		ID:          r.ID,
		Symbol:      r.Symbol,
		Target:      r.Target,
		Condition:   string(r.Condition),
		CreatedAt:   r.CreatedAt,
		Triggered:   r.Triggered,
		TriggeredAt: r.TriggeredAt,
	}
}
