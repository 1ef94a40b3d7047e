// Package httpapi exposes the gateway and the server-hosted alert rules over
// HTTP JSON. Stale results are successes: they come back 200 with isStale set
// and the caller decides what to do about it. Hard failures map rate limits
// to 429 and everything else upstream to 502.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"tickdeck/internal/alert"
	"tickdeck/internal/domain"
	"tickdeck/internal/gateway"
)

// Server hosts the market data API.
type Server struct {
	gw        *gateway.Gateway
	alerts    *alert.Store
	evaluator *alert.Evaluator
	symbols   []string
	log       *slog.Logger
}

// NewServer creates a Server. alerts and evaluator may be nil when the
// deployment keeps rules client-side only.
func NewServer(gw *gateway.Gateway, alerts *alert.Store, evaluator *alert.Evaluator, symbols []string, log *slog.Logger) *Server {
	return &Server{gw: gw, alerts: alerts, evaluator: evaluator, symbols: symbols, log: log}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/prices", s.handlePrices)
	mux.HandleFunc("GET /api/v1/candles/{symbol}", s.handleCandles)
	mux.HandleFunc("GET /api/v1/symbols", s.handleSymbols)
	if s.alerts != nil {
		mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
		mux.HandleFunc("POST /api/v1/alerts", s.handleCreateAlert)
		mux.HandleFunc("DELETE /api/v1/alerts/triggered", s.handleClearTriggered)
		mux.HandleFunc("DELETE /api/v1/alerts/{id}", s.handleDeleteAlert)
	}
	return corsMiddleware(mux)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	res, err := s.gw.Prices(r.Context(), force)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}

	if s.evaluator != nil && !res.IsStale {
		s.evaluator.Evaluate(res.Value)
	}

	writeJSON(w, PricesResponse{
		Prices:   toQuoteDTOs(res.Value),
		IsStale:  res.IsStale,
		CachedAt: res.CachedAt,
	})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	rng, err := domain.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	force := r.URL.Query().Get("force") == "true"

	res, err := s.gw.Candles(r.Context(), symbol, rng, force)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}

	writeJSON(w, CandlesResponse{
		Symbol:   res.Value.Symbol,
		Range:    string(res.Value.Range),
		Candles:  toCandleDTOs(res.Value.Candles),
		IsStale:  res.IsStale,
		CachedAt: res.CachedAt,
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, SymbolsResponse{Symbols: s.symbols})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	rules := s.alerts.List()
	out := make([]AlertDTO, len(rules))
	for i, rule := range rules {
		out[i] = toAlertDTO(rule)
	}
	writeJSON(w, AlertsResponse{Alerts: out})
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Target <= 0 {
		writeError(w, http.StatusBadRequest, "target must be positive")
		return
	}
	cond, err := domain.ParseCondition(req.Condition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rule := s.alerts.Add(req.Symbol, req.Target, cond)
	s.log.Info("alert rule created", "id", rule.ID, "symbol", rule.Symbol, "condition", rule.Condition, "target", rule.Target)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toAlertDTO(rule)); err != nil {
		s.log.Error("encoding JSON response", "error", err)
	}
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.alerts.Remove(id) {
		writeError(w, http.StatusNotFound, "no such alert")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearTriggered(w http.ResponseWriter, _ *http.Request) {
	n := s.alerts.ClearTriggered()
	writeJSON(w, map[string]int{"removed": n})
}

// writeFetchError maps the gateway error taxonomy onto HTTP statuses. These
// only occur when neither the cache nor the upstream produced anything.
func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	s.log.Warn("fetch failed", "error", err)
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited by the data provider")
	default:
		writeError(w, http.StatusBadGateway, "no data available")
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
