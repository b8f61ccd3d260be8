package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"trade-agent-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// ExecutionLister reads stored execution history.
type ExecutionLister interface {
	List(ctx context.Context, opts models.ListOptions) ([]models.ExecutionRecord, error)
}

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log   *zap.Logger
	store ExecutionLister
	now   func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, store ExecutionLister) *APIHandler {
	return &APIHandler{log: log, store: store, now: time.Now}
}

// StatusHandler reports whether the history database is reachable.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.List(r.Context(), models.ListOptions{Limit: 1}); err != nil {
		h.log.Error("History database unreachable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ExecutionsHandler returns stored executions, newest first unless ?order=asc.
// ?sort selects the sort field and ?limit caps the page size.
func (h *APIHandler) ExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxPageSize)
	}

	execs, err := h.store.List(r.Context(), models.ListOptions{
		SortField:  q.Get("sort"),
		Descending: q.Get("order") != "asc",
		Limit:      limit,
	})
	if err != nil {
		h.log.Error("Failed to get executions from database", zap.Error(err))
		http.Error(w, "Failed to get executions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	FailedTrades     int64           `json:"failed_trades"`
	WinRate          float64         `json:"win_rate"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	TotalGasUsed     decimal.Decimal `json:"total_gas_used"`
}

func (s *StatsDetail) add(rec models.ExecutionRecord) {
	s.TotalTrades++
	if rec.Status == models.StatusFailed {
		s.FailedTrades++
	}
	if rec.ProfitRealized != nil {
		if rec.ProfitRealized.IsPositive() {
			s.ProfitableTrades++
		}
		s.TotalProfit = s.TotalProfit.Add(*rec.ProfitRealized)
	}
	if rec.GasUsed != nil {
		s.TotalGasUsed = s.TotalGasUsed.Add(*rec.GasUsed)
	}
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// statsQuery selects the terminal trade records statistics are built from.
var statsQuery = models.ListOptions{
	Descending:     true,
	ExecutionTypes: []models.ExecutionType{models.ExecutionTrade, models.ExecutionFlashloanTrade},
	Statuses:       []models.ExecutionStatus{models.StatusCompleted, models.StatusFailed},
}

// StatisticsHandler calculates and returns trading statistics over executed
// trades. Attempts the safety gate rejected are not counted, matching the
// engine's daily stats.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	execs, err := h.store.List(r.Context(), statsQuery)
	if err != nil {
		h.log.Error("Failed to get executions for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := h.now().Add(-24 * time.Hour)
	var resp StatisticsResponse
	for _, rec := range execs {
		if !rec.CountsAsTrade() {
			continue
		}
		resp.AllTime.add(rec)
		if rec.CreatedAt.After(since24h) {
			resp.Since24h.add(rec)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
