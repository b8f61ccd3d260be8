package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExecutionType classifies what produced an execution record.
type ExecutionType string

const (
	ExecutionScan           ExecutionType = "scan"
	ExecutionTrade          ExecutionType = "trade"
	ExecutionFlashloanTrade ExecutionType = "flashloan_trade"
	ExecutionAlert          ExecutionType = "alert"
	ExecutionError          ExecutionType = "error"
)

// ExecutionStatus is the lifecycle status of an execution record.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusExecuting ExecutionStatus = "executing"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// TempIDPrefix marks ids handed out before storage confirmed a record.
const TempIDPrefix = "temp_"

// ExecutionRecord is the outcome of one scan, trade attempt, alert or error.
// The canonical projection holds only the durable fields; the broadcast
// projection additionally carries ClientID and ClientTimestamp.
type ExecutionRecord struct {
	ID              string           `json:"id,omitempty"`
	StrategyType    string           `json:"strategy_type"`
	ExecutionType   ExecutionType    `json:"execution_type"`
	Status          ExecutionStatus  `json:"status"`
	Details         map[string]any   `json:"details,omitempty"`
	ProfitRealized  *decimal.Decimal `json:"profit_realized,omitempty"`
	GasUsed         *decimal.Decimal `json:"gas_used,omitempty"`
	ExecutionTimeMs *int64           `json:"execution_time_ms,omitempty"`
	ErrorMessage    *string          `json:"error_message,omitempty"`
	CreatedAt       time.Time        `json:"created_at,omitempty"`

	ClientID        string    `json:"client_id,omitempty"`
	ClientTimestamp time.Time `json:"client_timestamp,omitempty"`
}

// NewExecutionRecord creates a broadcast record with a fresh client id.
func NewExecutionRecord(strategy string, execType ExecutionType, status ExecutionStatus, details map[string]any) ExecutionRecord {
	return ExecutionRecord{
		StrategyType:    strategy,
		ExecutionType:   execType,
		Status:          status,
		Details:         details,
		ClientID:        uuid.NewString(),
		ClientTimestamp: time.Now().UTC(),
	}
}

// Canonical strips the client-only fields and any temporary id.
func (r ExecutionRecord) Canonical() ExecutionRecord {
	c := r.Clone()
	if strings.HasPrefix(c.ID, TempIDPrefix) {
		c.ID = ""
	}
	c.ClientID = ""
	c.ClientTimestamp = time.Time{}
	return c
}

// IsDurable reports whether storage assigned the record's id.
func (r ExecutionRecord) IsDurable() bool {
	return r.ID != "" && !strings.HasPrefix(r.ID, TempIDPrefix)
}

// IsTerminal reports whether the record reached completed or failed.
func (r ExecutionRecord) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// DetailExecuted is the details key recording whether a trade attempt reached
// the executor. Attempts rejected while planning or by the safety gate carry false.
const DetailExecuted = "executed"

// IsTradeType reports whether t is one of the trade execution types.
func IsTradeType(t ExecutionType) bool {
	return t == ExecutionTrade || t == ExecutionFlashloanTrade
}

// CountsAsTrade reports whether r is a terminal trade that reached the
// executor. Records without the executed marker count.
func (r ExecutionRecord) CountsAsTrade() bool {
	if !IsTradeType(r.ExecutionType) || !r.IsTerminal() {
		return false
	}
	executed, ok := r.Details[DetailExecuted].(bool)
	return !ok || executed
}

// Clone returns a copy that shares no mutable memory with r.
func (r ExecutionRecord) Clone() ExecutionRecord {
	c := r
	if r.Details != nil {
		c.Details = copyMap(r.Details)
	}
	if r.ProfitRealized != nil {
		v := *r.ProfitRealized
		c.ProfitRealized = &v
	}
	if r.GasUsed != nil {
		v := *r.GasUsed
		c.GasUsed = &v
	}
	if r.ExecutionTimeMs != nil {
		v := *r.ExecutionTimeMs
		c.ExecutionTimeMs = &v
	}
	if r.ErrorMessage != nil {
		v := *r.ErrorMessage
		c.ErrorMessage = &v
	}
	return c
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue copies the JSON-shaped containers a details value can hold.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// WithError returns a copy of r marked failed with msg.
func (r ExecutionRecord) WithError(msg string) ExecutionRecord {
	c := r.Clone()
	c.Status = StatusFailed
	c.ErrorMessage = &msg
	return c
}

// ListOptions controls bulk reads from the storage collaborator.
// Empty filters match every record.
type ListOptions struct {
	SortField      string
	Descending     bool
	Limit          int
	ExecutionTypes []ExecutionType
	Statuses       []ExecutionStatus
}
