package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Execution is the persisted form of a canonical ExecutionRecord.
type Execution struct {
	gorm.Model
	StrategyType    string           `gorm:"index;not null" json:"strategy_type"`
	ExecutionType   string           `gorm:"index;not null" json:"execution_type"`
	Status          string           `gorm:"not null" json:"status"`
	Details         datatypes.JSON   `json:"details"`
	ProfitRealized  *decimal.Decimal `gorm:"type:numeric" json:"profit_realized,omitempty"`
	GasUsed         *decimal.Decimal `gorm:"type:numeric" json:"gas_used,omitempty"`
	ExecutionTimeMs *int64           `json:"execution_time_ms,omitempty"`
	ErrorMessage    *string          `json:"error_message,omitempty"`
}
