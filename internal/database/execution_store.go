package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"trade-agent-go/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sortable maps the sort fields accepted by List onto columns.
var sortable = map[string]string{
	"":                "created_at",
	"created_at":      "created_at",
	"created_date":    "created_at",
	"profit_realized": "profit_realized",
	"strategy_type":   "strategy_type",
}

// ExecutionStore persists execution records through gorm.
type ExecutionStore struct {
	db *gorm.DB
}

// NewExecutionStore creates a store on top of an open database.
func NewExecutionStore(db *gorm.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Create inserts the canonical fields of rec and returns it with its durable id.
func (s *ExecutionStore) Create(ctx context.Context, rec models.ExecutionRecord) (models.ExecutionRecord, error) {
	row, err := toRow(rec.Canonical())
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("failed to insert execution: %w", err)
	}

	out, err := fromRow(row)
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	out.ClientID = rec.ClientID
	out.ClientTimestamp = rec.ClientTimestamp
	return out, nil
}

// List returns stored executions matching the filters of opts, ordered by
// opts.SortField.
func (s *ExecutionStore) List(ctx context.Context, opts models.ListOptions) ([]models.ExecutionRecord, error) {
	column, ok := sortable[opts.SortField]
	if !ok {
		return nil, fmt.Errorf("unsupported sort field %q", opts.SortField)
	}

	// id breaks ties between rows written within the same clock tick.
	q := s.db.WithContext(ctx).Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: column}, Desc: opts.Descending},
		{Column: clause.Column{Name: "id"}, Desc: opts.Descending},
	}})
	if len(opts.ExecutionTypes) > 0 {
		q = q.Where("execution_type IN ?", opts.ExecutionTypes)
	}
	if len(opts.Statuses) > 0 {
		q = q.Where("status IN ?", opts.Statuses)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var rows []models.Execution
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	out := make([]models.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRow(rec models.ExecutionRecord) (models.Execution, error) {
	row := models.Execution{
		StrategyType:    rec.StrategyType,
		ExecutionType:   string(rec.ExecutionType),
		Status:          string(rec.Status),
		ProfitRealized:  rec.ProfitRealized,
		GasUsed:         rec.GasUsed,
		ExecutionTimeMs: rec.ExecutionTimeMs,
		ErrorMessage:    rec.ErrorMessage,
	}
	if rec.Details != nil {
		raw, err := json.Marshal(rec.Details)
		if err != nil {
			return models.Execution{}, fmt.Errorf("failed to encode execution details: %w", err)
		}
		row.Details = datatypes.JSON(raw)
	}
	return row, nil
}

func fromRow(row models.Execution) (models.ExecutionRecord, error) {
	rec := models.ExecutionRecord{
		ID:              strconv.FormatUint(uint64(row.ID), 10),
		StrategyType:    row.StrategyType,
		ExecutionType:   models.ExecutionType(row.ExecutionType),
		Status:          models.ExecutionStatus(row.Status),
		ProfitRealized:  row.ProfitRealized,
		GasUsed:         row.GasUsed,
		ExecutionTimeMs: row.ExecutionTimeMs,
		ErrorMessage:    row.ErrorMessage,
		CreatedAt:       row.CreatedAt,
	}
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &rec.Details); err != nil {
			return models.ExecutionRecord{}, fmt.Errorf("failed to decode details of execution %d: %w", row.ID, err)
		}
	}
	return rec, nil
}
