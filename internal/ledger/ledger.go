package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trade-agent-go/internal/config"
	"trade-agent-go/internal/models"
	"trade-agent-go/internal/observability"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries    = 10
	defaultRetryInterval = 30 * time.Second
	defaultSaveTimeout   = 5 * time.Second
)

// ErrInvalidResponse is returned when storage answers without a durable id.
var ErrInvalidResponse = errors.New("storage returned a record without a durable id")

// Store is the storage collaborator the ledger writes through.
type Store interface {
	Create(ctx context.Context, rec models.ExecutionRecord) (models.ExecutionRecord, error)
	List(ctx context.Context, opts models.ListOptions) ([]models.ExecutionRecord, error)
}

// PendingSave is a record waiting for a successful persistence retry.
type PendingSave struct {
	Record     models.ExecutionRecord
	RetryCount int
	EnqueuedAt time.Time
}

func (p PendingSave) key() string {
	if p.Record.ClientID != "" {
		return p.Record.ClientID
	}
	return p.Record.ID
}

// RetryResult summarizes one retry pass.
type RetryResult struct {
	Attempted int
	Saved     int
	Dropped   int
	Skipped   bool // another pass was already running
}

// Ledger is a write-behind execution store. Saves never fail from the caller's
// point of view: records storage rejects are queued and retried in the
// background until they are confirmed or exhaust their retries.
type Ledger struct {
	store   Store
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     config.Ledger

	mu       sync.Mutex
	pending  []PendingSave
	retrying atomic.Bool
	dropped  atomic.Int64
}

// NewLedger creates a ledger writing to store.
func NewLedger(store Store, cfg config.Ledger, logger *zap.Logger, metrics *observability.Metrics) *Ledger {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	return &Ledger{
		store:   store,
		logger:  logger.Named("ledger"),
		metrics: metrics,
		cfg:     cfg,
	}
}

// SaveExecution tries to persist rec once. On success it returns the durably
// identified record. Otherwise rec is queued for retry and a copy carrying a
// temporary id is returned.
func (l *Ledger) SaveExecution(ctx context.Context, rec models.ExecutionRecord) models.ExecutionRecord {
	if rec.ClientID == "" {
		rec.ClientID = uuid.NewString()
	}

	saved, err := l.create(ctx, rec)
	if err == nil {
		l.countSave("direct")
		l.logger.Debug("Execution saved",
			zap.String("id", saved.ID),
			zap.String("strategy", saved.StrategyType),
			zap.String("type", string(saved.ExecutionType)))
		return saved
	}

	l.countError("direct")
	queued := l.enqueue(rec)
	l.logger.Warn("Failed to save execution, queued for retry",
		zap.String("client_id", rec.ClientID),
		zap.String("strategy", rec.StrategyType),
		zap.Bool("queued", queued),
		zap.Int("pending", l.PendingCount()),
		zap.Error(err))

	placeholder := rec.Clone()
	placeholder.ID = models.TempIDPrefix + rec.ClientID
	return placeholder
}

// RetryPendingSaves attempts to persist every queued record once.
// Overlapping calls return immediately with Skipped set.
func (l *Ledger) RetryPendingSaves(ctx context.Context) RetryResult {
	if !l.retrying.CompareAndSwap(false, true) {
		l.logger.Debug("Retry pass already running, skipping")
		return RetryResult{Skipped: true}
	}
	defer l.retrying.Store(false)

	l.mu.Lock()
	snapshot := make([]PendingSave, len(l.pending))
	copy(snapshot, l.pending)
	l.mu.Unlock()

	var res RetryResult
	for _, p := range snapshot {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		saved, err := l.create(ctx, p.Record)
		if err == nil {
			l.remove(p.key())
			l.countSave("retry")
			res.Saved++
			l.logger.Info("Pending execution saved",
				zap.String("id", saved.ID),
				zap.String("client_id", p.Record.ClientID),
				zap.Int("retry_count", p.RetryCount))
			continue
		}
		if ctx.Err() != nil {
			// Shutdown, not a storage failure.
			break
		}

		l.countError("retry")
		if l.recordFailure(p.key(), err) {
			res.Dropped++
		}
	}

	if res.Attempted > 0 {
		l.logger.Info("Retry pass finished",
			zap.Int("attempted", res.Attempted),
			zap.Int("saved", res.Saved),
			zap.Int("dropped", res.Dropped),
			zap.Int("pending", l.PendingCount()))
	}
	return res
}

// LoadAllExecutions reads stored executions, newest first. Read failures yield
// an empty slice, which callers must treat as "unknown", not "no history".
func (l *Ledger) LoadAllExecutions(ctx context.Context) []models.ExecutionRecord {
	recs, err := l.store.List(ctx, models.ListOptions{
		SortField:  "created_at",
		Descending: true,
		Limit:      l.cfg.HistoryLimit,
	})
	if err != nil {
		l.logger.Warn("Failed to load executions", zap.Error(err))
		return []models.ExecutionRecord{}
	}
	if recs == nil {
		return []models.ExecutionRecord{}
	}
	return recs
}

// PendingCount returns the number of records queued for retry.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// DroppedCount returns the number of records abandoned after exhausting their retries.
func (l *Ledger) DroppedCount() int64 {
	return l.dropped.Load()
}

func (l *Ledger) create(ctx context.Context, rec models.ExecutionRecord) (saved models.ExecutionRecord, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.SaveTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("storage panicked: %v", r)
		}
	}()

	out, err := l.store.Create(ctx, rec.Canonical())
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	if !out.IsDurable() {
		return models.ExecutionRecord{}, ErrInvalidResponse
	}
	out.ClientID = rec.ClientID
	out.ClientTimestamp = rec.ClientTimestamp
	return out, nil
}

// enqueue adds rec unless a save with the same key is already queued.
func (l *Ledger) enqueue(rec models.ExecutionRecord) bool {
	p := PendingSave{Record: rec.Clone(), EnqueuedAt: time.Now().UTC()}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, q := range l.pending {
		if q.key() == p.key() {
			return false
		}
	}
	l.pending = append(l.pending, p)
	l.setPendingGauge()
	return true
}

func (l *Ledger) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexOf(key); i >= 0 {
		l.pending = append(l.pending[:i], l.pending[i+1:]...)
		l.setPendingGauge()
	}
}

// recordFailure bumps the retry count of key and drops it once the ceiling is reached.
func (l *Ledger) recordFailure(key string, cause error) (dropped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(key)
	if i < 0 {
		return false
	}
	l.pending[i].RetryCount++
	p := l.pending[i]
	if p.RetryCount < l.cfg.MaxRetries {
		return false
	}

	l.pending = append(l.pending[:i], l.pending[i+1:]...)
	l.setPendingGauge()
	l.dropped.Add(1)
	if l.metrics != nil {
		l.metrics.LedgerDropped.Inc()
	}
	l.logger.Error("Dropping execution after exhausting retries",
		zap.String("client_id", p.Record.ClientID),
		zap.String("strategy", p.Record.StrategyType),
		zap.String("type", string(p.Record.ExecutionType)),
		zap.String("status", string(p.Record.Status)),
		zap.Any("details", p.Record.Details),
		zap.Int("retry_count", p.RetryCount),
		zap.Time("enqueued_at", p.EnqueuedAt),
		zap.Error(cause))
	return true
}

// indexOf must be called with l.mu held.
func (l *Ledger) indexOf(key string) int {
	for i, p := range l.pending {
		if p.key() == key {
			return i
		}
	}
	return -1
}

// setPendingGauge must be called with l.mu held.
func (l *Ledger) setPendingGauge() {
	if l.metrics != nil {
		l.metrics.LedgerPending.Set(float64(len(l.pending)))
	}
}

func (l *Ledger) countSave(path string) {
	if l.metrics != nil {
		l.metrics.LedgerSaves.WithLabelValues(path).Inc()
	}
}

func (l *Ledger) countError(path string) {
	if l.metrics != nil {
		l.metrics.LedgerSaveErrors.WithLabelValues(path).Inc()
	}
}
