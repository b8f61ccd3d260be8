package trader

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"trade-agent-go/internal/chain"
	"trade-agent-go/internal/config"
	"trade-agent-go/internal/market"
	"trade-agent-go/internal/models"
	"trade-agent-go/internal/observability"
	"trade-agent-go/internal/safety"
	"trade-agent-go/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCycleInterval = 15 * time.Second
	defaultScanEvery     = 5
)

// ErrUnknownStrategy is returned for strategy ids that were never registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Recorder is the durable side of execution publishing.
type Recorder interface {
	SaveExecution(ctx context.Context, rec models.ExecutionRecord) models.ExecutionRecord
	PendingCount() int
	DroppedCount() int64
}

// Runtime bundles the collaborators the engine is built on.
type Runtime struct {
	Logger      *zap.Logger
	Gate        *safety.Gate
	State       *state.Broadcaster
	Ledger      Recorder
	Evaluator   market.Evaluator
	Executor    market.Executor
	Chain       chain.ExecutionContext
	Credentials chain.Credentials
	Metrics     *observability.Metrics
}

type strategyEntry struct {
	strategy Strategy
	enabled  bool
	config   StrategyConfig
}

// activeStrategy is a per-cycle snapshot of an enabled strategy.
type activeStrategy struct {
	name     string
	strategy Strategy
	config   StrategyConfig
}

// StrategyStatus describes one registered strategy.
type StrategyStatus struct {
	Name         string         `json:"name"`
	Enabled      bool           `json:"enabled"`
	Experimental bool           `json:"experimental"`
	Config       StrategyConfig `json:"config"`
}

// Status describes the engine.
type Status struct {
	Running        bool             `json:"running"`
	Cycles         uint64           `json:"cycles"`
	PendingSaves   int              `json:"pending_saves"`
	DroppedRecords int64            `json:"dropped_records"`
	Strategies     []StrategyStatus `json:"strategies"`
}

// Engine runs one shared cycle loop for every enabled strategy.
//
// The loop exists only while at least one strategy is enabled: the first
// Start initializes the execution context and starts the timer, the last Stop
// cancels the timer and tears the execution context down. Cycles never overlap.
//
// Start, Stop and UpdateConfig must not be called from a state listener
// running inside a cycle.
type Engine struct {
	UUID      string
	StartTime time.Time

	logger    *zap.Logger
	rt        Runtime
	interval  time.Duration
	scanEvery uint64

	lifecycle sync.Mutex // serializes Start and Stop

	mu         sync.Mutex // guards the fields below
	order      []string
	strategies map[string]*strategyEntry
	cancel     context.CancelFunc
	done       chan struct{}

	cycleMu  sync.Mutex // serializes cycles and guards the daily stats
	cycles   atomic.Uint64
	stats    state.DailyStats
	statsDay string
}

// NewEngine creates an idle engine.
func NewEngine(rt Runtime, cfg config.Agent) *Engine {
	interval := cfg.CycleInterval
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	scanEvery := cfg.ScanEvery
	if scanEvery <= 0 {
		scanEvery = defaultScanEvery
	}
	return &Engine{
		UUID:       uuid.NewString(),
		StartTime:  time.Now(),
		logger:     rt.Logger.Named("engine"),
		rt:         rt,
		interval:   interval,
		scanEvery:  uint64(scanEvery),
		strategies: make(map[string]*strategyEntry),
	}
}

// Register adds a disabled strategy with its default config overlaid by overrides.
// Strategies are evaluated in registration order.
func (e *Engine) Register(s Strategy, overrides map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := s.Name()
	if _, ok := e.strategies[name]; !ok {
		e.order = append(e.order, name)
	}
	e.strategies[name] = &strategyEntry{
		strategy: s,
		config:   s.DefaultConfig().merged(overrides),
	}
	e.rt.State.SetStrategyStatus(name, false)
}

// Start enables strategyID. Enabling the first strategy initializes the
// execution context, starts the cycle timer and runs one cycle before
// returning. If initialization fails the strategy stays disabled.
func (e *Engine) Start(ctx context.Context, strategyID string) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	entry, ok := e.strategies[strategyID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
	}
	if entry.enabled {
		e.mu.Unlock()
		return nil
	}
	entry.enabled = true
	first := e.done == nil
	e.mu.Unlock()

	l := e.logger.With(zap.String("strategy", strategyID))
	if !first {
		e.rt.State.SetStrategyStatus(strategyID, true)
		l.Info("Strategy started, joining running cycle loop")
		return nil
	}

	l.Info("Initializing execution context...")
	if err := e.rt.Chain.Initialize(ctx, e.rt.Credentials); err != nil {
		e.mu.Lock()
		entry.enabled = false
		e.mu.Unlock()
		l.Error("Failed to initialize execution context, strategy not started", zap.Error(err))
		return fmt.Errorf("failed to initialize execution context: %w", err)
	}
	e.rt.State.SetStrategyStatus(strategyID, true)
	e.refreshBalance(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go e.loop(loopCtx, done)
	e.rt.State.SetBotLiveStatus(true)
	if e.rt.Metrics != nil {
		e.rt.Metrics.EngineRunning.Set(1)
	}
	l.Info("Strategy started, cycle loop running", zap.Duration("interval", e.interval))

	e.runCycle(loopCtx)
	return nil
}

// Stop disables strategyID. Stopping the last enabled strategy cancels the
// timer, waits for an in-flight cycle to return and tears the execution
// context down; no cycle runs after Stop returns in that case.
func (e *Engine) Stop(strategyID string) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	entry, ok := e.strategies[strategyID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
	}
	if !entry.enabled {
		e.mu.Unlock()
		return nil
	}
	entry.enabled = false
	remaining := e.enabledCountLocked()
	cancel, done := e.cancel, e.done
	if remaining == 0 {
		e.cancel, e.done = nil, nil
	}
	e.mu.Unlock()

	e.rt.State.SetStrategyStatus(strategyID, false)
	l := e.logger.With(zap.String("strategy", strategyID))
	if remaining > 0 || done == nil {
		l.Info("Strategy stopped", zap.Int("still_enabled", remaining))
		return nil
	}

	l.Info("Last strategy stopped, stopping cycle loop...")
	cancel()
	<-done
	e.rt.Chain.Teardown()
	e.rt.State.SetBotLiveStatus(false)
	if e.rt.Metrics != nil {
		e.rt.Metrics.EngineRunning.Set(0)
	}
	l.Info("Cycle loop stopped, execution context torn down")
	return nil
}

// Shutdown stops every enabled strategy.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	var enabled []string
	for _, name := range e.order {
		if e.strategies[name].enabled {
			enabled = append(enabled, name)
		}
	}
	e.mu.Unlock()

	for _, name := range enabled {
		if err := e.Stop(name); err != nil {
			e.logger.Error("Failed to stop strategy", zap.String("strategy", name), zap.Error(err))
		}
	}
}

// UpdateConfig merges partial into the config of strategyID. Unknown ids and
// updates with a non-numeric value for a numeric parameter are logged and
// ignored; it reports whether the update was applied.
func (e *Engine) UpdateConfig(strategyID string, partial map[string]any) bool {
	e.mu.Lock()
	entry, ok := e.strategies[strategyID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("Ignoring config update for unknown strategy", zap.String("strategy", strategyID))
		return false
	}
	defaults := entry.strategy.DefaultConfig()
	for k, v := range partial {
		if _, numeric := defaults[k]; !numeric {
			continue
		}
		if _, err := toDecimal(v); err != nil {
			e.mu.Unlock()
			e.logger.Warn("Ignoring invalid config update",
				zap.String("strategy", strategyID), zap.String("key", k), zap.Error(err))
			return false
		}
	}
	entry.config = entry.config.merged(partial)
	e.mu.Unlock()

	e.logger.Info("Strategy config updated", zap.String("strategy", strategyID), zap.Any("changes", partial))
	e.publish(context.Background(), models.NewExecutionRecord(strategyID, models.ExecutionAlert, models.StatusCompleted,
		map[string]any{"event": "config_updated", "changes": maps.Clone(partial)}))
	return true
}

// Running reports whether the cycle loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}

// Cycles returns the number of cycles run so far.
func (e *Engine) Cycles() uint64 {
	return e.cycles.Load()
}

// Strategy returns the registered strategy named id.
func (e *Engine) Strategy(id string) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.strategies[id]
	if !ok {
		return nil, false
	}
	return entry.strategy, true
}

// Status returns a snapshot of the engine and its strategies.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Running:        e.done != nil,
		Cycles:         e.cycles.Load(),
		PendingSaves:   e.rt.Ledger.PendingCount(),
		DroppedRecords: e.rt.Ledger.DroppedCount(),
	}
	for _, name := range e.order {
		entry := e.strategies[name]
		st.Strategies = append(st.Strategies, StrategyStatus{
			Name:         name,
			Enabled:      entry.enabled,
			Experimental: entry.strategy.Experimental(),
			Config:       entry.config.clone(),
		})
	}
	return st
}

func (e *Engine) enabledCountLocked() int {
	n := 0
	for _, entry := range e.strategies {
		if entry.enabled {
			n++
		}
	}
	return n
}

// activeStrategies snapshots the enabled strategies in registration order.
func (e *Engine) activeStrategies() []activeStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []activeStrategy
	for _, name := range e.order {
		entry := e.strategies[name]
		if entry.enabled {
			out = append(out, activeStrategy{name: name, strategy: entry.strategy, config: entry.config.clone()})
		}
	}
	return out
}

// loop runs a cycle on every tick until ctx is cancelled.
func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			e.runCycle(ctx)
		}
	}
}

// runCycle performs one scan-evaluate-execute round for every enabled strategy.
func (e *Engine) runCycle(ctx context.Context) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	n := e.cycles.Add(1)
	start := time.Now()
	l := e.logger.With(zap.Uint64("cycle", n))
	if e.rt.Metrics != nil {
		e.rt.Metrics.CyclesTotal.Inc()
		defer func() { e.rt.Metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()
	}
	defer func() {
		if r := recover(); r != nil {
			l.Error("Cycle panicked", zap.Any("panic", r))
			e.publish(ctx, errorRecord(systemStrategy, n, fmt.Errorf("cycle panicked: %v", r)))
		}
	}()

	e.rollDailyStats()

	active := e.activeStrategies()
	if len(active) == 0 {
		l.Debug("No enabled strategies, skipping cycle")
		return
	}

	l.Debug("Scouting for opportunities...")
	opps, err := e.rt.Evaluator.Discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.Error("Opportunity discovery failed", zap.Error(err))
		e.publish(ctx, errorRecord(systemStrategy, n, fmt.Errorf("opportunity discovery failed: %w", err)))
		return
	}

	for _, a := range active {
		e.runStrategy(ctx, n, a, opps)
	}

	if n%e.scanEvery == 0 {
		for _, a := range active {
			e.publish(ctx, scanRecord(a, n, opps))
		}
	}
	l.Debug("Cycle complete", zap.Int("opportunities", len(opps)), zap.Duration("took", time.Since(start)))
}

// runStrategy makes at most one execution attempt for a: on the first
// available opportunity meeting its min_profit threshold.
func (e *Engine) runStrategy(ctx context.Context, cycle uint64, a activeStrategy, opps []market.Opportunity) {
	minProfit, err := a.config.Decimal(minProfitKey)
	if err != nil {
		e.logger.Error("Strategy has no usable min_profit, skipping", zap.String("strategy", a.name), zap.Error(err))
		e.publish(ctx, errorRecord(a.name, cycle, err))
		return
	}

	for _, opp := range opps {
		if !opp.Available || opp.ProfitPercentage.LessThan(minProfit) {
			continue
		}
		e.logger.Info("Found opportunity",
			zap.String("strategy", a.name),
			zap.String("pair", opp.Pair),
			zap.String("buy", opp.BuyVenue),
			zap.String("sell", opp.SellVenue),
			zap.Stringer("profit_percentage", opp.ProfitPercentage))
		e.attempt(ctx, cycle, a, opp)
		return
	}
}

// refreshBalance publishes the wallet balance. Failures are logged only.
func (e *Engine) refreshBalance(ctx context.Context) {
	balance, err := e.rt.Chain.Balance(ctx)
	if err != nil {
		e.logger.Warn("Failed to read wallet balance", zap.Error(err))
		return
	}
	e.rt.State.SetWalletBalance(balance)
}

// rollDailyStats resets the daily statistics when the UTC day changes.
// Must be called with cycleMu held.
func (e *Engine) rollDailyStats() {
	day := time.Now().UTC().Format(time.DateOnly)
	if day == e.statsDay {
		return
	}
	e.statsDay = day
	e.stats = state.DailyStats{}
	e.rt.State.SetDailyStats(e.stats)
}
