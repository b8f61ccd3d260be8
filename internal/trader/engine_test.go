package trader

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"trade-agent-go/internal/chain"
	"trade-agent-go/internal/config"
	"trade-agent-go/internal/ledger"
	"trade-agent-go/internal/market"
	"trade-agent-go/internal/models"
	"trade-agent-go/internal/observability"
	"trade-agent-go/internal/safety"
	"trade-agent-go/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockEvaluator is a mock implementation of market.Evaluator.
type MockEvaluator struct {
	mock.Mock
}

func (m *MockEvaluator) Discover(ctx context.Context) ([]market.Opportunity, error) {
	args := m.Called(ctx)
	opps, _ := args.Get(0).([]market.Opportunity)
	return opps, args.Error(1)
}

// MockExecutor is a mock implementation of market.Executor.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, req market.TradeRequest) (market.Fill, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(market.Fill), args.Error(1)
}

// MockChain is a mock implementation of chain.ExecutionContext.
type MockChain struct {
	mock.Mock
}

func (m *MockChain) Initialize(ctx context.Context, creds chain.Credentials) error {
	return m.Called(ctx, creds).Error(0)
}

func (m *MockChain) Balance(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockChain) Teardown() {
	m.Called()
}

// fakeRecorder persists every record immediately.
type fakeRecorder struct {
	mu    sync.Mutex
	saved []models.ExecutionRecord
}

func (r *fakeRecorder) SaveExecution(_ context.Context, rec models.ExecutionRecord) models.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := rec.Canonical()
	out.ID = strconv.Itoa(len(r.saved) + 1)
	r.saved = append(r.saved, out)
	return out
}

func (r *fakeRecorder) PendingCount() int {
	return 0
}

func (r *fakeRecorder) DroppedCount() int64 {
	return 0
}

func (r *fakeRecorder) records() []models.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ExecutionRecord(nil), r.saved...)
}

// failingStore rejects every write.
type failingStore struct{}

func (failingStore) Create(context.Context, models.ExecutionRecord) (models.ExecutionRecord, error) {
	return models.ExecutionRecord{}, errors.New("database is locked")
}

func (failingStore) List(context.Context, models.ListOptions) ([]models.ExecutionRecord, error) {
	return nil, errors.New("database is locked")
}

type testEnv struct {
	evaluator *MockEvaluator
	executor  *MockExecutor
	chain     *MockChain
	recorder  *fakeRecorder
	state     *state.Broadcaster
	registry  *prometheus.Registry
	metrics   *observability.Metrics
}

var testCreds = chain.Credentials{RPCURL: "http://localhost:8545", WalletAddress: "0xabc"}

// setupEngine builds an engine with both default strategies registered and a
// cycle interval long enough that only explicitly run cycles happen.
// A nil gate config selects the development tier.
func setupEngine(t *testing.T, gateCfg *safety.Config) (*Engine, *testEnv) {
	t.Helper()
	limits := safety.LoadLimits(safety.Development, safety.Overrides{})
	if gateCfg != nil {
		limits = *gateCfg
	}
	reg := prometheus.NewRegistry()
	env := &testEnv{
		evaluator: new(MockEvaluator),
		executor:  new(MockExecutor),
		chain:     new(MockChain),
		recorder:  &fakeRecorder{},
		state:     state.NewBroadcaster(),
		registry:  reg,
		metrics:   observability.NewMetrics(reg),
	}
	env.chain.On("Balance", mock.Anything).Return(decimal.NewFromInt(10), nil).Maybe()
	env.chain.On("Teardown").Return().Maybe()

	e := NewEngine(Runtime{
		Logger:      zap.NewNop(),
		Gate:        safety.NewGateFromConfig(limits, zap.NewNop()),
		State:       env.state,
		Ledger:      env.recorder,
		Evaluator:   env.evaluator,
		Executor:    env.executor,
		Chain:       env.chain,
		Credentials: testCreds,
		Metrics:     env.metrics,
	}, config.Agent{CycleInterval: time.Hour, ScanEvery: 5})
	for _, s := range DefaultStrategies() {
		e.Register(s, nil)
	}
	t.Cleanup(e.Shutdown)
	return e, env
}

func recordsOfType(recs []models.ExecutionRecord, t models.ExecutionType) []models.ExecutionRecord {
	var out []models.ExecutionRecord
	for _, rec := range recs {
		if rec.ExecutionType == t {
			out = append(out, rec)
		}
	}
	return out
}

func TestStart_UnknownStrategy(t *testing.T) {
	e, env := setupEngine(t, nil)

	err := e.Start(context.Background(), "market-making")

	assert.ErrorIs(t, err, ErrUnknownStrategy)
	assert.False(t, e.Running())
	env.chain.AssertNotCalled(t, "Initialize", mock.Anything, mock.Anything)
}

func TestStart_ExecutesOnFirstQualifyingOpportunityOnly(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{
		opportunity("A", "5.0", false),
		opportunity("B", "0.3", true),
		opportunity("C", "0.8", true),
		opportunity("D", "2.0", true),
	}, nil)
	fill := market.Fill{Profit: decimal.RequireFromString("0.8"), GasUsed: decimal.RequireFromString("0.01"), TxHash: "0xfeed"}
	env.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req market.TradeRequest) bool {
		return req.Opportunity.Pair == "C" && req.Strategy == "arbitrage" && !req.Flashloan
	})).Return(fill, nil).Once()

	require.NoError(t, e.Start(context.Background(), "arbitrage"))

	env.executor.AssertNumberOfCalls(t, "Execute", 1)
	trades := recordsOfType(env.recorder.records(), models.ExecutionTrade)
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusCompleted, trades[0].Status)
	assert.Equal(t, "C", trades[0].Details["pair"])
	assert.Equal(t, "0xfeed", trades[0].Details["tx_hash"])
	assert.Equal(t, true, trades[0].Details[models.DetailExecuted])
	assert.NotNil(t, trades[0].ExecutionTimeMs)
	if assert.NotNil(t, trades[0].ProfitRealized) {
		assert.True(t, fill.Profit.Equal(*trades[0].ProfitRealized))
	}

	st := env.state.GetState()
	assert.True(t, st.IsLive)
	assert.True(t, st.ActiveStrategies["arbitrage"])
	assert.False(t, st.ActiveStrategies["flashloan"])
	assert.Equal(t, 1, st.DailyStats.Trades)
	assert.True(t, decimal.NewFromInt(10).Equal(st.WalletBalance))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.EngineRunning))
}

func TestStart_StorageFailureKeepsSchedulerRunning(t *testing.T) {
	e, env := setupEngine(t, nil)
	l := ledger.NewLedger(failingStore{}, config.Ledger{MaxRetries: 10, SaveTimeout: time.Second}, zap.NewNop(), nil)
	e.rt.Ledger = l
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{opportunity("WETH/USDC", "1.0", true)}, nil)
	env.executor.On("Execute", mock.Anything, mock.Anything).
		Return(market.Fill{Profit: decimal.NewFromInt(1), GasUsed: decimal.Zero}, nil).Once()

	require.NoError(t, e.Start(context.Background(), "arbitrage"))

	assert.Equal(t, 1, l.PendingCount())
	assert.True(t, e.Running())
	execs := env.state.GetState().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, models.StatusCompleted, execs[0].Status)
	assert.NotEmpty(t, execs[0].ClientID)
	assert.Equal(t, 1, e.Status().PendingSaves)
	assert.Equal(t, int64(0), e.Status().DroppedRecords)
}

func TestStartStop_SharedLoopLifecycle(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, "arbitrage"))
	require.NoError(t, e.Start(ctx, "flashloan"))
	require.NoError(t, e.Start(ctx, "flashloan"))
	env.chain.AssertNumberOfCalls(t, "Initialize", 1)

	require.NoError(t, e.Stop("arbitrage"))
	assert.True(t, e.Running())
	env.chain.AssertNotCalled(t, "Teardown")

	require.NoError(t, e.Stop("flashloan"))
	assert.False(t, e.Running())
	env.chain.AssertNumberOfCalls(t, "Teardown", 1)
	assert.False(t, env.state.GetState().IsLive)
	assert.Equal(t, float64(0), testutil.ToFloat64(env.metrics.EngineRunning))

	require.NoError(t, e.Stop("flashloan"))
	env.chain.AssertNumberOfCalls(t, "Teardown", 1)
}

func TestStart_InitializationFailureLeavesStrategyIdle(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(chain.ErrMissingCredentials).Once()

	err := e.Start(context.Background(), "arbitrage")

	assert.ErrorIs(t, err, chain.ErrMissingCredentials)
	assert.False(t, e.Running())
	assert.Equal(t, uint64(0), e.Cycles())
	assert.False(t, env.state.GetState().ActiveStrategies["arbitrage"])
	assert.False(t, e.Status().Strategies[0].Enabled)
	env.evaluator.AssertNotCalled(t, "Discover", mock.Anything)
}

func TestRunCycle_DiscoveryErrorDoesNotStopTimer(t *testing.T) {
	e, env := setupEngine(t, nil)
	e.interval = 5 * time.Millisecond
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return(nil, errors.New("rpc timeout"))

	require.NoError(t, e.Start(context.Background(), "arbitrage"))

	assert.Eventually(t, func() bool { return e.Cycles() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop("arbitrage"))

	errs := recordsOfType(env.recorder.records(), models.ExecutionError)
	require.NotEmpty(t, errs)
	assert.Equal(t, systemStrategy, errs[0].StrategyType)
	assert.Contains(t, *errs[0].ErrorMessage, "rpc timeout")
}

func TestStop_NoCycleAfterLastStop(t *testing.T) {
	e, env := setupEngine(t, nil)
	e.interval = 2 * time.Millisecond
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{}, nil)

	require.NoError(t, e.Start(context.Background(), "arbitrage"))
	assert.Eventually(t, func() bool { return e.Cycles() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, e.Stop("arbitrage"))

	cycles := e.Cycles()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, cycles, e.Cycles())
}

func TestRunCycle_SafetyGateBlocksOversizedTrade(t *testing.T) {
	limits := safety.LoadLimits(safety.Production, safety.Overrides{})
	e, env := setupEngine(t, &limits)
	e.Register(&ArbitrageStrategy{}, map[string]any{"position_size": 150})
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{opportunity("WETH/USDC", "1.0", true)}, nil)

	require.NoError(t, e.Start(context.Background(), "arbitrage"))

	env.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	trades := recordsOfType(env.recorder.records(), models.ExecutionTrade)
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusFailed, trades[0].Status)
	assert.Equal(t, "100", trades[0].Details["ceiling"])
	assert.Equal(t, string(safety.Production), trades[0].Details["environment"])
	assert.Equal(t, false, trades[0].Details[models.DetailExecuted])
	assert.False(t, trades[0].CountsAsTrade())
	assert.Equal(t, float64(1), testutil.ToFloat64(
		env.metrics.LimitRejections.WithLabelValues(string(safety.Production), string(safety.Standard))))
	assert.Equal(t, 0, env.state.GetState().DailyStats.Trades)
}

func TestRunCycle_FailedExecutionIsRecorded(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{opportunity("WETH/USDC", "1.5", true)}, nil)
	env.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req market.TradeRequest) bool { return req.Flashloan })).
		Return(market.Fill{GasUsed: decimal.RequireFromString("0.003")}, market.ErrTradeReverted).Once()

	require.NoError(t, e.Start(context.Background(), "flashloan"))

	trades := recordsOfType(env.recorder.records(), models.ExecutionFlashloanTrade)
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusFailed, trades[0].Status)
	assert.Contains(t, *trades[0].ErrorMessage, "trade reverted")
	assert.Nil(t, trades[0].ProfitRealized)
	if assert.NotNil(t, trades[0].GasUsed) {
		assert.True(t, decimal.RequireFromString("0.003").Equal(*trades[0].GasUsed))
	}
	assert.Equal(t, 1, env.state.GetState().DailyStats.Trades)
}

func TestRunCycle_ScanRecordEveryFifthCycle(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{opportunity("WETH/USDC", "0.1", true)}, nil)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, "arbitrage"))
	for i := 0; i < 3; i++ {
		e.runCycle(ctx)
	}
	assert.Empty(t, recordsOfType(env.recorder.records(), models.ExecutionScan))

	e.runCycle(ctx)
	scans := recordsOfType(env.recorder.records(), models.ExecutionScan)
	require.Len(t, scans, 1)
	assert.Equal(t, "arbitrage", scans[0].StrategyType)
	assert.Equal(t, uint64(5), scans[0].Details["cycle"])
	env.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestRunCycle_PanicBecomesErrorRecord(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Panic("nil pool")

	require.NoError(t, e.Start(context.Background(), "arbitrage"))

	assert.True(t, e.Running())
	errs := recordsOfType(env.recorder.records(), models.ExecutionError)
	require.Len(t, errs, 1)
	assert.Contains(t, *errs[0].ErrorMessage, "nil pool")
}

func TestUpdateConfig(t *testing.T) {
	e, env := setupEngine(t, nil)

	assert.False(t, e.UpdateConfig("market-making", map[string]any{minProfitKey: 1}))
	assert.False(t, e.UpdateConfig("arbitrage", map[string]any{minProfitKey: "a lot"}))
	assert.Empty(t, env.recorder.records())

	assert.True(t, e.UpdateConfig("arbitrage", map[string]any{minProfitKey: 0.9, "label": "tuned"}))

	cfg := e.Status().Strategies[0].Config
	assert.Equal(t, 0.9, cfg[minProfitKey])
	assert.Equal(t, "tuned", cfg["label"])
	assert.True(t, decimal.NewFromInt(100).Equal(cfg["position_size"].(decimal.Decimal)))

	alerts := recordsOfType(env.recorder.records(), models.ExecutionAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "arbitrage", alerts[0].StrategyType)
	assert.Equal(t, "config_updated", alerts[0].Details["event"])
}

func TestUpdateConfig_AlertDoesNotAliasCallerMap(t *testing.T) {
	e, env := setupEngine(t, nil)
	partial := map[string]any{minProfitKey: 0.9}

	require.True(t, e.UpdateConfig("arbitrage", partial))
	partial[minProfitKey] = "edited later"

	execs := env.state.GetState().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, 0.9, execs[0].Details["changes"].(map[string]any)[minProfitKey])
}

func TestUpdateConfig_AppliesToNextCycle(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{opportunity("WETH/USDC", "0.7", true)}, nil)
	env.executor.On("Execute", mock.Anything, mock.Anything).
		Return(market.Fill{Profit: decimal.NewFromInt(1), GasUsed: decimal.Zero}, nil)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, "arbitrage"))
	env.executor.AssertNumberOfCalls(t, "Execute", 1)

	require.True(t, e.UpdateConfig("arbitrage", map[string]any{minProfitKey: "0.75"}))
	e.runCycle(ctx)

	env.executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestStop_OneOfSeveralTakesEffectNextCycle(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{opportunity("WETH/USDC", "2.0", true)}, nil)
	fill := market.Fill{Profit: decimal.NewFromInt(1), GasUsed: decimal.Zero}
	env.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req market.TradeRequest) bool {
		return req.Strategy == "arbitrage" && !req.Flashloan
	})).Return(fill, nil).Once()
	env.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req market.TradeRequest) bool {
		return req.Strategy == "flashloan" && req.Flashloan
	})).Return(fill, nil).Once()
	ctx := context.Background()

	// Joining a running loop does not run a cycle, so only arbitrage trades here.
	require.NoError(t, e.Start(ctx, "arbitrage"))
	require.NoError(t, e.Start(ctx, "flashloan"))
	require.NoError(t, e.Stop("arbitrage"))
	e.runCycle(ctx)

	assert.True(t, e.Running())
	env.executor.AssertExpectations(t)
	env.executor.AssertNumberOfCalls(t, "Execute", 2)
	assert.Len(t, recordsOfType(env.recorder.records(), models.ExecutionTrade), 1)
	assert.Len(t, recordsOfType(env.recorder.records(), models.ExecutionFlashloanTrade), 1)
	st := env.state.GetState()
	assert.False(t, st.ActiveStrategies["arbitrage"])
	assert.True(t, st.ActiveStrategies["flashloan"])
}

func TestShutdown_StopsEverything(t *testing.T) {
	e, env := setupEngine(t, nil)
	env.chain.On("Initialize", mock.Anything, testCreds).Return(nil).Once()
	env.evaluator.On("Discover", mock.Anything).Return([]market.Opportunity{}, nil)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, "arbitrage"))
	require.NoError(t, e.Start(ctx, "flashloan"))

	e.Shutdown()

	assert.False(t, e.Running())
	env.chain.AssertNumberOfCalls(t, "Teardown", 1)
	for _, s := range e.Status().Strategies {
		assert.False(t, s.Enabled, s.Name)
	}
}
