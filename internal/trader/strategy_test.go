package trader

import (
	"encoding/json"
	"testing"

	"trade-agent-go/internal/market"
	"trade-agent-go/internal/models"
	"trade-agent-go/internal/safety"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArbitrageStrategy_Plan(t *testing.T) {
	s := &ArbitrageStrategy{}
	cfg := s.DefaultConfig()

	plan, err := s.Plan(market.Opportunity{Pair: "WETH/USDC"}, cfg)

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionTrade, plan.ExecutionType)
	assert.Equal(t, safety.Standard, plan.TradeType)
	assert.True(t, decimal.NewFromInt(100).Equal(plan.Amount))
	assert.False(t, s.Experimental())
}

func TestFlashloanStrategy_Plan(t *testing.T) {
	s := &FlashloanStrategy{}
	cfg := s.DefaultConfig().merged(map[string]any{"loan_amount": "25"})

	plan, err := s.Plan(market.Opportunity{Pair: "WETH/USDC"}, cfg)

	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFlashloanTrade, plan.ExecutionType)
	assert.Equal(t, safety.Flashloan, plan.TradeType)
	assert.True(t, decimal.NewFromInt(25).Equal(plan.Amount))
	assert.True(t, s.Experimental())
}

func TestStrategy_PlanWithMissingAmount(t *testing.T) {
	_, err := (&ArbitrageStrategy{}).Plan(market.Opportunity{}, StrategyConfig{minProfitKey: 1})
	assert.Error(t, err)

	_, err = (&FlashloanStrategy{}).Plan(market.Opportunity{}, StrategyConfig{"loan_amount": "lots"})
	assert.Error(t, err)
}

func TestDefaultStrategies_UniqueNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range DefaultStrategies() {
		assert.False(t, seen[s.Name()], "duplicate strategy %s", s.Name())
		seen[s.Name()] = true

		_, err := s.DefaultConfig().Decimal(minProfitKey)
		assert.NoError(t, err, "%s has no min_profit", s.Name())
	}
	assert.Len(t, seen, 2)
}

func TestStrategyConfig_MergedLeavesOriginalUntouched(t *testing.T) {
	base := StrategyConfig{minProfitKey: 0.5, "position_size": 100}

	merged := base.merged(map[string]any{minProfitKey: 0.8, "note": "tuned"})

	assert.Equal(t, 0.5, base[minProfitKey])
	assert.NotContains(t, base, "note")
	assert.Equal(t, 0.8, merged[minProfitKey])
	assert.Equal(t, 100, merged["position_size"])
	assert.Equal(t, "tuned", merged["note"])
}

func TestToDecimal(t *testing.T) {
	testCases := []struct {
		name        string
		value       any
		expected    string
		expectError bool
	}{
		{name: "decimal", value: decimal.RequireFromString("1.25"), expected: "1.25"},
		{name: "float64", value: 0.5, expected: "0.5"},
		{name: "int", value: 100, expected: "100"},
		{name: "int64", value: int64(7), expected: "7"},
		{name: "uint64", value: uint64(42), expected: "42"},
		{name: "json number", value: json.Number("2.75"), expected: "2.75"},
		{name: "string", value: "0.05", expected: "0.05"},
		{name: "malformed string", value: "ten", expectError: true},
		{name: "bool", value: true, expectError: true},
		{name: "nil", value: nil, expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := toDecimal(tc.value)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tc.expected).Equal(d), "got %s", d)
		})
	}
}
