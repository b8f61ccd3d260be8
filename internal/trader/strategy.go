package trader

import (
	"encoding/json"
	"fmt"
	"math/big"

	"trade-agent-go/internal/market"
	"trade-agent-go/internal/models"
	"trade-agent-go/internal/safety"

	"github.com/shopspring/decimal"
)

// minProfitKey is the per-strategy threshold, in percent, an opportunity must meet.
const minProfitKey = "min_profit"

// StrategyConfig holds a strategy's parameters. Values are numbers or strings.
type StrategyConfig map[string]any

// Decimal reads key as a decimal.
func (c StrategyConfig) Decimal(key string) (decimal.Decimal, error) {
	v, ok := c[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("config key %q is not set", key)
	}
	return toDecimal(v)
}

// clone returns a copy of c.
func (c StrategyConfig) clone() StrategyConfig {
	out := make(StrategyConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// merged returns a copy of c with every key of partial replaced.
func (c StrategyConfig) merged(partial map[string]any) StrategyConfig {
	out := c.clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(n)), 0), nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Zero, fmt.Errorf("value %v of type %T is not numeric", v, v)
	}
}

// TradePlan is what a strategy wants to do with a qualifying opportunity.
type TradePlan struct {
	ExecutionType models.ExecutionType
	TradeType     safety.TradeType
	Amount        decimal.Decimal
}

// Strategy defines the interface for a trading strategy.
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// DefaultConfig returns the parameters the strategy starts with.
	// Keys present here are validated as numbers on every config update.
	DefaultConfig() StrategyConfig

	// Experimental strategies may only be started where the safety tier allows it.
	Experimental() bool

	// Plan sizes a trade for opp. The engine validates the plan against the
	// safety gate before anything is executed.
	Plan(opp market.Opportunity, cfg StrategyConfig) (TradePlan, error)
}

// DefaultStrategies returns the built-in strategies in registration order.
func DefaultStrategies() []Strategy {
	return []Strategy{&ArbitrageStrategy{}, &FlashloanStrategy{}}
}
