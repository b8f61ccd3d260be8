package trader

import (
	"fmt"

	"trade-agent-go/internal/market"
	"trade-agent-go/internal/models"
	"trade-agent-go/internal/safety"

	"github.com/shopspring/decimal"
)

// ArbitrageStrategy buys on the cheaper venue and sells on the dearer one
// with a fixed position size of its own funds.
type ArbitrageStrategy struct{}

func (s *ArbitrageStrategy) Name() string {
	return "arbitrage"
}

func (s *ArbitrageStrategy) DefaultConfig() StrategyConfig {
	return StrategyConfig{
		minProfitKey:    decimal.RequireFromString("0.5"),
		"position_size": decimal.NewFromInt(100),
	}
}

func (s *ArbitrageStrategy) Experimental() bool {
	return false
}

func (s *ArbitrageStrategy) Plan(_ market.Opportunity, cfg StrategyConfig) (TradePlan, error) {
	size, err := cfg.Decimal("position_size")
	if err != nil {
		return TradePlan{}, fmt.Errorf("arbitrage position size: %w", err)
	}
	return TradePlan{
		ExecutionType: models.ExecutionTrade,
		TradeType:     safety.Standard,
		Amount:        size,
	}, nil
}
