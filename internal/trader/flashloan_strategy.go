package trader

import (
	"fmt"

	"trade-agent-go/internal/market"
	"trade-agent-go/internal/models"
	"trade-agent-go/internal/safety"

	"github.com/shopspring/decimal"
)

// FlashloanStrategy funds the arbitrage with a loan repaid in the same transaction.
type FlashloanStrategy struct{}

// Name returns the unique name of the strategy.
func (s *FlashloanStrategy) Name() string {
	return "flashloan"
}

// DefaultConfig uses a higher threshold than plain arbitrage to cover the loan fee.
func (s *FlashloanStrategy) DefaultConfig() StrategyConfig {
	return StrategyConfig{
		minProfitKey:  decimal.NewFromInt(1),
		"loan_amount": decimal.NewFromInt(10),
	}
}

// Experimental is true: leveraged execution is gated by the safety tier.
func (s *FlashloanStrategy) Experimental() bool {
	return true
}

// Plan borrows loan_amount for the trade.
func (s *FlashloanStrategy) Plan(_ market.Opportunity, cfg StrategyConfig) (TradePlan, error) {
	amount, err := cfg.Decimal("loan_amount")
	if err != nil {
		return TradePlan{}, fmt.Errorf("flashloan amount: %w", err)
	}
	return TradePlan{
		ExecutionType: models.ExecutionFlashloanTrade,
		TradeType:     safety.Flashloan,
		Amount:        amount,
	}, nil
}
