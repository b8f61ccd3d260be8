package market

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrTradeReverted is returned by an Executor when a simulated trade fails on execution.
var ErrTradeReverted = errors.New("trade reverted")

// Opportunity is a candidate price discrepancy between two venues.
type Opportunity struct {
	Pair             string          `json:"pair"`
	BuyVenue         string          `json:"buy_venue"`
	SellVenue        string          `json:"sell_venue"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage"`
	Available        bool            `json:"available"`
}

// Evaluator discovers candidate opportunities. It is called once per cycle.
type Evaluator interface {
	Discover(ctx context.Context) ([]Opportunity, error)
}

// TradeRequest is one fund-committing action that already passed the safety gate.
type TradeRequest struct {
	Strategy    string
	Opportunity Opportunity
	Amount      decimal.Decimal
	Flashloan   bool
}

// Fill is the outcome of an executed trade.
type Fill struct {
	Profit  decimal.Decimal
	GasUsed decimal.Decimal
	TxHash  string
}

// Executor carries out a trade request.
type Executor interface {
	Execute(ctx context.Context, req TradeRequest) (Fill, error)
}
