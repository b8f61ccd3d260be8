package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"trade-agent-go/internal/config"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxSpreadPercent  = 3.0
	availability      = 0.8
	baseGas           = 150000
	flashloanGasExtra = 250000
	gasJitter         = 50000
)

var hundred = decimal.NewFromInt(100)

// SimulatedMarket produces random opportunities and random trade outcomes.
// It stands in for real market data and order routing.
type SimulatedMarket struct {
	mu          sync.Mutex
	rng         *rand.Rand
	pairs       []string
	venues      []string
	successRate float64
}

var (
	_ Evaluator = (*SimulatedMarket)(nil)
	_ Executor  = (*SimulatedMarket)(nil)
)

// NewSimulatedMarket creates a simulated market. A zero seed uses the clock.
func NewSimulatedMarket(cfg config.Market) *SimulatedMarket {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedMarket{
		rng:         rand.New(rand.NewSource(seed)),
		pairs:       cfg.Pairs,
		venues:      cfg.Venues,
		successRate: cfg.SuccessRate,
	}
}

// Discover returns one opportunity per configured pair, each between two distinct venues.
func (m *SimulatedMarket) Discover(ctx context.Context) ([]Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.venues) < 2 {
		return nil, fmt.Errorf("need at least two venues, have %d", len(m.venues))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	opps := make([]Opportunity, 0, len(m.pairs))
	for _, pair := range m.pairs {
		buy := m.rng.Intn(len(m.venues))
		sell := (buy + 1 + m.rng.Intn(len(m.venues)-1)) % len(m.venues)
		opps = append(opps, Opportunity{
			Pair:             pair,
			BuyVenue:         m.venues[buy],
			SellVenue:        m.venues[sell],
			ProfitPercentage: decimal.NewFromFloat(m.rng.Float64() * maxSpreadPercent).Round(4),
			Available:        m.rng.Float64() < availability,
		})
	}
	return opps, nil
}

// Execute simulates a trade. Successful fills realize a random share of the
// quoted spread on the requested amount.
func (m *SimulatedMarket) Execute(ctx context.Context, req TradeRequest) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gas := baseGas + m.rng.Intn(gasJitter)
	if req.Flashloan {
		gas += flashloanGasExtra
	}
	if m.rng.Float64() >= m.successRate {
		return Fill{GasUsed: decimal.NewFromInt(int64(gas))}, fmt.Errorf("%w: %s via %s -> %s",
			ErrTradeReverted, req.Opportunity.Pair, req.Opportunity.BuyVenue, req.Opportunity.SellVenue)
	}

	capture := decimal.NewFromFloat(0.5 + m.rng.Float64()*0.5)
	profit := req.Amount.Mul(req.Opportunity.ProfitPercentage).Div(hundred).Mul(capture).Round(8)
	return Fill{
		Profit:  profit,
		GasUsed: decimal.NewFromInt(int64(gas)),
		TxHash:  "0x" + uuid.NewString(),
	}, nil
}
