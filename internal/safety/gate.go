package safety

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeType selects which ceiling applies to an amount.
type TradeType string

const (
	Standard  TradeType = "standard"
	Flashloan TradeType = "flashloan"
)

// ErrInvalidAmount is returned for zero or negative trade amounts.
var ErrInvalidAmount = errors.New("trade amount must be positive")

// LimitExceededError reports an amount above the tier ceiling.
type LimitExceededError struct {
	Amount      decimal.Decimal
	Ceiling     decimal.Decimal
	Environment Environment
	TradeType   TradeType
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s amount %s exceeds the %s ceiling of %s",
		e.TradeType, e.Amount.String(), e.Environment, e.Ceiling.String())
}

// Config is the immutable set of limits for one environment.
type Config struct {
	MaxFlashloanAmount   decimal.Decimal
	MaxTradeSize         decimal.Decimal
	RequiresConfirmation bool
	AllowsExperimental   bool
	Environment          Environment
}

// Overrides are optional explicit limits. Empty or malformed values are ignored.
type Overrides struct {
	MaxFlashloanAmount string
	MaxTradeSize       string
}

// LoadLimits returns the tier defaults for env with any well-formed overrides applied.
func LoadLimits(env Environment, ov Overrides) Config {
	cfg := tierDefaults(env)
	if d, ok := parseLimit(ov.MaxFlashloanAmount); ok {
		cfg.MaxFlashloanAmount = d
	}
	if d, ok := parseLimit(ov.MaxTradeSize); ok {
		cfg.MaxTradeSize = d
	}
	return cfg
}

func tierDefaults(env Environment) Config {
	switch env {
	case Development:
		return Config{
			MaxFlashloanAmount: decimal.NewFromInt(50),
			MaxTradeSize:       decimal.NewFromInt(1000),
			AllowsExperimental: true,
			Environment:        Development,
		}
	case Preview:
		return Config{
			MaxFlashloanAmount:   decimal.NewFromInt(25),
			MaxTradeSize:         decimal.NewFromInt(500),
			RequiresConfirmation: true,
			AllowsExperimental:   true,
			Environment:          Preview,
		}
	default:
		return Config{
			MaxFlashloanAmount:   decimal.NewFromInt(10),
			MaxTradeSize:         decimal.NewFromInt(100),
			RequiresConfirmation: true,
			Environment:          Production,
		}
	}
}

func parseLimit(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Gate enforces the limits of the environment it was created for.
// The classification is fixed for the life of the Gate.
type Gate struct {
	cfg    Config
	logger *zap.Logger
}

// NewGate classifies origin once and builds the gate for that tier.
func NewGate(origin string, ov Overrides, logger *zap.Logger) *Gate {
	env := ClassifyEnvironment(origin)
	for name, raw := range map[string]string{
		"max_flashloan_amount": ov.MaxFlashloanAmount,
		"max_trade_size":       ov.MaxTradeSize,
	} {
		if _, ok := parseLimit(raw); raw != "" && !ok {
			logger.Warn("Ignoring malformed safety override", zap.String("key", name), zap.String("value", raw))
		}
	}

	cfg := LoadLimits(env, ov)
	logger.Info("Safety limits loaded",
		zap.String("origin", origin),
		zap.String("environment", string(cfg.Environment)),
		zap.Stringer("max_trade_size", cfg.MaxTradeSize),
		zap.Stringer("max_flashloan_amount", cfg.MaxFlashloanAmount),
	)
	return &Gate{cfg: cfg, logger: logger}
}

// NewGateFromConfig builds a gate with explicit limits.
func NewGateFromConfig(cfg Config, logger *zap.Logger) *Gate {
	return &Gate{cfg: cfg, logger: logger}
}

// Config returns the limits in force.
func (g *Gate) Config() Config {
	return g.cfg
}

// Environment returns the tier the gate was built for.
func (g *Gate) Environment() Environment {
	return g.cfg.Environment
}

// ValidateTradeAmount checks amount against the ceiling for tradeType.
// Unknown trade types are held to the stricter of the two ceilings.
func (g *Gate) ValidateTradeAmount(amount decimal.Decimal, tradeType TradeType) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, amount.String())
	}

	var ceiling decimal.Decimal
	switch tradeType {
	case Flashloan:
		ceiling = g.cfg.MaxFlashloanAmount
	case Standard:
		ceiling = g.cfg.MaxTradeSize
	default:
		ceiling = decimal.Min(g.cfg.MaxFlashloanAmount, g.cfg.MaxTradeSize)
	}

	if amount.GreaterThan(ceiling) {
		err := &LimitExceededError{
			Amount:      amount,
			Ceiling:     ceiling,
			Environment: g.cfg.Environment,
			TradeType:   tradeType,
		}
		g.logger.Warn("Trade rejected by safety gate", zap.Error(err))
		return err
	}
	return nil
}

// RequiresUserConfirmation reports whether starting trading needs an explicit confirmation.
func (g *Gate) RequiresUserConfirmation() bool {
	return g.cfg.RequiresConfirmation
}

// AllowsExperimentalFeatures reports whether experimental strategies may run.
func (g *Gate) AllowsExperimentalFeatures() bool {
	return g.cfg.AllowsExperimental
}
