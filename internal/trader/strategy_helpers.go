package trader

import (
	"context"
	"errors"
	"time"

	"trade-agent-go/internal/market"
	"trade-agent-go/internal/models"
	"trade-agent-go/internal/safety"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// systemStrategy is the strategy_type of records not owned by a single strategy.
const systemStrategy = "system"

// attempt plans, validates and executes one trade and publishes its outcome.
// The safety gate check cannot be skipped: it is the only path to the executor.
func (e *Engine) attempt(ctx context.Context, cycle uint64, a activeStrategy, opp market.Opportunity) {
	start := time.Now()
	details := opportunityDetails(cycle, opp)
	details[models.DetailExecuted] = false
	l := e.logger.With(zap.String("strategy", a.name), zap.String("pair", opp.Pair))

	plan, err := a.strategy.Plan(opp, a.config)
	if err != nil {
		l.Error("Failed to plan trade", zap.Error(err))
		e.finish(ctx, failedRecord(a.name, models.ExecutionTrade, details, nil, err), start)
		return
	}
	details["amount"] = plan.Amount.String()
	details["trade_type"] = string(plan.TradeType)

	if err := e.rt.Gate.ValidateTradeAmount(plan.Amount, plan.TradeType); err != nil {
		var limitErr *safety.LimitExceededError
		if errors.As(err, &limitErr) {
			details["ceiling"] = limitErr.Ceiling.String()
			details["environment"] = string(limitErr.Environment)
			if e.rt.Metrics != nil {
				e.rt.Metrics.LimitRejections.WithLabelValues(string(limitErr.Environment), string(plan.TradeType)).Inc()
			}
		}
		l.Warn("Trade blocked by safety gate", zap.Error(err))
		e.finish(ctx, failedRecord(a.name, plan.ExecutionType, details, nil, err), start)
		return
	}

	l.Info("Executing trade...", zap.Stringer("amount", plan.Amount), zap.String("trade_type", string(plan.TradeType)))
	details[models.DetailExecuted] = true
	fill, err := e.rt.Executor.Execute(ctx, market.TradeRequest{
		Strategy:    a.name,
		Opportunity: opp,
		Amount:      plan.Amount,
		Flashloan:   plan.TradeType == safety.Flashloan,
	})
	if err != nil {
		l.Error("Trade execution failed", zap.Error(err))
		var gas *decimal.Decimal
		if fill.GasUsed.IsPositive() {
			gas = &fill.GasUsed
		}
		rec := failedRecord(a.name, plan.ExecutionType, details, gas, err)
		e.addToDailyStats(rec)
		e.finish(ctx, rec, start)
		return
	}

	if fill.TxHash != "" {
		details["tx_hash"] = fill.TxHash
	}
	rec := models.NewExecutionRecord(a.name, plan.ExecutionType, models.StatusCompleted, details)
	profit, gas := fill.Profit, fill.GasUsed
	rec.ProfitRealized = &profit
	rec.GasUsed = &gas
	l.Info("Trade executed", zap.Stringer("profit", profit), zap.Stringer("gas_used", gas))

	e.addToDailyStats(rec)
	e.finish(ctx, rec, start)
}

// finish stamps the elapsed time on rec and publishes it.
func (e *Engine) finish(ctx context.Context, rec models.ExecutionRecord, start time.Time) {
	ms := time.Since(start).Milliseconds()
	rec.ExecutionTimeMs = &ms
	e.publish(ctx, rec)
}

// publish broadcasts rec and hands it to the ledger. The ledger absorbs
// storage failures, so this never fails.
func (e *Engine) publish(ctx context.Context, rec models.ExecutionRecord) {
	e.rt.State.AddExecution(rec)
	if e.rt.Metrics != nil {
		e.rt.Metrics.ExecutionsTotal.WithLabelValues(rec.StrategyType, string(rec.ExecutionType), string(rec.Status)).Inc()
	}

	// A stop racing the cycle must not turn a save into a retry.
	saved := e.rt.Ledger.SaveExecution(context.WithoutCancel(ctx), rec)
	if !saved.IsDurable() {
		e.logger.Warn("Execution not yet durable",
			zap.String("client_id", rec.ClientID),
			zap.Int("pending", e.rt.Ledger.PendingCount()))
	}
}

// addToDailyStats folds a trade outcome into the daily statistics.
// Must be called with cycleMu held.
func (e *Engine) addToDailyStats(rec models.ExecutionRecord) {
	e.stats.Trades++
	if rec.ProfitRealized != nil {
		if rec.ProfitRealized.IsNegative() {
			e.stats.Loss = e.stats.Loss.Add(rec.ProfitRealized.Neg())
		} else {
			e.stats.Profit = e.stats.Profit.Add(*rec.ProfitRealized)
		}
	}
	if rec.GasUsed != nil {
		e.stats.GasUsed = e.stats.GasUsed.Add(*rec.GasUsed)
	}
	e.rt.State.SetDailyStats(e.stats)
}

func opportunityDetails(cycle uint64, opp market.Opportunity) map[string]any {
	return map[string]any{
		"cycle":             cycle,
		"pair":              opp.Pair,
		"buy_venue":         opp.BuyVenue,
		"sell_venue":        opp.SellVenue,
		"profit_percentage": opp.ProfitPercentage.String(),
	}
}

func failedRecord(strategy string, execType models.ExecutionType, details map[string]any, gas *decimal.Decimal, cause error) models.ExecutionRecord {
	rec := models.NewExecutionRecord(strategy, execType, models.StatusFailed, details)
	rec.GasUsed = gas
	return rec.WithError(cause.Error())
}

func errorRecord(strategy string, cycle uint64, cause error) models.ExecutionRecord {
	return failedRecord(strategy, models.ExecutionError, map[string]any{"cycle": cycle}, nil, cause)
}

// scanRecord summarizes what a strategy saw over the cycle.
func scanRecord(a activeStrategy, cycle uint64, opps []market.Opportunity) models.ExecutionRecord {
	available, qualifying := 0, 0
	best := decimal.Zero
	minProfit, minErr := a.config.Decimal(minProfitKey)
	for _, opp := range opps {
		if !opp.Available {
			continue
		}
		available++
		if opp.ProfitPercentage.GreaterThan(best) {
			best = opp.ProfitPercentage
		}
		if minErr == nil && opp.ProfitPercentage.GreaterThanOrEqual(minProfit) {
			qualifying++
		}
	}
	return models.NewExecutionRecord(a.name, models.ExecutionScan, models.StatusCompleted, map[string]any{
		"cycle":                  cycle,
		"opportunities":          len(opps),
		"available":              available,
		"qualifying":             qualifying,
		"best_profit_percentage": best.String(),
	})
}
