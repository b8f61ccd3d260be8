package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-agent-go/internal/chain"
	"trade-agent-go/internal/config"
	"trade-agent-go/internal/database"
	"trade-agent-go/internal/ledger"
	"trade-agent-go/internal/logger"
	"trade-agent-go/internal/market"
	"trade-agent-go/internal/observability"
	"trade-agent-go/internal/safety"
	"trade-agent-go/internal/state"
	"trade-agent-go/internal/trader"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	gate := safety.NewGate(cfg.Safety.Origin, safety.Overrides{
		MaxFlashloanAmount: cfg.Safety.MaxFlashloanAmount,
		MaxTradeSize:       cfg.Safety.MaxTradeSize,
	}, log)
	broadcaster := state.NewBroadcaster()
	executionLedger := ledger.NewLedger(database.NewExecutionStore(db), cfg.Ledger, log, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hydrate the in-memory history before anything can publish.
	history := executionLedger.LoadAllExecutions(ctx)
	broadcaster.UpdateState(state.Patch{Executions: history})
	log.Info("Execution history loaded", zap.Int("records", len(history)))

	ledgerDone := make(chan struct{})
	go func() {
		defer close(ledgerDone)
		if err := executionLedger.Run(ctx); err != nil {
			log.Error("Ledger retry scheduler failed", zap.Error(err))
		}
	}()

	simMarket := market.NewSimulatedMarket(cfg.Market)
	engine := trader.NewEngine(trader.Runtime{
		Logger:    log,
		Gate:      gate,
		State:     broadcaster,
		Ledger:    executionLedger,
		Evaluator: simMarket,
		Executor:  simMarket,
		Chain:     newExecutionContext(cfg.Chain, log),
		Credentials: chain.Credentials{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKey:    cfg.Chain.PrivateKey,
			WalletAddress: cfg.Chain.WalletAddress,
		},
		Metrics: metrics,
	}, cfg.Agent)
	for _, s := range trader.DefaultStrategies() {
		engine.Register(s, cfg.Strategies[s.Name()])
	}

	api := trader.NewAPIServer(cfg.Server.Port, engine, gate, broadcaster, registry, log)
	api.Start()

	for _, id := range cfg.Agent.AutoStart {
		s, ok := engine.Strategy(id)
		if !ok {
			log.Warn("Skipping unknown auto-start strategy", zap.String("strategy", id))
			continue
		}
		if s.Experimental() && !gate.AllowsExperimentalFeatures() {
			log.Warn("Skipping experimental auto-start strategy", zap.String("strategy", id),
				zap.String("environment", string(gate.Environment())))
			continue
		}
		if err := engine.Start(ctx, id); err != nil {
			log.Error("Failed to auto-start strategy", zap.String("strategy", id), zap.Error(err))
		}
	}

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server", zap.Error(err))
	}
	engine.Shutdown()

	// One last pass so records queued by the final cycles get a chance to land.
	result := executionLedger.RetryPendingSaves(shutdownCtx)
	cancel()
	<-ledgerDone
	log.Info("Agent has been shut down.",
		zap.Int("saved_on_exit", result.Saved),
		zap.Int("still_pending", executionLedger.PendingCount()),
		zap.Int64("dropped", executionLedger.DroppedCount()))
}

// newExecutionContext selects the dry-run client or the JSON-RPC client.
func newExecutionContext(cfg config.Chain, log *zap.Logger) chain.ExecutionContext {
	if !cfg.DryRun {
		return chain.NewRPCClient(cfg, log)
	}
	balance, err := decimal.NewFromString(cfg.SimulatedBalance)
	if err != nil {
		log.Warn("Invalid simulated balance, using 0", zap.String("value", cfg.SimulatedBalance))
		balance = decimal.Zero
	}
	return chain.NewSimulatedClient(balance, log)
}
