package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-agent-go/internal/config"
	"trade-agent-go/internal/database"
	"trade-agent-go/internal/logger"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.Named("ui")

	// Connect to the database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	apiHandler := NewAPIHandler(log, database.NewExecutionStore(db))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", apiHandler.StatusHandler)
	mux.HandleFunc("GET /api/executions", apiHandler.ExecutionsHandler)
	mux.HandleFunc("GET /api/statistics", apiHandler.StatisticsHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Starting history server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("History server failed", zap.Error(err))
		}
	}()

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Failed to stop history server", zap.Error(err))
	}
	log.Info("History server stopped")
}
