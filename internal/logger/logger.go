package logger

import (
	"trade-agent-go/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap.Logger from the logger section of the configuration.
// "json" selects the production encoder; anything else gets the console encoder.
func NewLogger(cfg config.Logger) (*zap.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zcfg.Level = zap.NewAtomicLevelAt(logLevel)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build(zap.Fields(zap.String("service", "trade-agent")))
}
