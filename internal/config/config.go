package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Logger     Logger                    `mapstructure:"logger"`
	Database   Database                  `mapstructure:"database"`
	Server     Server                    `mapstructure:"server"`
	Agent      Agent                     `mapstructure:"agent"`
	Safety     Safety                    `mapstructure:"safety"`
	Ledger     Ledger                    `mapstructure:"ledger"`
	Chain      Chain                     `mapstructure:"chain"`
	Market     Market                    `mapstructure:"market"`
	Strategies map[string]map[string]any `mapstructure:"strategies"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Database holds the configuration for the database.
// DSNs starting with postgres:// select the postgres driver, anything else is a sqlite path.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Server holds the configuration for the HTTP servers.
type Server struct {
	Port   int `mapstructure:"port"`
	UIPort int `mapstructure:"ui_port"`
}

// Agent holds the configuration for the strategy scheduler.
type Agent struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	ScanEvery     int           `mapstructure:"scan_every"`
	AutoStart     []string      `mapstructure:"auto_start"`
}

// Safety holds the deployment origin and optional limit overrides.
type Safety struct {
	Origin             string `mapstructure:"origin"`
	MaxFlashloanAmount string `mapstructure:"max_flashloan_amount"`
	MaxTradeSize       string `mapstructure:"max_trade_size"`
}

// Ledger holds the configuration for the write-behind execution ledger.
type Ledger struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
	SaveTimeout   time.Duration `mapstructure:"save_timeout"`
	HistoryLimit  int           `mapstructure:"history_limit"`
}

// Chain holds the configuration for the execution-context client.
type Chain struct {
	DryRun           bool    `mapstructure:"dry_run"`
	RPCURL           string  `mapstructure:"rpc_url"`
	PrivateKey       string  `mapstructure:"private_key"`
	WalletAddress    string  `mapstructure:"wallet_address"`
	RateLimit        float64 `mapstructure:"rate_limit"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`
	SimulatedBalance string  `mapstructure:"simulated_balance"`
}

// Market holds the configuration for the simulated market.
type Market struct {
	Pairs       []string `mapstructure:"pairs"`
	Venues      []string `mapstructure:"venues"`
	Seed        int64    `mapstructure:"seed"`
	SuccessRate float64  `mapstructure:"success_rate"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("database.dsn", "agent.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ui_port", 8081)

	v.SetDefault("agent.cycle_interval", "15s")
	v.SetDefault("agent.scan_every", 5)

	// Empty override strings mean "use the tier defaults".
	v.SetDefault("safety.origin", "")
	v.SetDefault("safety.max_flashloan_amount", "")
	v.SetDefault("safety.max_trade_size", "")

	v.SetDefault("ledger.retry_interval", "30s")
	v.SetDefault("ledger.max_retries", 10)
	v.SetDefault("ledger.save_timeout", "5s")
	v.SetDefault("ledger.history_limit", 500)

	v.SetDefault("chain.dry_run", true)
	v.SetDefault("chain.rate_limit", 10)      // requests per second
	v.SetDefault("chain.rate_limit_burst", 5) // burst size
	v.SetDefault("chain.simulated_balance", "10")

	v.SetDefault("market.pairs", []string{"WETH/USDC", "WBTC/USDC", "ARB/USDC"})
	v.SetDefault("market.venues", []string{"uniswap", "sushiswap", "curve"})
	v.SetDefault("market.success_rate", 0.9)

	v.SetDefault("strategies.arbitrage.min_profit", 0.5)
	v.SetDefault("strategies.arbitrage.position_size", 100)
	v.SetDefault("strategies.flashloan.min_profit", 1.0)
	v.SetDefault("strategies.flashloan.loan_amount", 10)
}
