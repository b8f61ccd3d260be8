package chain

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrMissingCredentials is returned by Initialize when a required credential is empty.
	ErrMissingCredentials = errors.New("missing execution credentials")
	// ErrNotInitialized is returned by calls made before Initialize or after Teardown.
	ErrNotInitialized = errors.New("execution context not initialized")
)

// Credentials identify the wallet and endpoint trades are executed with.
type Credentials struct {
	RPCURL        string
	PrivateKey    string
	WalletAddress string
}

// ExecutionContext is the chain/market client the scheduler sets up when the
// first strategy starts and tears down when the last one stops.
type ExecutionContext interface {
	Initialize(ctx context.Context, creds Credentials) error
	Balance(ctx context.Context) (decimal.Decimal, error)
	Teardown()
}

// SimulatedClient is a dry-run execution context with a fixed balance.
type SimulatedClient struct {
	mu          sync.Mutex
	balance     decimal.Decimal
	initialized bool
	logger      *zap.Logger
}

var _ ExecutionContext = (*SimulatedClient)(nil)

// NewSimulatedClient creates a dry-run client reporting balance.
func NewSimulatedClient(balance decimal.Decimal, logger *zap.Logger) *SimulatedClient {
	return &SimulatedClient{balance: balance, logger: logger.Named("chain-sim")}
}

func (c *SimulatedClient) Initialize(ctx context.Context, creds Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	c.logger.Warn("Dry run enabled. Trades are simulated.", zap.String("wallet", creds.WalletAddress))
	return nil
}

func (c *SimulatedClient) Balance(context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return decimal.Zero, ErrNotInitialized
	}
	return c.balance, nil
}

func (c *SimulatedClient) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
}
