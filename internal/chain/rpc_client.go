package chain

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trade-agent-go/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxRetries   = 3
	weiDecimals  = 18
	jsonRPCVer   = "2.0"
	requestPath  = "/"
	defaultLimit = 10
)

// rpcRequest is a JSON-RPC 2.0 request body.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcError is the error object of a JSON-RPC response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is a JSON-RPC 2.0 response carrying a string result.
type rpcResponse struct {
	ID     uint64    `json:"id"`
	Result string    `json:"result"`
	Error  *rpcError `json:"error,omitempty"`
}

// RPCClient is a read-only JSON-RPC execution context. Initialize verifies
// the endpoint is reachable; Balance reads the wallet's native balance.
type RPCClient struct {
	mu      sync.Mutex
	client  *resty.Client
	wallet  string
	chainID uint64

	limiter *rate.Limiter
	backoff time.Duration
	nextID  atomic.Uint64
	logger  *zap.Logger
}

// ensure RPCClient implements the interface
var _ ExecutionContext = (*RPCClient)(nil)

// NewRPCClient creates a client rate limited according to cfg.
func NewRPCClient(cfg config.Chain, logger *zap.Logger) *RPCClient {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultLimit
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &RPCClient{
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		backoff: time.Second,
		logger:  logger.Named("chain-rpc"),
	}
}

// Initialize connects to creds.RPCURL and checks it answers eth_chainId.
// On failure the client stays uninitialized.
func (c *RPCClient) Initialize(ctx context.Context, creds Credentials) error {
	if creds.RPCURL == "" {
		return fmt.Errorf("%w: rpc url", ErrMissingCredentials)
	}
	if creds.WalletAddress == "" {
		return fmt.Errorf("%w: wallet address", ErrMissingCredentials)
	}

	client := resty.New().SetBaseURL(strings.TrimRight(creds.RPCURL, "/"))
	hexID, err := c.call(ctx, client, "eth_chainId")
	if err != nil {
		return fmt.Errorf("failed to reach rpc endpoint: %w", err)
	}
	chainID, err := strconv.ParseUint(strings.TrimPrefix(hexID, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid chain id %q: %w", hexID, err)
	}

	c.mu.Lock()
	c.client = client
	c.wallet = creds.WalletAddress
	c.chainID = chainID
	c.mu.Unlock()

	c.logger.Info("Connected to rpc endpoint", zap.Uint64("chain_id", chainID), zap.String("wallet", creds.WalletAddress))
	return nil
}

// ChainID returns the chain id reported during Initialize.
func (c *RPCClient) ChainID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainID
}

// Balance returns the wallet's native balance in whole units.
func (c *RPCClient) Balance(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	client, wallet := c.client, c.wallet
	c.mu.Unlock()
	if client == nil {
		return decimal.Zero, ErrNotInitialized
	}

	hexWei, err := c.call(ctx, client, "eth_getBalance", wallet, "latest")
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	wei, ok := new(big.Int).SetString(strings.TrimPrefix(hexWei, "0x"), 16)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid balance %q", hexWei)
	}
	return decimal.NewFromBigInt(wei, -weiDecimals), nil
}

// Teardown drops the connection. Initialize must be called again before reuse.
func (c *RPCClient) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.GetClient().CloseIdleConnections()
	}
	c.client = nil
	c.wallet = ""
	c.chainID = 0
}

// call performs one JSON-RPC method call and returns its string result.
func (c *RPCClient) call(ctx context.Context, client *resty.Client, method string, params ...any) (string, error) {
	if params == nil {
		params = []any{}
	}
	var out rpcResponse
	req := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(rpcRequest{JSONRPC: jsonRPCVer, ID: c.nextID.Add(1), Method: method, Params: params}).
		SetResult(&out)

	if _, err := c.doRequest(ctx, client, http.MethodPost, requestPath, req); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RPCClient) doRequest(ctx context.Context, client *resty.Client, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else {
			// Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
