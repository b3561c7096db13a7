package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/perpskeeper/keeper/internal/pkg/apperrors"
	"github.com/perpskeeper/keeper/internal/pkg/logger"
)

// EthClient is the go-ethereum-backed ChainClient. It wraps every call with
// a token-bucket limiter so a misbehaving keeper can't blow through the
// configured RPC provider's rate limit during a backlog catch-up scan —
// the same defensive instinct the teacher applies to inbound API traffic
// via golang.org/x/time/rate, turned around to protect an outbound
// dependency instead.
type EthClient struct {
	client  *ethclient.Client
	limiter *rate.Limiter
}

// NewEthClient dials rpcURL and wraps it with a limiter allowing rps
// requests per second (burst 2*rps+1). rps <= 0 disables limiting.
func NewEthClient(ctx context.Context, rpcURL string, rps float64) (*EthClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), int(rps*2)+1)
	}
	return &EthClient{client: client, limiter: limiter}, nil
}

func (c *EthClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return withRetry(ctx, func() (uint64, error) {
		return c.client.BlockNumber(ctx)
	})
}

func (c *EthClient) BlockByNumber(ctx context.Context, number uint64) (Block, error) {
	if err := c.wait(ctx); err != nil {
		return Block{}, err
	}
	header, err := withRetry(ctx, func() (*types.Header, error) {
		return c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return Block{}, err
	}
	return Block{Number: header.Number.Uint64(), Timestamp: header.Time}, nil
}

func (c *EthClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(ctx, func() ([]types.Log, error) {
		return c.client.FilterLogs(ctx, query)
	})
}

func (c *EthClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(ctx, func() ([]byte, error) {
		return c.client.CallContract(ctx, msg, blockNumber)
	})
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.client.EstimateGas(ctx, msg)
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(ctx, func() (*big.Int, error) {
		return c.client.SuggestGasPrice(ctx)
	})
}

func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.client.SendTransaction(ctx, tx)
}

func (c *EthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.TransactionReceipt(ctx, txHash)
}

func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return withRetry(ctx, func() (uint64, error) {
		return c.client.PendingNonceAt(ctx, account)
	})
}

func (c *EthClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(ctx, func() (*big.Int, error) {
		return c.client.BalanceAt(ctx, account, blockNumber)
	})
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.client.ChainID(ctx)
}

// retryAttempts/retryBaseDelay bound the exponential backoff EthClient
// applies to transient RPC failures, which also covers EventSource's
// FilterLogs pages (spec §2 C3, §7.1).
const (
	retryAttempts  = 4
	retryBaseDelay = 200 * time.Millisecond
)

// withRetry retries a transient RPC call with bounded exponential backoff,
// the same shape as the teacher's EIP1271Verifier.shouldRetry loop.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == retryAttempts-1 {
			break
		}
		logger.Debug("chain: transient RPC error, retrying", "attempt", attempt, "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return zero, apperrors.New(apperrors.ErrTransientRPC, fmt.Sprintf("chain: rpc call failed after %d attempts", retryAttempts), lastErr)
}
