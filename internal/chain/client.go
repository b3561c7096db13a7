// Package chain defines the narrow ChainClient / MarketContract capability
// surface spec.md treats as an external collaborator, plus one concrete
// implementation of each backed by go-ethereum so the keeper runs against a
// real RPC endpoint.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is the minimal block shape the keeper cares about: its number and
// timestamp, used as the keeper's clock (spec §4.3, §4.5).
type Block struct {
	Number    uint64
	Timestamp uint64
}

// ChainClient is the abstract block/event/call/send primitive set spec.md
// §1 calls out as an external collaborator (the concrete chain-RPC client
// library). Every Keeper and the Distributor depend on this interface, not
// on go-ethereum directly, so a test double can stand in for it.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (Block, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}
