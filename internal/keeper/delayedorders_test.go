package keeper

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/model"
	"github.com/perpskeeper/keeper/internal/notifier"
	"github.com/perpskeeper/keeper/internal/wallet"
)

const testMnemonic = "test test test test test test test test test test test junk"

// fakeMarketContract implements chain.MarketContract with in-memory,
// per-account state a test can mutate directly.
type fakeMarketContract struct {
	mu sync.Mutex

	addr              common.Address
	currentRoundID    *big.Int
	sizeDeltas        map[common.Address]*big.Int
	canLiquidate      map[common.Address]bool
	flagged           map[common.Address]bool
	liqPrices         map[common.Address]*big.Int
	canLiquidateCalls map[common.Address]int
}

func newFakeMarketContract() *fakeMarketContract {
	return &fakeMarketContract{
		addr:              common.HexToAddress("0xDEADBEEF00000000000000000000000000BEEF"),
		currentRoundID:    big.NewInt(1),
		sizeDeltas:        make(map[common.Address]*big.Int),
		canLiquidate:      make(map[common.Address]bool),
		flagged:           make(map[common.Address]bool),
		liqPrices:         make(map[common.Address]*big.Int),
		canLiquidateCalls: make(map[common.Address]int),
	}
}

func (f *fakeMarketContract) Address() common.Address { return f.addr }
func (f *fakeMarketContract) AllMarketSummaries(ctx context.Context) ([]chain.MarketSummary, error) {
	return nil, nil
}
func (f *fakeMarketContract) GetCurrentRoundID(ctx context.Context, asset string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentRoundID, nil
}
func (f *fakeMarketContract) OffchainPriceFeedID(ctx context.Context) ([32]byte, error) {
	return [32]byte{}, nil
}
func (f *fakeMarketContract) DelayedOrderSizeDelta(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.sizeDeltas[account]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}
func (f *fakeMarketContract) CanLiquidate(ctx context.Context, account common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canLiquidateCalls[account]++
	return f.canLiquidate[account], nil
}
func (f *fakeMarketContract) IsFlagged(ctx context.Context, account common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flagged[account], nil
}
func (f *fakeMarketContract) LiquidationPrice(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.liqPrices[account]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}
func (f *fakeMarketContract) EncodeExecuteDelayedOrder(account common.Address) []byte {
	return append([]byte{0x01}, account.Bytes()...)
}
func (f *fakeMarketContract) EncodeExecuteOffchainDelayedOrder(account common.Address, updateData [][]byte) []byte {
	return append([]byte{0x02}, account.Bytes()...)
}
func (f *fakeMarketContract) EncodeFlagPosition(account common.Address) []byte {
	return append([]byte{0x03}, account.Bytes()...)
}
func (f *fakeMarketContract) EncodeLiquidatePosition(account common.Address) []byte {
	return append([]byte{0x04}, account.Bytes()...)
}

var _ chain.MarketContract = (*fakeMarketContract)(nil)

// fakeChainClient is a minimal chain.ChainClient double: EstimateGas and
// SendTransaction always succeed unless overridden, and TransactionReceipt
// immediately confirms.
type fakeChainClient struct {
	mu                 sync.Mutex
	sendErr            error
	estimateErr        error
	nonces             map[common.Address]uint64
	callContractResult []byte              // defaults to an ABI-encoded zero uint256, e.g. for PythOracle.GetUpdateFee
	sentTxs            []*types.Transaction // every transaction handed to SendTransaction, in order
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{nonces: make(map[common.Address]uint64)}
}

func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (f *fakeChainClient) BlockByNumber(ctx context.Context, number uint64) (chain.Block, error) {
	return chain.Block{Number: number, Timestamp: uint64(time.Now().Unix())}, nil
}
func (f *fakeChainClient) FilterLogs(ctx context.Context, query goethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeChainClient) CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callContractResult != nil {
		return f.callContractResult, nil
	}
	return make([]byte, 32), nil // ABI-encoded uint256(0)
}
func (f *fakeChainClient) EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}
func (f *fakeChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	f.sentTxs = append(f.sentTxs, tx)
	f.mu.Unlock()
	return f.sendErr
}
func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}
func (f *fakeChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}
func (f *fakeChainClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChainClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

var _ chain.ChainClient = (*fakeChainClient)(nil)

func testMarket() model.Market {
	return model.Market{Key: "sETH-PERP", Asset: "sETH", Contract: common.HexToAddress("0xDEADBEEF00000000000000000000000000BEEF")}
}

func newTestPool(t *testing.T, client chain.ChainClient) *wallet.Pool {
	t.Helper()
	pool, err := wallet.NewPool(context.Background(), client, testMnemonic, 1, big.NewInt(1))
	require.NoError(t, err)
	return pool
}

func TestDelayedOrdersKeeper_SubmitThenExecute(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	pool := newTestPool(t, client)
	k := NewDelayedOrdersKeeper(testMarket(), contract, client, pool, notifier.Noop{}, nil, nil, DefaultOptions())

	account := common.HexToAddress("0x1111111111111111111111111111111111111a")
	contract.sizeDeltas[account] = big.NewInt(500)

	k.UpdateIndex(context.Background(), []model.Event{
		{
			Kind: model.DelayedOrderSubmitted,
			Args: map[string]any{
				"account":          account,
				"targetRoundId":    big.NewInt(1),
				"executableAtTime": uint64(0),
			},
		},
	}, chain.Block{Timestamp: 1000}, nil)

	require.Len(t, k.orders, 1)

	k.Execute(context.Background(), chain.Block{Timestamp: 2000})

	k.mu.Lock()
	_, stillPresent := k.orders[account]
	k.mu.Unlock()
	assert.False(t, stillPresent, "a successfully executed order must be evicted from the index")
}

func TestDelayedOrdersKeeper_SubmitThenRemove(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	pool := newTestPool(t, client)
	k := NewDelayedOrdersKeeper(testMarket(), contract, client, pool, notifier.Noop{}, nil, nil, DefaultOptions())

	account := common.HexToAddress("0x2222222222222222222222222222222222222b")
	k.UpdateIndex(context.Background(), []model.Event{
		{Kind: model.DelayedOrderSubmitted, Args: map[string]any{"account": account, "executableAtTime": uint64(0)}},
	}, chain.Block{}, nil)
	require.Len(t, k.orders, 1)

	k.UpdateIndex(context.Background(), []model.Event{
		{Kind: model.DelayedOrderRemoved, Args: map[string]any{"account": account}},
	}, chain.Block{}, nil)
	assert.Empty(t, k.orders, "a Removed event must evict the order even if it was never executed")
}

func TestDelayedOrdersKeeper_EvictsAfterMaxExecAttempts(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	client.estimateErr = assertError{"estimateGas always reverts"}
	pool := newTestPool(t, client)
	opts := DefaultOptions()
	opts.MaxExecAttempts = 2
	k := NewDelayedOrdersKeeper(testMarket(), contract, client, pool, notifier.Noop{}, nil, nil, opts)

	account := common.HexToAddress("0x3333333333333333333333333333333333333c")
	contract.sizeDeltas[account] = big.NewInt(500)
	k.UpdateIndex(context.Background(), []model.Event{
		{Kind: model.DelayedOrderSubmitted, Args: map[string]any{"account": account, "executableAtTime": uint64(0)}},
	}, chain.Block{}, nil)

	for i := 0; i < 3; i++ {
		k.Execute(context.Background(), chain.Block{Timestamp: 2000})
	}

	k.mu.Lock()
	_, stillPresent := k.orders[account]
	k.mu.Unlock()
	assert.False(t, stillPresent, "an order failing every attempt must be evicted once failures exceed MaxExecAttempts")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
