package keeper

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/model"
	"github.com/perpskeeper/keeper/internal/notifier"
)

func newTestLiquidationKeeper(t *testing.T, contract *fakeMarketContract, client *fakeChainClient) *LiquidationKeeper {
	t.Helper()
	pool := newTestPool(t, client)
	return NewLiquidationKeeper(testMarket(), contract, client, nil, pool, notifier.Noop{}, nil, nil, DefaultLiquidationParams(), DefaultOptions())
}

func withPosition(k *LiquidationKeeper, account common.Address, p *model.Position) {
	k.mu.Lock()
	k.positions[account] = p
	k.mu.Unlock()
}

func TestLiquidationKeeper_PositionUnderwater(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	k := newTestLiquidationKeeper(t, contract, client)

	account := common.HexToAddress("0x4444444444444444444444444444444444444d")
	contract.canLiquidate[account] = true
	contract.flagged[account] = false
	withPosition(k, account, &model.Position{
		Account:  account,
		Size:     decimal.NewFromInt(10),
		Leverage: decimal.NewFromInt(20),
		LiqPrice: decimal.NewFromInt(1000),
	})

	k.liquidatePosition(context.Background(), account)

	// Not yet flagged: liquidatePosition must flag first, then liquidate in
	// the same call once flagging succeeds (spec's flag-then-liquidate
	// decision tree). The fake chain client accepts every transaction, so
	// exactly two are sent: flagPosition (0x03 calldata prefix in the fake
	// contract) followed by liquidatePosition (0x04).
	require.Len(t, client.sentTxs, 2, "an underwater, unflagged position must be flagged (and then liquidated) in one pass")
	assert.Equal(t, []byte{0x03, 0x04}, []byte{client.sentTxs[0].Data()[0], client.sentTxs[1].Data()[0]}, "flagPosition must be submitted before liquidatePosition")
}

func TestLiquidationKeeper_AlreadyFlaggedGoesStraightToLiquidate(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	k := newTestLiquidationKeeper(t, contract, client)

	account := common.HexToAddress("0x5555555555555555555555555555555555555e")
	contract.canLiquidate[account] = true
	contract.flagged[account] = true
	withPosition(k, account, &model.Position{Account: account, Size: decimal.NewFromInt(5), LiqPrice: decimal.NewFromInt(900)})

	k.liquidatePosition(context.Background(), account)

	// Already flagged: exactly one transaction, liquidatePosition (0x04
	// calldata prefix in the fake contract), and no second flagPosition.
	require.Len(t, client.sentTxs, 1, "an already-flagged position must not be flagged again")
	assert.Equal(t, byte(0x04), client.sentTxs[0].Data()[0], "an already-flagged position must go straight to liquidatePosition")
}

func TestLiquidationKeeper_NotYetLiquidatableRefreshesPrice(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	k := newTestLiquidationKeeper(t, contract, client)

	account := common.HexToAddress("0x6666666666666666666666666666666666666f")
	contract.canLiquidate[account] = false
	contract.flagged[account] = false
	contract.liqPrices[account] = big.NewInt(0).Mul(big.NewInt(1200), big.NewInt(1))
	withPosition(k, account, &model.Position{Account: account, Size: decimal.NewFromInt(3), LiqPrice: model.UnknownLiqPrice})

	k.liquidatePosition(context.Background(), account)

	k.mu.Lock()
	p := k.positions[account]
	k.mu.Unlock()
	require.NotNil(t, p)
	assert.False(t, p.HasUnknownLiqPrice(), "a not-yet-liquidatable position must have its liqPrice refreshed from the contract")
}

func TestLiquidationKeeper_LiquidationGroups_ClosePriorityAndOrdering(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	k := newTestLiquidationKeeper(t, contract, client)

	price := decimal.NewFromInt(1000)

	closeNear := common.HexToAddress("0x0000000000000000000000000000000000000A")
	closeFar := common.HexToAddress("0x0000000000000000000000000000000000000B")
	unknownAcc := common.HexToAddress("0x0000000000000000000000000000000000000C")
	outdatedAcc := common.HexToAddress("0x0000000000000000000000000000000000000D")
	farAcc := common.HexToAddress("0x0000000000000000000000000000000000000E") // not close, not outdated: excluded

	withPosition(k, closeNear, &model.Position{Account: closeNear, Size: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(5), LiqPrice: decimal.NewFromInt(1005)})  // distance 0.005
	withPosition(k, closeFar, &model.Position{Account: closeFar, Size: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(5), LiqPrice: decimal.NewFromInt(1040)})     // distance 0.04
	withPosition(k, unknownAcc, &model.Position{Account: unknownAcc, Size: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(9), LiqPrice: model.UnknownLiqPrice})
	withPosition(k, outdatedAcc, &model.Position{Account: outdatedAcc, Size: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(1), LiqPrice: decimal.NewFromInt(2000), LiqPriceUpdatedTimestamp: 1})
	withPosition(k, farAcc, &model.Position{Account: farAcc, Size: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(1), LiqPrice: decimal.NewFromInt(2000), LiqPriceUpdatedTimestamp: 999_999_999})

	k.mu.Lock()
	k.blockTipTimestamp = 999_999_999 + uint64(k.params.FarPriceRecencyCutoff.Seconds()) - 10
	k.mu.Unlock()

	group := k.liquidationGroups(price)

	require.NotEmpty(t, group)
	assert.Equal(t, closeNear, group[0], "the closer-to-liqPrice candidate must sort before the farther one within the close group")
	assert.Contains(t, group, closeFar)
	assert.Contains(t, group, unknownAcc)
	assert.Contains(t, group, outdatedAcc)
	assert.NotContains(t, group, farAcc, "a position that is neither close nor stale enough to be outdated must not be selected")

	closeIdx := indexOf(group, closeNear)
	unknownIdx := indexOf(group, unknownAcc)
	outdatedIdx := indexOf(group, outdatedAcc)
	assert.Less(t, closeIdx, unknownIdx, "close-group candidates take priority over unknown-liqPrice candidates")
	assert.Less(t, unknownIdx, outdatedIdx, "unknown-liqPrice candidates take priority over outdated candidates")
}

func TestLiquidationKeeper_MaxFarPricesToUpdateTruncatesOutdated(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	k := newTestLiquidationKeeper(t, contract, client)
	k.params.MaxFarPricesToUpdate = 1

	price := decimal.NewFromInt(1000)
	a := common.HexToAddress("0x00000000000000000000000000000000000001")
	b := common.HexToAddress("0x00000000000000000000000000000000000002")
	withPosition(k, a, &model.Position{Account: a, Size: decimal.NewFromInt(1), LiqPrice: decimal.NewFromInt(5000), LiqPriceUpdatedTimestamp: 1})
	withPosition(k, b, &model.Position{Account: b, Size: decimal.NewFromInt(1), LiqPrice: decimal.NewFromInt(5000), LiqPriceUpdatedTimestamp: 2})

	k.mu.Lock()
	k.blockTipTimestamp = 10 + uint64(k.params.FarPriceRecencyCutoff.Seconds())
	k.mu.Unlock()

	group := k.liquidationGroups(price)
	assert.Len(t, group, 1, "MaxFarPricesToUpdate must cap the outdated group even when more candidates qualify")
	assert.Equal(t, a, group[0], "the stalest-updated candidate must win when the outdated group is truncated")
}

// aggregate3ABI is a test-local copy of Multicall3's ABI fragment, used only
// to encode a canned aggregate3 return value for fakeChainClient.
var aggregate3ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(`[
		{"name":"aggregate3","type":"function","stateMutability":"payable",
		 "inputs":[{"name":"calls","type":"tuple[]","components":[
			{"name":"target","type":"address"},
			{"name":"allowFailure","type":"bool"},
			{"name":"callData","type":"bytes"}]}],
		 "outputs":[{"name":"returnData","type":"tuple[]","components":[
			{"name":"success","type":"bool"},
			{"name":"returnData","type":"bytes"}]}]}
	]`))
	if err != nil {
		panic(err)
	}
	return parsed
}()

func encodeAggregate3Result(t *testing.T, results []chain.Result3) []byte {
	t.Helper()
	type tupleOut struct {
		Success    bool
		ReturnData []byte
	}
	out := make([]tupleOut, len(results))
	for i, r := range results {
		out[i] = tupleOut{Success: r.Success, ReturnData: r.ReturnData}
	}
	packed, err := aggregate3ABI.Methods["aggregate3"].Outputs.Pack(out)
	require.NoError(t, err)
	return packed
}

func TestLiquidationKeeper_DryRunFlagBatch_DecodesAcceptedSubset(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	a := common.HexToAddress("0x0000000000000000000000000000000000000A")
	b := common.HexToAddress("0x0000000000000000000000000000000000000B")

	client.callContractResult = encodeAggregate3Result(t, []chain.Result3{{Success: true}, {Success: false}})
	multicall := chain.NewMulticall(client, common.HexToAddress("0xCA11CA11CA11CA11CA11CA11CA11CA11CA11CA1"))
	pool := newTestPool(t, client)
	k := NewLiquidationKeeper(testMarket(), contract, client, multicall, pool, notifier.Noop{}, nil, nil, DefaultLiquidationParams(), DefaultOptions())

	accepted, err := k.DryRunFlagBatch(context.Background(), []common.Address{a, b})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{a}, accepted, "only the call the simulated aggregate3 reported as successful should be accepted")
}

func TestLiquidationKeeper_ProcessBatch_MulticallFastPathSubmitsOneAggregate3Transaction(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	multicallAddr := common.HexToAddress("0xCA11CA11CA11CA11CA11CA11CA11CA11CA11CA1")
	a := common.HexToAddress("0x7777777777777777777777777777777777777f")
	b := common.HexToAddress("0x7777777777777777777777777777777777777e")

	// Both accounts start out not liquidatable/not flagged; the dry run
	// says the contract will accept flagPosition for both.
	contract.canLiquidate[a] = false
	contract.flagged[a] = false
	contract.canLiquidate[b] = false
	contract.flagged[b] = false
	client.callContractResult = encodeAggregate3Result(t, []chain.Result3{{Success: true}, {Success: true}})

	multicall := chain.NewMulticall(client, multicallAddr)
	pool := newTestPool(t, client)
	k := NewLiquidationKeeper(testMarket(), contract, client, multicall, pool, notifier.Noop{}, nil, nil, DefaultLiquidationParams(), DefaultOptions())
	withPosition(k, a, &model.Position{Account: a, Size: decimal.NewFromInt(5), LiqPrice: decimal.NewFromInt(900)})
	withPosition(k, b, &model.Position{Account: b, Size: decimal.NewFromInt(5), LiqPrice: decimal.NewFromInt(900)})

	k.processBatch(context.Background(), []common.Address{a, b})

	require.Len(t, client.sentTxs, 1, "an accepted page must be flagged with exactly one aggregate3 transaction, not one per account")
	assert.Equal(t, multicallAddr, *client.sentTxs[0].To(), "the batched flag transaction must target the Multicall3 contract, not the market contract")
	assert.Equal(t, 2, contract.canLiquidateCalls[a]+contract.canLiquidateCalls[b], "after the batch-flag transaction, both accounts must still run through liquidatePosition's own decision tree")
}

func TestLiquidationKeeper_ProcessBatch_RejectedDryRunFallsBackToPerAccountCheck(t *testing.T) {
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	account := common.HexToAddress("0x8888888888888888888888888888888888888a")

	// Already flagged: a real flagPosition dry-run would revert for this
	// account, but it must still be liquidated via the per-account fallback.
	contract.canLiquidate[account] = true
	contract.flagged[account] = true
	client.callContractResult = encodeAggregate3Result(t, []chain.Result3{{Success: false}})

	multicall := chain.NewMulticall(client, common.HexToAddress("0xCA11CA11CA11CA11CA11CA11CA11CA11CA11CA1"))
	pool := newTestPool(t, client)
	k := NewLiquidationKeeper(testMarket(), contract, client, multicall, pool, notifier.Noop{}, nil, nil, DefaultLiquidationParams(), DefaultOptions())
	withPosition(k, account, &model.Position{Account: account, Size: decimal.NewFromInt(5), LiqPrice: decimal.NewFromInt(900)})

	k.processBatch(context.Background(), []common.Address{account})

	assert.Equal(t, 1, contract.canLiquidateCalls[account], "a dry-run rejection is ambiguous, so the per-account CanLiquidate/IsFlagged path must still run")
}

func indexOf(addrs []common.Address, target common.Address) int {
	for i, a := range addrs {
		if a == target {
			return i
		}
	}
	return -1
}

var _ chain.MarketContract = (*fakeMarketContract)(nil)
