package events

import (
	"context"
	"math/big"
	"testing"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/model"
)

type fakeRangedClient struct {
	// logsByRange maps "from-to" to the logs FilterLogs should return for
	// that exact range, so a test can assert paging boundaries.
	logsByRange map[string][]types.Log
	calls       []goethereum.FilterQuery

	blockTimestamps  map[uint64]uint64 // blockNumber -> timestamp; missing entries resolve to 0
	blockLookupCalls int
}

func (f *fakeRangedClient) FilterLogs(ctx context.Context, query goethereum.FilterQuery) ([]types.Log, error) {
	f.calls = append(f.calls, query)
	key := query.FromBlock.String() + "-" + query.ToBlock.String()
	return f.logsByRange[key], nil
}
func (f *fakeRangedClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeRangedClient) BlockByNumber(ctx context.Context, number uint64) (chain.Block, error) {
	f.blockLookupCalls++
	return chain.Block{Number: number, Timestamp: f.blockTimestamps[number]}, nil
}
func (f *fakeRangedClient) CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeRangedClient) EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error) {
	return 0, nil
}
func (f *fakeRangedClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return nil, nil }
func (f *fakeRangedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}
func (f *fakeRangedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, nil
}
func (f *fakeRangedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeRangedClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return nil, nil
}
func (f *fakeRangedClient) ChainID(ctx context.Context) (*big.Int, error) { return nil, nil }

var _ chain.ChainClient = (*fakeRangedClient)(nil)

func delayedOrderSubmittedLog(t *testing.T, contract common.Address, account common.Address, blockNumber uint64, logIndex uint) types.Log {
	t.Helper()
	ev := chain.EventsABI().Events["DelayedOrderSubmitted"]
	// account is the only indexed field; every other input is packed into
	// Data in declaration order via the event's non-indexed argument set.
	packed, err := ev.Inputs.NonIndexed().Pack(false, big.NewInt(100), big.NewInt(5), big.NewInt(0), big.NewInt(0), big.NewInt(1000), big.NewInt(900), [32]byte{})
	require.NoError(t, err)

	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(account.Bytes())},
		Data:        packed,
		BlockNumber: blockNumber,
		Index:       logIndex,
	}
}

func TestSource_GetEvents_DecodesAndOrders(t *testing.T) {
	contract := common.HexToAddress("0xC0FFEE0000000000000000000000000000C0FE")
	account := common.HexToAddress("0xA11CE00000000000000000000000000000A11C")

	// Two logs land in the same block out of index order; GetEvents must
	// re-sort them by (blockNumber, logIndex).
	logHigh := delayedOrderSubmittedLog(t, contract, account, 105, 3)
	logLow := delayedOrderSubmittedLog(t, contract, account, 105, 1)

	client := &fakeRangedClient{
		logsByRange: map[string][]types.Log{
			"100-200": {logHigh, logLow},
		},
	}
	src := NewSource(client, 1_000)

	got, err := src.GetEvents(context.Background(), contract, []model.EventKind{model.DelayedOrderSubmitted}, 100, 200)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint(1), got[0].LogIndex)
	assert.Equal(t, uint(3), got[1].LogIndex)
	assert.Equal(t, model.DelayedOrderSubmitted, got[0].Kind)
	assert.Equal(t, account, got[0].ArgAddress("account"))
}

func TestSource_GetEvents_PagesAcrossMaxRange(t *testing.T) {
	contract := common.HexToAddress("0xC0FFEE0000000000000000000000000000C0FE")
	account := common.HexToAddress("0xA11CE00000000000000000000000000000A11C")

	firstPage := delayedOrderSubmittedLog(t, contract, account, 10, 0)
	secondPage := delayedOrderSubmittedLog(t, contract, account, 25, 0)

	client := &fakeRangedClient{
		logsByRange: map[string][]types.Log{
			"0-10":  {firstPage},
			"11-21": {},
			"22-25": {secondPage},
		},
	}
	src := NewSource(client, 10)

	got, err := src.GetEvents(context.Background(), contract, []model.EventKind{model.DelayedOrderSubmitted}, 0, 25)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, client.calls, 3, "a 25-block range chunked at maxRange=10 must issue three FilterLogs calls")
}

func TestSource_GetEvents_ResolvesAndCachesBlockTimestamp(t *testing.T) {
	contract := common.HexToAddress("0xC0FFEE0000000000000000000000000000C0FE")
	account := common.HexToAddress("0xA11CE00000000000000000000000000000A11C")

	// Two logs from the same block: BlockByNumber must only be called once
	// for it within the batch.
	logA := delayedOrderSubmittedLog(t, contract, account, 50, 0)
	logB := delayedOrderSubmittedLog(t, contract, account, 50, 1)

	client := &fakeRangedClient{
		logsByRange:     map[string][]types.Log{"0-100": {logA, logB}},
		blockTimestamps: map[uint64]uint64{50: 1_700_000_000},
	}
	src := NewSource(client, 1_000)

	got, err := src.GetEvents(context.Background(), contract, []model.EventKind{model.DelayedOrderSubmitted}, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1_700_000_000), got[0].BlockTimestamp)
	assert.Equal(t, uint64(1_700_000_000), got[1].BlockTimestamp)
	assert.Equal(t, 1, client.blockLookupCalls, "both logs share block 50, so its timestamp must be resolved once and cached")
}

func TestSource_GetEvents_FiltersToRequestedKindsOnly(t *testing.T) {
	contract := common.HexToAddress("0xC0FFEE0000000000000000000000000000C0FE")
	account := common.HexToAddress("0xA11CE00000000000000000000000000000A11C")

	log := delayedOrderSubmittedLog(t, contract, account, 10, 0)
	client := &fakeRangedClient{logsByRange: map[string][]types.Log{"0-10": {log}}}
	src := NewSource(client, 1_000)

	// Ask only for a kind the log doesn't carry: the log must be dropped
	// even though FilterLogs (the fake) returned it regardless of topics.
	got, err := src.GetEvents(context.Background(), contract, []model.EventKind{model.PositionLiquidated}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSource_GetEvents_EmptyRangeIsNoop(t *testing.T) {
	client := &fakeRangedClient{logsByRange: map[string][]types.Log{}}
	src := NewSource(client, 100)

	got, err := src.GetEvents(context.Background(), common.Address{}, []model.EventKind{model.DelayedOrderSubmitted}, 50, 10)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, client.calls)
}
