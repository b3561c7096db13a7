package keeper

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/model"
	"github.com/perpskeeper/keeper/internal/notifier"
	"github.com/perpskeeper/keeper/internal/priceclient"
)

// pythStub serves /api/latest_vaas the way the real price service does,
// returning either a single base64 VAA or a 500 depending on failNext.
type pythStub struct {
	srv      *httptest.Server
	failNext bool
}

func newPythStub(t *testing.T) *pythStub {
	t.Helper()
	stub := &pythStub{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if stub.failNext {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("upstream unavailable"))
			return
		}
		vaas := []string{base64.StdEncoding.EncodeToString([]byte("fake-vaa-payload"))}
		_ = json.NewEncoder(w).Encode(vaas)
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func newTestOffchainKeeper(t *testing.T, contract *fakeMarketContract, client *fakeChainClient, pyth *priceclient.Pyth) *OffchainDelayedOrdersKeeper {
	t.Helper()
	pool := newTestPool(t, client)
	pythOracle := chain.NewPythOracle(client, common.HexToAddress("0xFEE0000000000000000000000000000000FEE0"))
	market := testMarket()
	market.PriceFeedID = "0xabc"
	return NewOffchainDelayedOrdersKeeper(market, contract, pythOracle, client, pyth, pool, notifier.Noop{}, nil, nil, DefaultOptions())
}

func TestOffchainDelayedOrdersKeeper_SubmitThenExecute(t *testing.T) {
	stub := newPythStub(t)
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	pyth := priceclient.NewPyth(stub.srv.URL)
	k := newTestOffchainKeeper(t, contract, client, pyth)

	account := common.HexToAddress("0x7777777777777777777777777777777777777a")
	contract.sizeDeltas[account] = big.NewInt(250)

	k.UpdateIndex(context.Background(), []model.Event{
		{Kind: model.OffchainOrderSubmitted, Args: map[string]any{
			"account":          account,
			"targetRoundId":    big.NewInt(1),
			"executableAtTime": uint64(0),
		}},
	}, chain.Block{Timestamp: 1000}, nil)
	require.Len(t, k.orders, 1)

	k.Execute(context.Background(), chain.Block{Timestamp: 2000})

	k.mu.Lock()
	_, stillPresent := k.orders[account]
	k.mu.Unlock()
	assert.False(t, stillPresent, "a successfully executed off-chain order must be evicted from the index")
}

func TestOffchainDelayedOrdersKeeper_PythFetchFailureRecordsFailureWithoutEviction(t *testing.T) {
	stub := newPythStub(t)
	stub.failNext = true
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	pyth := priceclient.NewPyth(stub.srv.URL)
	k := newTestOffchainKeeper(t, contract, client, pyth)

	account := common.HexToAddress("0x8888888888888888888888888888888888888b")
	contract.sizeDeltas[account] = big.NewInt(250)
	k.UpdateIndex(context.Background(), []model.Event{
		{Kind: model.OffchainOrderSubmitted, Args: map[string]any{"account": account, "executableAtTime": uint64(0)}},
	}, chain.Block{}, nil)

	k.Execute(context.Background(), chain.Block{Timestamp: 2000})

	k.mu.Lock()
	order, stillPresent := k.orders[account]
	k.mu.Unlock()
	require.True(t, stillPresent, "a single Pyth fetch failure must not evict the order (spec: it only counts as one failed attempt)")
	assert.Equal(t, 1, order.ExecutionFailures)
}

func TestOffchainDelayedOrdersKeeper_AlreadyExecutedOnChainEvictsWithoutSubmitting(t *testing.T) {
	stub := newPythStub(t)
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	pyth := priceclient.NewPyth(stub.srv.URL)
	k := newTestOffchainKeeper(t, contract, client, pyth)

	account := common.HexToAddress("0x9999999999999999999999999999999999999c")
	// sizeDelta defaults to zero: the on-chain order has already executed or
	// been cancelled out from under this index.
	k.UpdateIndex(context.Background(), []model.Event{
		{Kind: model.OffchainOrderSubmitted, Args: map[string]any{"account": account, "executableAtTime": uint64(0)}},
	}, chain.Block{}, nil)

	k.Execute(context.Background(), chain.Block{Timestamp: 2000})

	assert.Empty(t, k.orders, "a zero on-chain sizeDelta must evict immediately without ever calling Pyth")
}

func TestOffchainDelayedOrdersKeeper_RemovedEventEvicts(t *testing.T) {
	stub := newPythStub(t)
	contract := newFakeMarketContract()
	client := newFakeChainClient()
	pyth := priceclient.NewPyth(stub.srv.URL)
	k := newTestOffchainKeeper(t, contract, client, pyth)

	account := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	k.UpdateIndex(context.Background(), []model.Event{
		{Kind: model.OffchainOrderSubmitted, Args: map[string]any{"account": account, "executableAtTime": uint64(0)}},
	}, chain.Block{}, nil)
	require.Len(t, k.orders, 1)

	k.UpdateIndex(context.Background(), []model.Event{
		{Kind: model.OffchainOrderRemoved, Args: map[string]any{"account": account}},
	}, chain.Block{}, nil)
	assert.Empty(t, k.orders)
}
