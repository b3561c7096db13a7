package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MarketContract is the abstract capability set spec.md §6 names as the
// keeper's entire on-chain read/write surface for a single perp market:
// allMarketSummaries, getCurrentRoundId, offchainPriceFeedId,
// delayedOrders, executeDelayedOrder, executeOffchainDelayedOrder,
// canLiquidate, isFlagged, liquidationPrice, flagPosition,
// liquidatePosition. Reads execute directly; writes are exposed as
// pre-encoded calldata so the caller (a Keeper, via SignerPool) controls
// gas estimation, signing and submission.
type MarketContract interface {
	Address() common.Address

	// AllMarketSummaries lists every market the on-chain market manager
	// currently knows about (spec §6: allMarketSummaries), used at startup
	// to validate the statically configured market list against on-chain
	// reality rather than to discover it outright (spec's Market carries
	// baseAsset/priceFeedId config has no on-chain source).
	AllMarketSummaries(ctx context.Context) ([]MarketSummary, error)

	GetCurrentRoundID(ctx context.Context, asset string) (*big.Int, error)
	OffchainPriceFeedID(ctx context.Context) ([32]byte, error)
	// DelayedOrderSizeDelta returns the sizeDelta field of
	// delayedOrders(account); a zero value means the order no longer
	// exists on-chain (spec §4.5 stale-state check).
	DelayedOrderSizeDelta(ctx context.Context, account common.Address) (*big.Int, error)
	CanLiquidate(ctx context.Context, account common.Address) (bool, error)
	IsFlagged(ctx context.Context, account common.Address) (bool, error)
	LiquidationPrice(ctx context.Context, account common.Address) (*big.Int, error)

	EncodeExecuteDelayedOrder(account common.Address) []byte
	EncodeExecuteOffchainDelayedOrder(account common.Address, updateData [][]byte) []byte
	EncodeFlagPosition(account common.Address) []byte
	EncodeLiquidatePosition(account common.Address) []byte
}

const marketABIJSON = `[
	{"name":"allMarketSummaries","type":"function","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"tuple[]","components":[
		{"name":"market","type":"address"},
		{"name":"asset","type":"bytes32"},
		{"name":"marketKey","type":"bytes32"}]}]},
	{"name":"getCurrentRoundId","type":"function","stateMutability":"view",
	 "inputs":[{"name":"currencyKey","type":"bytes32"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"offchainPriceFeedId","type":"function","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"name":"delayedOrders","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[
		{"name":"isOffchain","type":"bool"},
		{"name":"sizeDelta","type":"int128"},
		{"name":"desiredFillPrice","type":"uint128"},
		{"name":"targetRoundId","type":"uint128"},
		{"name":"commitDeposit","type":"uint128"},
		{"name":"keeperDeposit","type":"uint128"},
		{"name":"executableAtTime","type":"uint256"},
		{"name":"intentionTime","type":"uint256"},
		{"name":"trackingCode","type":"bytes32"}]},
	{"name":"executeDelayedOrder","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[]},
	{"name":"executeOffchainDelayedOrder","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"account","type":"address"},{"name":"priceUpdateData","type":"bytes[]"}],
	 "outputs":[]},
	{"name":"canLiquidate","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"isFlagged","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"liquidationPrice","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"flagPosition","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[]},
	{"name":"liquidatePosition","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[]}
]`

var marketABI = mustParseABI(marketABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid embedded ABI: %v", err))
	}
	return parsed
}

// marketContract is the go-ethereum-backed MarketContract, ABI-encoding
// calls the same way the teacher's EIP1271Verifier packs isValidSignature:
// parse a small inline ABI fragment once, Pack/Unpack per call.
type marketContract struct {
	addr   common.Address
	client ChainClient
}

// NewMarketContract binds a MarketContract to one on-chain market address.
func NewMarketContract(client ChainClient, addr common.Address) MarketContract {
	return &marketContract{addr: addr, client: client}
}

func (m *marketContract) Address() common.Address { return m.addr }

// MarketSummary is one entry of allMarketSummaries: a market's address
// alongside the asset and market key it trades (spec §3 Market, minus the
// config-only baseAsset/priceFeedId fields no contract call can supply).
type MarketSummary struct {
	Market common.Address
	Asset  string
	Key    string
}

type marketSummaryTuple struct {
	Market    common.Address
	Asset     [32]byte
	MarketKey [32]byte
}

func (m *marketContract) AllMarketSummaries(ctx context.Context) ([]MarketSummary, error) {
	var out []marketSummaryTuple
	if err := m.call(ctx, "allMarketSummaries", &out); err != nil {
		return nil, err
	}
	summaries := make([]MarketSummary, len(out))
	for i, s := range out {
		summaries[i] = MarketSummary{
			Market: s.Market,
			Asset:  bytes32ToString(s.Asset),
			Key:    bytes32ToString(s.MarketKey),
		}
	}
	return summaries, nil
}

func bytes32ToString(b [32]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}

func (m *marketContract) call(ctx context.Context, method string, out any, args ...any) error {
	data, err := marketABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("chain: pack %s: %w", method, err)
	}
	addr := m.addr
	result, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("chain: call %s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	return marketABI.UnpackIntoInterface(out, method, result)
}

func (m *marketContract) GetCurrentRoundID(ctx context.Context, asset string) (*big.Int, error) {
	var key [32]byte
	copy(key[:], []byte(asset))
	var out *big.Int
	if err := m.call(ctx, "getCurrentRoundId", &out, key); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *marketContract) OffchainPriceFeedID(ctx context.Context) ([32]byte, error) {
	var out [32]byte
	err := m.call(ctx, "offchainPriceFeedId", &out)
	return out, err
}

type delayedOrderTuple struct {
	IsOffchain       bool
	SizeDelta        *big.Int
	DesiredFillPrice *big.Int
	TargetRoundID    *big.Int
	CommitDeposit    *big.Int
	KeeperDeposit    *big.Int
	ExecutableAtTime *big.Int
	IntentionTime    *big.Int
	TrackingCode     [32]byte
}

func (m *marketContract) DelayedOrderSizeDelta(ctx context.Context, account common.Address) (*big.Int, error) {
	var out delayedOrderTuple
	if err := m.call(ctx, "delayedOrders", &out, account); err != nil {
		return nil, err
	}
	if out.SizeDelta == nil {
		return big.NewInt(0), nil
	}
	return out.SizeDelta, nil
}

func (m *marketContract) CanLiquidate(ctx context.Context, account common.Address) (bool, error) {
	var out bool
	err := m.call(ctx, "canLiquidate", &out, account)
	return out, err
}

func (m *marketContract) IsFlagged(ctx context.Context, account common.Address) (bool, error) {
	var out bool
	err := m.call(ctx, "isFlagged", &out, account)
	return out, err
}

func (m *marketContract) LiquidationPrice(ctx context.Context, account common.Address) (*big.Int, error) {
	var out *big.Int
	if err := m.call(ctx, "liquidationPrice", &out, account); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *marketContract) EncodeExecuteDelayedOrder(account common.Address) []byte {
	data, err := marketABI.Pack("executeDelayedOrder", account)
	if err != nil {
		panic(fmt.Sprintf("chain: pack executeDelayedOrder: %v", err))
	}
	return data
}

func (m *marketContract) EncodeExecuteOffchainDelayedOrder(account common.Address, updateData [][]byte) []byte {
	data, err := marketABI.Pack("executeOffchainDelayedOrder", account, updateData)
	if err != nil {
		panic(fmt.Sprintf("chain: pack executeOffchainDelayedOrder: %v", err))
	}
	return data
}

func (m *marketContract) EncodeFlagPosition(account common.Address) []byte {
	data, err := marketABI.Pack("flagPosition", account)
	if err != nil {
		panic(fmt.Sprintf("chain: pack flagPosition: %v", err))
	}
	return data
}

func (m *marketContract) EncodeLiquidatePosition(account common.Address) []byte {
	data, err := marketABI.Pack("liquidatePosition", account)
	if err != nil {
		panic(fmt.Sprintf("chain: pack liquidatePosition: %v", err))
	}
	return data
}

// eventsABIJSON declares every event kind spec §3 and its off-chain
// variants (spec §4.6) so EventSource can decode raw logs without each
// Keeper needing its own copy of the ABI.
const eventsABIJSON = `[
	{"name":"FundingRecomputed","type":"event","anonymous":false,
	 "inputs":[
		{"name":"funding","type":"int256","indexed":false},
		{"name":"fundingRate","type":"int256","indexed":false},
		{"name":"index","type":"uint256","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"name":"PositionModified","type":"event","anonymous":false,
	 "inputs":[
		{"name":"id","type":"uint256","indexed":true},
		{"name":"account","type":"address","indexed":true},
		{"name":"margin","type":"uint256","indexed":false},
		{"name":"size","type":"int256","indexed":false},
		{"name":"tradeSize","type":"int256","indexed":false},
		{"name":"lastPrice","type":"uint256","indexed":false},
		{"name":"fundingIndex","type":"int256","indexed":false},
		{"name":"fee","type":"uint256","indexed":false}]},
	{"name":"PositionLiquidated","type":"event","anonymous":false,
	 "inputs":[
		{"name":"id","type":"uint256","indexed":true},
		{"name":"account","type":"address","indexed":true},
		{"name":"liquidator","type":"address","indexed":false},
		{"name":"size","type":"int256","indexed":false},
		{"name":"price","type":"uint256","indexed":false},
		{"name":"flaggerFee","type":"uint256","indexed":false},
		{"name":"liquidatorFee","type":"uint256","indexed":false},
		{"name":"stakersFee","type":"uint256","indexed":false}]},
	{"name":"PositionFlagged","type":"event","anonymous":false,
	 "inputs":[
		{"name":"id","type":"uint256","indexed":true},
		{"name":"account","type":"address","indexed":true},
		{"name":"flagger","type":"address","indexed":false},
		{"name":"price","type":"uint256","indexed":false}]},
	{"name":"DelayedOrderSubmitted","type":"event","anonymous":false,
	 "inputs":[
		{"name":"account","type":"address","indexed":true},
		{"name":"isOffchain","type":"bool","indexed":false},
		{"name":"sizeDelta","type":"int256","indexed":false},
		{"name":"targetRoundId","type":"uint256","indexed":false},
		{"name":"commitDeposit","type":"uint256","indexed":false},
		{"name":"keeperDeposit","type":"uint256","indexed":false},
		{"name":"executableAtTime","type":"uint256","indexed":false},
		{"name":"intentionTime","type":"uint256","indexed":false},
		{"name":"trackingCode","type":"bytes32","indexed":false}]},
	{"name":"DelayedOrderRemoved","type":"event","anonymous":false,
	 "inputs":[
		{"name":"account","type":"address","indexed":true},
		{"name":"currentRoundId","type":"uint256","indexed":false},
		{"name":"sizeDelta","type":"int256","indexed":false},
		{"name":"targetRoundId","type":"uint256","indexed":false},
		{"name":"commitDeposit","type":"uint256","indexed":false},
		{"name":"keeperDeposit","type":"uint256","indexed":false},
		{"name":"trackingCode","type":"bytes32","indexed":false}]},
	{"name":"OffchainDelayedOrderSubmitted","type":"event","anonymous":false,
	 "inputs":[
		{"name":"account","type":"address","indexed":true},
		{"name":"isOffchain","type":"bool","indexed":false},
		{"name":"sizeDelta","type":"int256","indexed":false},
		{"name":"targetRoundId","type":"uint256","indexed":false},
		{"name":"commitDeposit","type":"uint256","indexed":false},
		{"name":"keeperDeposit","type":"uint256","indexed":false},
		{"name":"executableAtTime","type":"uint256","indexed":false},
		{"name":"intentionTime","type":"uint256","indexed":false},
		{"name":"trackingCode","type":"bytes32","indexed":false}]},
	{"name":"OffchainDelayedOrderRemoved","type":"event","anonymous":false,
	 "inputs":[
		{"name":"account","type":"address","indexed":true},
		{"name":"currentRoundId","type":"uint256","indexed":false},
		{"name":"sizeDelta","type":"int256","indexed":false},
		{"name":"targetRoundId","type":"uint256","indexed":false},
		{"name":"commitDeposit","type":"uint256","indexed":false},
		{"name":"keeperDeposit","type":"uint256","indexed":false},
		{"name":"trackingCode","type":"bytes32","indexed":false}]}
]`

var eventsABI = mustParseABI(eventsABIJSON)

// EventsABI exposes the parsed event ABI for the events package, which
// decodes raw logs into model.Event without importing go-ethereum's
// low-level abi package itself.
func EventsABI() abi.ABI { return eventsABI }
