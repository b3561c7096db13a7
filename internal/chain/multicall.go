package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MulticallPageSize bounds how many calls go into one aggregate3 batch
// (spec §4.7: "Pagination size is 20").
const MulticallPageSize = 20

const multicall3ABIJSON = `[
	{"name":"aggregate3","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},
		{"name":"allowFailure","type":"bool"},
		{"name":"callData","type":"bytes"}]}],
	 "outputs":[{"name":"returnData","type":"tuple[]","components":[
		{"name":"success","type":"bool"},
		{"name":"returnData","type":"bytes"}]}]}
]`

var multicall3ABI = mustParseABI(multicall3ABIJSON)

// Call3 is one Multicall3 aggregate3 entry.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result3 is Multicall3's per-call outcome.
type Result3 struct {
	Success    bool
	ReturnData []byte
}

// Multicall wraps the Multicall3 aggregate3 entry point spec §4.7 uses for
// the optional flag-position dry-run fast path: cheaply discover which
// positions the contract will actually accept before spending gas on a
// batch write.
type Multicall struct {
	addr   common.Address
	client ChainClient
}

// NewMulticall binds to a deployed Multicall3 instance. addr is the
// well-known Multicall3 deployment address configured per network.
func NewMulticall(client ChainClient, addr common.Address) *Multicall {
	return &Multicall{addr: addr, client: client}
}

func (m *Multicall) Address() common.Address { return m.addr }

// DryRun calls aggregate3 with allowFailure=true via eth_call (no
// submission), returning which calls the contract would currently accept.
func (m *Multicall) DryRun(ctx context.Context, calls []Call3) ([]Result3, error) {
	data, err := m.encode(calls)
	if err != nil {
		return nil, err
	}
	addr := m.addr
	raw, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: multicall dry-run: %w", err)
	}
	return decodeAggregate3(raw)
}

// EncodeAggregate3 builds calldata for a real aggregate3 submission
// (used once the caller has decided, from a DryRun or otherwise, which
// calls to actually send).
func (m *Multicall) EncodeAggregate3(calls []Call3) ([]byte, error) {
	return m.encode(calls)
}

func (m *Multicall) encode(calls []Call3) ([]byte, error) {
	type tupleIn struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	in := make([]tupleIn, len(calls))
	for i, c := range calls {
		in[i] = tupleIn{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
	}
	data, err := multicall3ABI.Pack("aggregate3", in)
	if err != nil {
		return nil, fmt.Errorf("chain: pack aggregate3: %w", err)
	}
	return data, nil
}

func decodeAggregate3(raw []byte) ([]Result3, error) {
	type tupleOut struct {
		Success    bool
		ReturnData []byte
	}
	var out []tupleOut
	if err := multicall3ABI.UnpackIntoInterface(&out, "aggregate3", raw); err != nil {
		return nil, fmt.Errorf("chain: unpack aggregate3: %w", err)
	}
	results := make([]Result3, len(out))
	for i, o := range out {
		results[i] = Result3{Success: o.Success, ReturnData: o.ReturnData}
	}
	return results, nil
}

// PythOracle is the narrow read surface the off-chain delayed-order path
// needs from the Pyth contract: the fee, in wei, for consuming a given
// signed price update (spec §6: Pyth getUpdateFee).
type PythOracle struct {
	addr   common.Address
	client ChainClient
	abi    abi.ABI
}

const pythABIJSON = `[
	{"name":"getUpdateFee","type":"function","stateMutability":"view",
	 "inputs":[{"name":"updateData","type":"bytes[]"}],
	 "outputs":[{"name":"feeAmount","type":"uint256"}]}
]`

// NewPythOracle binds to the network's deployed Pyth contract.
func NewPythOracle(client ChainClient, addr common.Address) *PythOracle {
	return &PythOracle{addr: addr, client: client, abi: mustParseABI(pythABIJSON)}
}

func (p *PythOracle) Address() common.Address { return p.addr }

// GetUpdateFee returns the wei fee required to submit updateData alongside
// an executeOffchainDelayedOrder call (spec §4.6).
func (p *PythOracle) GetUpdateFee(ctx context.Context, updateData [][]byte) (*big.Int, error) {
	data, err := p.abi.Pack("getUpdateFee", updateData)
	if err != nil {
		return nil, fmt.Errorf("chain: pack getUpdateFee: %w", err)
	}
	addr := p.addr
	raw, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call getUpdateFee: %w", err)
	}
	var fee *big.Int
	if err := p.abi.UnpackIntoInterface(&fee, "getUpdateFee", raw); err != nil {
		return nil, fmt.Errorf("chain: unpack getUpdateFee: %w", err)
	}
	return fee, nil
}
