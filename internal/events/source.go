// Package events implements EventSource (spec §4.2): a paged, ordered scan
// of contract logs, decoded into model.Event without any per-Keeper
// knowledge of the ABI.
package events

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/model"
	"github.com/perpskeeper/keeper/internal/pkg/logger"
)

// eventKindByName maps the ABI event name to the model.EventKind spec §3
// says this core understands; any log whose name isn't in this table is
// silently dropped (spec.md's "Non-goals" implicitly excludes anything a
// market contract emits beyond this Sig set).
var eventKindByName = map[string]model.EventKind{
	"FundingRecomputed":             model.FundingRecomputed,
	"PositionModified":              model.PositionModified,
	"PositionLiquidated":            model.PositionLiquidated,
	"PositionFlagged":               model.PositionFlagged,
	"DelayedOrderSubmitted":         model.DelayedOrderSubmitted,
	"DelayedOrderRemoved":           model.DelayedOrderRemoved,
	"OffchainDelayedOrderSubmitted": model.OffchainOrderSubmitted,
	"OffchainDelayedOrderRemoved":   model.OffchainOrderRemoved,
}

// eventNameByKind is eventKindByName inverted, used to turn a Keeper's
// EventsOfInterest() into the ABI event names GetEvents needs to resolve
// topic hashes for.
var eventNameByKind = func() map[model.EventKind]string {
	out := make(map[model.EventKind]string, len(eventKindByName))
	for name, kind := range eventKindByName {
		out[kind] = name
	}
	return out
}()

// Source pages FilterLogs calls no wider than maxRange. It does not retry
// on its own: transient failures are retried inside the ChainClient
// (chain.EthClient wraps FilterLogs in bounded exponential backoff), and a
// page that still fails aborts the scan, so a scan of a range either
// returns the full ordered set or fails outright (spec §4.2's
// EventScanFailed).
type Source struct {
	client   chain.ChainClient
	maxRange uint64
}

// NewSource wires an EventSource against client, chunking scans so each RPC
// call covers [lo, lo+maxRange] at most (spec §4.2, default 50k).
func NewSource(client chain.ChainClient, maxRange uint64) *Source {
	if maxRange == 0 {
		maxRange = 50_000
	}
	return &Source{client: client, maxRange: maxRange}
}

// GetEvents returns every event in kinds emitted by contract between
// fromBlock and toBlock inclusive, in ascending (blockNumber, logIndex)
// order, chunking the range into maxRange-sized pages (spec §4.2's
// getEvents(contract, topics, fromBlock, toBlock)). kinds is normally a
// Keeper's EventsOfInterest(), so a scan filters at the RPC layer to
// exactly what that Keeper can act on.
func (s *Source) GetEvents(ctx context.Context, contract common.Address, kinds []model.EventKind, fromBlock, toBlock uint64) ([]model.Event, error) {
	if fromBlock > toBlock {
		return nil, nil
	}

	abiEvents := chain.EventsABI()
	allowed := make(map[model.EventKind]bool, len(kinds))
	topics := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		allowed[kind] = true
		name, ok := eventNameByKind[kind]
		if !ok {
			continue
		}
		ev, ok := abiEvents.Events[name]
		if !ok {
			continue
		}
		topics = append(topics, ev.ID)
	}

	var all []model.Event
	blockTimestamps := make(map[uint64]uint64)
	for lo := fromBlock; lo <= toBlock; lo += s.maxRange + 1 {
		hi := lo + s.maxRange
		if hi > toBlock {
			hi = toBlock
		}
		logs, err := s.filterRange(ctx, contract, topics, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("events: scan [%d,%d]: %w", lo, hi, err)
		}
		for _, lg := range logs {
			ev, ok := s.decode(contract, lg, allowed)
			if !ok {
				continue
			}
			ts, err := s.blockTimestamp(ctx, blockTimestamps, lg.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("events: resolve timestamp for block %d: %w", lg.BlockNumber, err)
			}
			ev.BlockTimestamp = ts
			all = append(all, ev)
		}
		if hi == toBlock {
			break
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].BlockNumber != all[j].BlockNumber {
			return all[i].BlockNumber < all[j].BlockNumber
		}
		return all[i].LogIndex < all[j].LogIndex
	})
	return all, nil
}

// blockTimestamp resolves a block's timestamp, caching within the calling
// GetEvents batch so a page with many logs in the same block only issues
// one BlockByNumber call for it (spec §4.5's intentionTime fallback).
func (s *Source) blockTimestamp(ctx context.Context, cache map[uint64]uint64, number uint64) (uint64, error) {
	if ts, ok := cache[number]; ok {
		return ts, nil
	}
	block, err := s.client.BlockByNumber(ctx, number)
	if err != nil {
		return 0, err
	}
	cache[number] = block.Timestamp
	return block.Timestamp, nil
}

func (s *Source) filterRange(ctx context.Context, contract common.Address, topics []common.Hash, from, to uint64) ([]types.Log, error) {
	query := goethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{topics},
	}
	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}
	logger.Debug("events: scanned range", "contract", contract, "from", from, "to", to, "count", len(logs))
	return logs, nil
}

func (s *Source) decode(contract common.Address, lg types.Log, allowed map[model.EventKind]bool) (model.Event, bool) {
	abiEvents := chain.EventsABI()
	if len(lg.Topics) == 0 {
		return model.Event{}, false
	}
	ev, err := abiEvents.EventByID(lg.Topics[0])
	if err != nil {
		return model.Event{}, false
	}
	kind, ok := eventKindByName[ev.Name]
	if !ok || !allowed[kind] {
		return model.Event{}, false
	}

	args := make(map[string]any)
	if err := abiEvents.UnpackIntoMap(args, ev.Name, lg.Data); err != nil {
		logger.Warn("events: unpack failed, dropping log", "event", ev.Name, "tx", lg.TxHash, "error", err)
		return model.Event{}, false
	}
	// indexed fields don't live in Data; decode them from Topics[1:] in
	// declaration order for indexed inputs.
	indexedIdx := 1
	for _, in := range ev.Inputs {
		if !in.Indexed {
			continue
		}
		if indexedIdx >= len(lg.Topics) {
			break
		}
		if in.Type.T == abi.AddressTy {
			args[in.Name] = common.BytesToAddress(lg.Topics[indexedIdx].Bytes())
		} else {
			args[in.Name] = new(big.Int).SetBytes(lg.Topics[indexedIdx].Bytes())
		}
		indexedIdx++
	}

	return model.Event{
		Kind:        kind,
		Args:        args,
		Market:      contract,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
	}, true
}
