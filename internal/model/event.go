// Package model holds the plain data types shared across the keeper: chain
// events as decoded off logs, and the in-memory index entities each Keeper
// maintains.
package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind enumerates the exact set of contract events this keeper core
// understands. Anything else surfaced by EventSource is dropped before it
// reaches a Keeper.
type EventKind string

const (
	FundingRecomputed      EventKind = "FundingRecomputed"
	PositionModified       EventKind = "PositionModified"
	PositionLiquidated     EventKind = "PositionLiquidated"
	PositionFlagged        EventKind = "PositionFlagged"
	DelayedOrderSubmitted  EventKind = "DelayedOrderSubmitted"
	DelayedOrderRemoved    EventKind = "DelayedOrderRemoved"
	OffchainOrderSubmitted EventKind = "OffchainDelayedOrderSubmitted"
	OffchainOrderRemoved   EventKind = "OffchainDelayedOrderRemoved"
)

// Event is a decoded contract log, kept generic (args map) so EventSource
// does not need to know about every downstream Keeper's ABI.
type Event struct {
	Kind           EventKind
	Args           map[string]any
	Market         common.Address
	BlockNumber    uint64
	LogIndex       uint
	TxHash         common.Hash
	BlockTimestamp uint64 // resolved by events.Source from the log's originating block, cached per scan batch
}

// ArgAddress reads an address-typed argument, returning the zero address if
// absent or of the wrong type.
func (e Event) ArgAddress(key string) common.Address {
	if v, ok := e.Args[key].(common.Address); ok {
		return v
	}
	return common.Address{}
}

// ArgBigInt reads a *big.Int-typed argument, returning nil if absent.
func (e Event) ArgBigInt(key string) *big.Int {
	if v, ok := e.Args[key].(*big.Int); ok {
		return v
	}
	return nil
}

// ArgUint64 reads a uint64-typed argument.
func (e Event) ArgUint64(key string) uint64 {
	switch v := e.Args[key].(type) {
	case uint64:
		return v
	case *big.Int:
		if v != nil {
			return v.Uint64()
		}
	}
	return 0
}
