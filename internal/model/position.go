package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// UnknownLiqPrice is the sentinel spec §3 assigns to a position whose
// liquidation price needs a refresh from the contract.
var UnknownLiqPrice = decimal.NewFromInt(-1)

// Position mirrors one open position as tracked by LiquidationKeeper.
//
// Invariant: exists in the index iff the last PositionModified observed for
// Account carried non-zero margin and no subsequent PositionLiquidated or
// PositionFlagged has been seen.
type Position struct {
	ID                       string
	Account                  common.Address
	Size                     decimal.Decimal // signed: long positive, short negative
	Leverage                 decimal.Decimal
	LiqPrice                 decimal.Decimal // UnknownLiqPrice encodes "needs refresh"
	LiqPriceUpdatedTimestamp uint64
}

// HasUnknownLiqPrice reports whether the position's liquidation price still
// needs a refresh (spec §3, §8 invariant on liqPrice == -1).
func (p *Position) HasUnknownLiqPrice() bool {
	return p.LiqPrice.Equal(UnknownLiqPrice)
}

// AbsSize returns |size| as used throughout the liquidation candidate math.
func (p *Position) AbsSize() decimal.Decimal {
	return p.Size.Abs()
}
