package model

import "github.com/ethereum/go-ethereum/common"

// Market is one-to-one with a Keeper instance (spec §3).
type Market struct {
	Key         string         // human key, e.g. "sETH-PERP"
	Asset       string         // exchangeRates asset key, e.g. "sETH"
	Contract    common.Address // PerpsV2-style market contract
	BaseAsset   string
	PriceFeedID string // Pyth price-feed id, used only by the off-chain variant
}
