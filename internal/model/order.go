package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DelayedOrder mirrors one open delayed order as tracked by
// DelayedOrdersKeeper / OffchainDelayedOrdersKeeper.
//
// Invariant: exists in a Keeper's index iff a DelayedOrderSubmitted (or its
// off-chain variant) without a matching *Removed has been observed, and
// ExecutionFailures has not exceeded the keeper's maxExecAttempts.
type DelayedOrder struct {
	Account           common.Address
	TargetRoundID     *big.Int
	ExecutableAtTime  uint64
	IntentionTime     uint64
	ExecutionFailures int
}

// Ready reports whether the order has reached its execution window given
// the current oracle round and block timestamp (spec §4.5).
func (o *DelayedOrder) Ready(currentRoundID *big.Int, now uint64) bool {
	if o.TargetRoundID != nil && currentRoundID != nil && currentRoundID.Cmp(o.TargetRoundID) >= 0 {
		return true
	}
	return now >= o.ExecutableAtTime
}
