// Package keeper implements the per-market actors (spec §4.4-§4.7): a
// shared Keeper contract plus three specializations, each maintaining its
// own purely in-memory index and deciding, once per Distributor tick,
// which on-chain actions to submit.
package keeper

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perpskeeper/keeper/internal/audit"
	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/dedupe"
	"github.com/perpskeeper/keeper/internal/model"
	"github.com/perpskeeper/keeper/internal/pkg/apperrors"
	"github.com/perpskeeper/keeper/internal/pkg/logger"
	"github.com/perpskeeper/keeper/internal/pkg/metrics"
)

// Keeper is the shared contract the Distributor drives (spec §4.4).
// updateIndex must be idempotent over already-seen events; execute must
// never propagate a per-item error, only log/count it.
type Keeper interface {
	Market() model.Market
	EventsOfInterest() []model.EventKind
	UpdateIndex(ctx context.Context, events []model.Event, block chain.Block, price *AssetPrice)
	Hydrate(ctx context.Context, snapshot Snapshot, block chain.Block) error
	Execute(ctx context.Context, block chain.Block)
}

// AssetPrice is the price the Distributor resolves once per tick for
// LiquidationKeeper only (spec §4.3 step b); nil for the order keepers.
type AssetPrice struct {
	Value float64
	AsOf  time.Time
}

// Snapshot is the external on-chain state a Keeper merges at startup
// (spec §4.3 "Hydration"). Concrete shape depends on the keeper: order
// keepers hydrate open delayedOrders, LiquidationKeeper hydrates open
// positions. Kept as `any` here so the Distributor doesn't need to know
// each keeper's snapshot shape; each concrete Keeper type-asserts its own.
type Snapshot any

// Options configures the batching/backoff parameters shared by every
// concrete Keeper (spec §4.4's MAX_BATCH_SIZE, BATCH_WAIT_TIME).
type Options struct {
	MaxBatchSize    int
	BatchWaitTime   time.Duration
	MaxExecAttempts int
	WaitTxTimeout   time.Duration
}

// DefaultOptions mirrors the defaults spec.md leaves unspecified beyond
// "a parameter".
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:    10,
		BatchWaitTime:   2 * time.Second,
		MaxExecAttempts: 5,
		WaitTxTimeout:   60 * time.Second,
	}
}

// execAsyncKeeperCallback runs fn, timing it into KeeperTickDuration and
// swallowing any error into KeeperError instead of letting it escape —
// spec §4.4's shared utility, so a single keeper's failure never aborts
// the Distributor's tick for other keepers (spec §7 propagation policy).
func execAsyncKeeperCallback(ctx context.Context, market, op string, fn func(ctx context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	metrics.KeeperTickDuration.WithLabelValues(market, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.KeeperError.WithLabelValues(market, op).Inc()
		logger.LogError(ctx, err, "keeper: operation failed", "market", market, "op", op)
	}
}

// guardedSubmit runs fn under guard's cross-restart submission lock, keyed
// by key. A nil guard (Redis unconfigured) just runs fn directly. If
// another in-flight submission already holds the key, fn is skipped and
// treated as a stale-state condition rather than a failure, since the
// other submission is presumably about to land on-chain (spec's
// supplemented dedupe cache, [[dedupe.SubmissionGuard]]).
func guardedSubmit(ctx context.Context, guard *dedupe.SubmissionGuard, key string, fn func() error) error {
	if guard == nil {
		return fn()
	}
	acquired, err := guard.TryAcquire(ctx, key)
	if err != nil {
		logger.Warn("keeper: submission guard unavailable, proceeding without lock", "key", key, "error", err)
		return fn()
	}
	if !acquired {
		return apperrors.NewStaleState("submission already in flight for " + key)
	}
	defer guard.Release(context.Background(), key)
	return fn()
}

// recordAudit appends one submission outcome to trail. A nil trail is a
// no-op, so wiring a database is optional.
func recordAudit(ctx context.Context, trail *audit.Trail, market, action string, account common.Address, txHash common.Hash, submitErr error) {
	if trail == nil {
		return
	}
	if err := trail.Record(ctx, market, account, action, txHash, submitErr); err != nil {
		logger.Warn("keeper: audit trail write failed", "market", market, "action", action, "error", err)
	}
}

// waitTx polls for one confirmation of txHash with a timeout, the
// blocking equivalent of the teacher's provider.WaitForTransaction calls
// in cmd/inspector, adapted to the abstract ChainClient.
func waitTx(ctx context.Context, client chain.ChainClient, txHash common.Hash, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
