package keeper

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/perpskeeper/keeper/internal/audit"
	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/dedupe"
	"github.com/perpskeeper/keeper/internal/model"
	"github.com/perpskeeper/keeper/internal/notifier"
	"github.com/perpskeeper/keeper/internal/pkg/apperrors"
	"github.com/perpskeeper/keeper/internal/pkg/logger"
	"github.com/perpskeeper/keeper/internal/pkg/metrics"
	"github.com/perpskeeper/keeper/internal/wallet"
)

// executeDelayedOrderAction is the audit/dedupe action name for this
// keeper's submission.
const executeDelayedOrderAction = "executeDelayedOrder"

// gasLimitMultiplier is the 1.2x headroom spec §4.5 requires on top of
// estimateGas before submitting a delayed-order execution.
const gasLimitMultiplier = 1.2

// DelayedOrdersKeeper executes time/round-triggered delayed orders
// (spec §4.5, component C6).
type DelayedOrdersKeeper struct {
	market   model.Market
	contract chain.MarketContract
	client   chain.ChainClient
	pool     *wallet.Pool
	notify   notifier.Notifier
	guard    *dedupe.SubmissionGuard
	trail    *audit.Trail
	opts     Options

	mu     sync.Mutex
	orders map[common.Address]*model.DelayedOrder
}

// NewDelayedOrdersKeeper builds a DelayedOrdersKeeper for one market.
// guard and trail may be nil to disable cross-restart dedupe and
// submission persistence, respectively.
func NewDelayedOrdersKeeper(market model.Market, contract chain.MarketContract, client chain.ChainClient, pool *wallet.Pool, notify notifier.Notifier, guard *dedupe.SubmissionGuard, trail *audit.Trail, opts Options) *DelayedOrdersKeeper {
	return &DelayedOrdersKeeper{
		market:   market,
		contract: contract,
		client:   client,
		pool:     pool,
		notify:   notify,
		guard:    guard,
		trail:    trail,
		opts:     opts,
		orders:   make(map[common.Address]*model.DelayedOrder),
	}
}

func (k *DelayedOrdersKeeper) Market() model.Market { return k.market }

func (k *DelayedOrdersKeeper) EventsOfInterest() []model.EventKind {
	return []model.EventKind{model.DelayedOrderSubmitted, model.DelayedOrderRemoved}
}

// UpdateIndex applies DelayedOrderSubmitted/Removed events (spec §4.5).
// It is idempotent: replaying the same Submitted event twice just
// overwrites the same map entry with identical fields.
func (k *DelayedOrdersKeeper) UpdateIndex(ctx context.Context, events []model.Event, block chain.Block, _ *AssetPrice) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, ev := range events {
		account := ev.ArgAddress("account")
		switch ev.Kind {
		case model.DelayedOrderSubmitted:
			intentionTime := ev.ArgUint64("intentionTime")
			if intentionTime == 0 {
				intentionTime = ev.BlockTimestamp
				if intentionTime == 0 {
					intentionTime = block.Timestamp
				}
			}
			k.orders[account] = &model.DelayedOrder{
				Account:          account,
				TargetRoundID:    ev.ArgBigInt("targetRoundId"),
				ExecutableAtTime: ev.ArgUint64("executableAtTime"),
				IntentionTime:    intentionTime,
			}
		case model.DelayedOrderRemoved:
			delete(k.orders, account)
		}
	}
}

// Hydrate merges an external open-orders snapshot; in-memory failure
// counters win over the snapshot (spec §4.4).
func (k *DelayedOrdersKeeper) Hydrate(ctx context.Context, snapshot Snapshot, block chain.Block) error {
	orders, ok := snapshot.([]*model.DelayedOrder)
	if !ok {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, o := range orders {
		if existing, present := k.orders[o.Account]; present {
			o.ExecutionFailures = existing.ExecutionFailures
		}
		k.orders[o.Account] = o
	}
	return nil
}

// Execute selects ready orders and submits executeDelayedOrder for each,
// in MAX_BATCH_SIZE batches separated by BATCH_WAIT_TIME (spec §4.5).
func (k *DelayedOrdersKeeper) Execute(ctx context.Context, block chain.Block) {
	execAsyncKeeperCallback(ctx, k.market.Key, "execute", func(ctx context.Context) error {
		currentRoundID, err := k.contract.GetCurrentRoundID(ctx, k.market.Asset)
		if err != nil {
			return fmt.Errorf("delayedorders: get current round id: %w", err)
		}

		ready := k.readyOrders(currentRoundID, block.Timestamp)
		for start := 0; start < len(ready); start += k.opts.MaxBatchSize {
			end := start + k.opts.MaxBatchSize
			if end > len(ready) {
				end = len(ready)
			}
			batch := ready[start:end]

			g, gctx := errgroup.WithContext(ctx)
			for _, account := range batch {
				account := account
				g.Go(func() error {
					k.executeOne(gctx, account)
					return nil
				})
			}
			_ = g.Wait()

			if end < len(ready) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(k.opts.BatchWaitTime):
				}
			}
		}
		return nil
	})
}

func (k *DelayedOrdersKeeper) readyOrders(currentRoundID *big.Int, now uint64) []common.Address {
	k.mu.Lock()
	defer k.mu.Unlock()
	ready := make([]common.Address, 0, len(k.orders))
	for account, o := range k.orders {
		if o.Ready(currentRoundID, now) {
			ready = append(ready, account)
		}
	}
	return ready
}

// executeOne is one order's per-account task, re-checking on-chain state
// before spending gas (spec §4.5's stale-state check).
func (k *DelayedOrdersKeeper) executeOne(ctx context.Context, account common.Address) {
	sizeDelta, err := k.contract.DelayedOrderSizeDelta(ctx, account)
	if err != nil {
		k.recordFailure(ctx, account, fmt.Errorf("read delayedOrders: %w", err))
		return
	}
	if sizeDelta == nil || sizeDelta.Sign() == 0 {
		k.evict(account)
		metrics.DelayedOrderAlreadyExecuted.WithLabelValues(k.market.Key).Inc()
		return
	}

	key := dedupe.SubmissionKey(k.market.Key, account.Hex(), executeDelayedOrderAction)
	err = guardedSubmit(ctx, k.guard, key, func() error {
		return k.pool.WithSigner(ctx, k.market.Asset, func(ctx context.Context, lease wallet.Lease) error {
			return k.submitExecute(ctx, account, lease)
		})
	})
	if err != nil {
		if apperrors.IsStaleState(err) {
			k.evict(account)
			metrics.DelayedOrderAlreadyExecuted.WithLabelValues(k.market.Key).Inc()
			return
		}
		if apperrors.IsPoolExhausted(err) {
			logger.Warn("delayedorders: pool exhausted, retrying next tick", "account", account)
			return
		}
		k.recordFailure(ctx, account, err)
		return
	}

	k.evict(account)
	metrics.DelayedOrderExecuted.WithLabelValues(k.market.Key).Inc()
}

func (k *DelayedOrdersKeeper) submitExecute(ctx context.Context, account common.Address, lease wallet.Lease) error {
	calldata := k.contract.EncodeExecuteDelayedOrder(account)
	addr := k.contract.Address()
	from := lease.Signer.Address()

	gasLimit, err := k.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &addr, Data: calldata})
	if err != nil {
		return apperrors.NewExecutionFailed("estimateGas reverted", err)
	}
	gasLimit = uint64(float64(gasLimit) * gasLimitMultiplier)

	gasPrice, err := k.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("delayedorders: suggest gas price: %w", err)
	}

	chainID := k.pool.ChainID()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    lease.Nonce,
		To:       &addr,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := lease.SignTx(tx, chainID)
	if err != nil {
		return fmt.Errorf("delayedorders: sign tx: %w", err)
	}
	sendErr := k.client.SendTransaction(ctx, signed)
	recordAudit(ctx, k.trail, k.market.Key, executeDelayedOrderAction, account, signed.Hash(), sendErr)
	if sendErr != nil {
		return apperrors.NewExecutionFailed("send executeDelayedOrder", sendErr)
	}
	if err := waitTx(ctx, k.client, signed.Hash(), k.opts.WaitTxTimeout); err != nil {
		return apperrors.NewExecutionFailed("wait executeDelayedOrder confirmation", err)
	}
	return nil
}

func (k *DelayedOrdersKeeper) evict(account common.Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.orders, account)
}

func (k *DelayedOrdersKeeper) recordFailure(ctx context.Context, account common.Address, cause error) {
	k.mu.Lock()
	o, ok := k.orders[account]
	if !ok {
		k.mu.Unlock()
		return
	}
	o.ExecutionFailures++
	evicted := o.ExecutionFailures > k.opts.MaxExecAttempts
	if evicted {
		delete(k.orders, account)
	}
	k.mu.Unlock()

	logger.LogError(ctx, cause, "delayedorders: execution failed", "market", k.market.Key, "account", account, "failures", o.ExecutionFailures)
	metrics.KeeperError.WithLabelValues(k.market.Key, "executeDelayedOrder").Inc()
	if evicted && k.notify != nil {
		k.notify.Notify(ctx, fmt.Sprintf("delayed order for %s on %s evicted after %d failed attempts: %v", account, k.market.Key, o.ExecutionFailures, cause))
	}
}
