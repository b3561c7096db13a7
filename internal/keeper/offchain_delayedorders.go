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
	"github.com/perpskeeper/keeper/internal/priceclient"
	"github.com/perpskeeper/keeper/internal/wallet"
)

// executeOffchainDelayedOrderAction is the audit/dedupe action name for
// this keeper's submission.
const executeOffchainDelayedOrderAction = "executeOffchainDelayedOrder"

// OffchainDelayedOrdersKeeper executes off-chain (Pyth-priced) delayed
// orders (spec §4.6, component C7): identical index/selection to
// DelayedOrdersKeeper, but every submission first pulls a signed price
// update and pays its fee.
type OffchainDelayedOrdersKeeper struct {
	market    model.Market
	contract  chain.MarketContract
	multicall *chain.PythOracle
	client    chain.ChainClient
	pyth      *priceclient.Pyth
	pool      *wallet.Pool
	notify    notifier.Notifier
	guard     *dedupe.SubmissionGuard
	trail     *audit.Trail
	opts      Options

	mu     sync.Mutex
	orders map[common.Address]*model.DelayedOrder
}

// NewOffchainDelayedOrdersKeeper builds an OffchainDelayedOrdersKeeper.
// pythOracle reads the on-chain update fee; pyth fetches the off-chain
// signed price payload itself. guard and trail may be nil.
func NewOffchainDelayedOrdersKeeper(market model.Market, contract chain.MarketContract, pythOracle *chain.PythOracle, client chain.ChainClient, pyth *priceclient.Pyth, pool *wallet.Pool, notify notifier.Notifier, guard *dedupe.SubmissionGuard, trail *audit.Trail, opts Options) *OffchainDelayedOrdersKeeper {
	return &OffchainDelayedOrdersKeeper{
		market:    market,
		contract:  contract,
		multicall: pythOracle,
		client:    client,
		pyth:      pyth,
		pool:      pool,
		notify:    notify,
		guard:     guard,
		trail:     trail,
		opts:      opts,
		orders:    make(map[common.Address]*model.DelayedOrder),
	}
}

func (k *OffchainDelayedOrdersKeeper) Market() model.Market { return k.market }

func (k *OffchainDelayedOrdersKeeper) EventsOfInterest() []model.EventKind {
	return []model.EventKind{model.OffchainOrderSubmitted, model.OffchainOrderRemoved}
}

func (k *OffchainDelayedOrdersKeeper) UpdateIndex(ctx context.Context, events []model.Event, block chain.Block, _ *AssetPrice) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, ev := range events {
		account := ev.ArgAddress("account")
		switch ev.Kind {
		case model.OffchainOrderSubmitted:
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
		case model.OffchainOrderRemoved:
			delete(k.orders, account)
		}
	}
}

func (k *OffchainDelayedOrdersKeeper) Hydrate(ctx context.Context, snapshot Snapshot, block chain.Block) error {
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

func (k *OffchainDelayedOrdersKeeper) Execute(ctx context.Context, block chain.Block) {
	execAsyncKeeperCallback(ctx, k.market.Key, "execute", func(ctx context.Context) error {
		currentRoundID, err := k.contract.GetCurrentRoundID(ctx, k.market.Asset)
		if err != nil {
			return fmt.Errorf("offchaindelayedorders: get current round id: %w", err)
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

func (k *OffchainDelayedOrdersKeeper) readyOrders(currentRoundID *big.Int, now uint64) []common.Address {
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

func (k *OffchainDelayedOrdersKeeper) executeOne(ctx context.Context, account common.Address) {
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

	updateData, err := k.pyth.LatestUpdateData(ctx, k.market.PriceFeedID)
	if err != nil {
		// spec §4.6: a Pyth fetch failure requeues the order as one failure,
		// it does not evict on its own.
		k.recordFailure(ctx, account, fmt.Errorf("fetch pyth update: %w", err))
		return
	}

	key := dedupe.SubmissionKey(k.market.Key, account.Hex(), executeOffchainDelayedOrderAction)
	err = guardedSubmit(ctx, k.guard, key, func() error {
		return k.pool.WithSigner(ctx, k.market.Asset, func(ctx context.Context, lease wallet.Lease) error {
			return k.submitExecute(ctx, account, updateData, lease)
		})
	})
	if err != nil {
		if apperrors.IsStaleState(err) {
			k.evict(account)
			metrics.DelayedOrderAlreadyExecuted.WithLabelValues(k.market.Key).Inc()
			return
		}
		if apperrors.IsPoolExhausted(err) {
			logger.Warn("offchaindelayedorders: pool exhausted, retrying next tick", "account", account)
			return
		}
		k.recordFailure(ctx, account, err)
		return
	}

	k.evict(account)
	metrics.OffchainOrderExecuted.WithLabelValues(k.market.Key).Inc()
}

func (k *OffchainDelayedOrdersKeeper) submitExecute(ctx context.Context, account common.Address, updateData []byte, lease wallet.Lease) error {
	fee, err := k.multicall.GetUpdateFee(ctx, [][]byte{updateData})
	if err != nil {
		return fmt.Errorf("offchaindelayedorders: get update fee: %w", err)
	}

	calldata := k.contract.EncodeExecuteOffchainDelayedOrder(account, [][]byte{updateData})
	addr := k.contract.Address()
	from := lease.Signer.Address()

	gasLimit, err := k.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &addr, Value: fee, Data: calldata})
	if err != nil {
		return apperrors.NewExecutionFailed("estimateGas reverted", err)
	}
	gasLimit = uint64(float64(gasLimit) * gasLimitMultiplier)

	gasPrice, err := k.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("offchaindelayedorders: suggest gas price: %w", err)
	}

	chainID := k.pool.ChainID()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    lease.Nonce,
		To:       &addr,
		Value:    fee,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := lease.SignTx(tx, chainID)
	if err != nil {
		return fmt.Errorf("offchaindelayedorders: sign tx: %w", err)
	}
	sendErr := k.client.SendTransaction(ctx, signed)
	recordAudit(ctx, k.trail, k.market.Key, executeOffchainDelayedOrderAction, account, signed.Hash(), sendErr)
	if sendErr != nil {
		return apperrors.NewExecutionFailed("send executeOffchainDelayedOrder", sendErr)
	}
	if err := waitTx(ctx, k.client, signed.Hash(), k.opts.WaitTxTimeout); err != nil {
		return apperrors.NewExecutionFailed("wait executeOffchainDelayedOrder confirmation", err)
	}
	return nil
}

func (k *OffchainDelayedOrdersKeeper) evict(account common.Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.orders, account)
}

func (k *OffchainDelayedOrdersKeeper) recordFailure(ctx context.Context, account common.Address, cause error) {
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

	logger.LogError(ctx, cause, "offchaindelayedorders: execution failed", "market", k.market.Key, "account", account, "failures", o.ExecutionFailures)
	metrics.KeeperError.WithLabelValues(k.market.Key, "executeOffchainDelayedOrder").Inc()
	if evicted && k.notify != nil {
		k.notify.Notify(ctx, fmt.Sprintf("offchain delayed order for %s on %s evicted after %d failed attempts: %v", account, k.market.Key, o.ExecutionFailures, cause))
	}
}
