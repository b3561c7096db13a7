package keeper

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
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

const (
	flagPositionAction      = "flagPosition"
	liquidatePositionAction = "liquidatePosition"
)

// LiquidationParams tunes the candidate-selection thresholds spec §4.7
// leaves as named defaults.
type LiquidationParams struct {
	ProximityThreshold    decimal.Decimal // default 0.05
	FarPriceRecencyCutoff time.Duration   // default 6h
	MaxFarPricesToUpdate  int             // default 1
}

// DefaultLiquidationParams mirrors spec §4.7's stated defaults.
func DefaultLiquidationParams() LiquidationParams {
	return LiquidationParams{
		ProximityThreshold:    decimal.NewFromFloat(0.05),
		FarPriceRecencyCutoff: 6 * time.Hour,
		MaxFarPricesToUpdate:  1,
	}
}

// gasPriceMultiplier is spec §4.7's anti-reorg headroom: gasPrice =
// 2 * chain.gasPrice().
const gasPriceMultiplier = 2

// LiquidationKeeper flags and liquidates underwater positions
// (spec §4.7, component C8).
type LiquidationKeeper struct {
	market    model.Market
	contract  chain.MarketContract
	client    chain.ChainClient
	multicall *chain.Multicall // nil disables the batched dry-run fast path
	pool      *wallet.Pool
	notify    notifier.Notifier
	guard     *dedupe.SubmissionGuard
	trail     *audit.Trail
	params    LiquidationParams
	opts      Options

	mu                sync.Mutex
	positions         map[common.Address]*model.Position
	blockTipTimestamp uint64
	lastPrice         *AssetPrice
}

// NewLiquidationKeeper builds a LiquidationKeeper. multicall may be nil to
// disable the Multicall3 batched fast path (spec §4.7's "optional"); guard
// and trail may be nil.
func NewLiquidationKeeper(market model.Market, contract chain.MarketContract, client chain.ChainClient, multicall *chain.Multicall, pool *wallet.Pool, notify notifier.Notifier, guard *dedupe.SubmissionGuard, trail *audit.Trail, params LiquidationParams, opts Options) *LiquidationKeeper {
	return &LiquidationKeeper{
		market:    market,
		contract:  contract,
		client:    client,
		multicall: multicall,
		pool:      pool,
		notify:    notify,
		guard:     guard,
		trail:     trail,
		params:    params,
		opts:      opts,
		positions: make(map[common.Address]*model.Position),
	}
}

func (k *LiquidationKeeper) Market() model.Market { return k.market }

func (k *LiquidationKeeper) EventsOfInterest() []model.EventKind {
	return []model.EventKind{
		model.PositionModified, model.PositionLiquidated,
		model.PositionFlagged, model.FundingRecomputed,
	}
}

// UNIT is the perp contract's fixed-point base (18 decimals, the same
// convention the teacher's decimal-heavy risk math uses in risk_engine.go).
var UNIT = decimal.New(1, 18)

// UpdateIndex applies position lifecycle and funding-timestamp events
// (spec §4.7). price is the tick's freshly resolved asset price, cached
// for the Execute call that follows in the same tick.
func (k *LiquidationKeeper) UpdateIndex(ctx context.Context, events []model.Event, block chain.Block, price *AssetPrice) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if price != nil {
		k.lastPrice = price
	}

	for _, ev := range events {
		account := ev.ArgAddress("account")
		switch ev.Kind {
		case model.PositionModified:
			margin := decimal.NewFromBigInt(bigOrZero(ev.ArgBigInt("margin")), 0)
			if margin.IsZero() {
				delete(k.positions, account)
				continue
			}
			size := decimal.NewFromBigInt(bigOrZero(ev.ArgBigInt("size")), 0).Div(UNIT)
			lastPrice := decimal.NewFromBigInt(bigOrZero(ev.ArgBigInt("lastPrice")), 0)
			leverage := decimal.Zero
			if !margin.IsZero() {
				leverage = size.Abs().Mul(lastPrice).Div(margin)
			}
			k.positions[account] = &model.Position{
				ID:       ev.ArgBigInt("id").String(),
				Account:  account,
				Size:     size,
				Leverage: leverage,
				LiqPrice: model.UnknownLiqPrice,
			}
		case model.PositionLiquidated, model.PositionFlagged:
			delete(k.positions, account)
		case model.FundingRecomputed:
			ts := ev.ArgUint64("timestamp")
			if ts > k.blockTipTimestamp {
				k.blockTipTimestamp = ts
			}
		}
	}
	if block.Timestamp > k.blockTipTimestamp {
		k.blockTipTimestamp = block.Timestamp
	}
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// Hydrate merges an external open-positions snapshot; in-memory liqPrice
// and its timestamp win when both carry the same account (spec §4.4).
func (k *LiquidationKeeper) Hydrate(ctx context.Context, snapshot Snapshot, block chain.Block) error {
	positions, ok := snapshot.([]*model.Position)
	if !ok {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range positions {
		if existing, present := k.positions[p.Account]; present {
			p.LiqPrice = existing.LiqPrice
			p.LiqPriceUpdatedTimestamp = existing.LiqPriceUpdatedTimestamp
		}
		k.positions[p.Account] = p
	}
	if block.Timestamp > k.blockTipTimestamp {
		k.blockTipTimestamp = block.Timestamp
	}
	return nil
}

// Execute computes the three liquidation candidate groups and walks them
// in order (spec §4.7), using the asset price the Distributor resolved
// for this tick's UpdateIndex call.
func (k *LiquidationKeeper) Execute(ctx context.Context, block chain.Block) {
	execAsyncKeeperCallback(ctx, k.market.Key, "execute", func(ctx context.Context) error {
		k.mu.Lock()
		last := k.lastPrice
		k.mu.Unlock()
		if last == nil || last.Value <= 0 {
			return fmt.Errorf("liquidation: no asset price available")
		}
		price := decimal.NewFromFloat(last.Value)
		candidates := k.liquidationGroups(price)

		for start := 0; start < len(candidates); start += k.opts.MaxBatchSize {
			end := start + k.opts.MaxBatchSize
			if end > len(candidates) {
				end = len(candidates)
			}
			batch := candidates[start:end]

			k.processBatch(ctx, batch)

			if end < len(candidates) {
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

// liquidationGroups computes close/unknown/outdated per spec §4.7 and
// concatenates them in that priority order.
func (k *LiquidationKeeper) liquidationGroups(assetPrice decimal.Decimal) []common.Address {
	k.mu.Lock()
	defer k.mu.Unlock()

	type candidate struct {
		account  common.Address
		position *model.Position
		distance decimal.Decimal
	}

	var closeGroup, unknown, outdated []candidate
	cutoff := k.blockTipTimestamp
	if cutoff > uint64(k.params.FarPriceRecencyCutoff.Seconds()) {
		cutoff -= uint64(k.params.FarPriceRecencyCutoff.Seconds())
	} else {
		cutoff = 0
	}

	for account, p := range k.positions {
		if p.AbsSize().IsZero() {
			continue
		}
		if p.HasUnknownLiqPrice() {
			unknown = append(unknown, candidate{account, p, decimal.Zero})
			continue
		}
		distance := p.LiqPrice.Sub(assetPrice).Abs().Div(assetPrice)
		if distance.LessThanOrEqual(k.params.ProximityThreshold) {
			closeGroup = append(closeGroup, candidate{account, p, distance})
		} else if p.LiqPriceUpdatedTimestamp < cutoff {
			outdated = append(outdated, candidate{account, p, distance})
		}
	}

	sort.Slice(closeGroup, func(i, j int) bool {
		if !closeGroup[i].distance.Equal(closeGroup[j].distance) {
			return closeGroup[i].distance.LessThan(closeGroup[j].distance)
		}
		return closeGroup[i].position.Leverage.GreaterThan(closeGroup[j].position.Leverage)
	})
	sort.Slice(unknown, func(i, j int) bool {
		return unknown[i].position.Leverage.GreaterThan(unknown[j].position.Leverage)
	})
	sort.Slice(outdated, func(i, j int) bool {
		return outdated[i].position.LiqPriceUpdatedTimestamp < outdated[j].position.LiqPriceUpdatedTimestamp
	})
	if len(outdated) > k.params.MaxFarPricesToUpdate {
		outdated = outdated[:k.params.MaxFarPricesToUpdate]
	}

	out := make([]common.Address, 0, len(closeGroup)+len(unknown)+len(outdated))
	for _, group := range [][]candidate{closeGroup, unknown, outdated} {
		for _, c := range group {
			out = append(out, c.account)
		}
	}
	return out
}

// processBatch runs one liquidation batch. When multicall is configured, it
// first uses DryRunFlagBatch (spec §4.7's Multicall3 fast path) to find
// which accounts flagPosition will accept right now, then submits those as
// a single aggregate3 transaction instead of one flagPosition transaction
// per account. A dry-run rejection is ambiguous — it means either "not
// liquidatable yet" or "already flagged" — so rejected accounts still fall
// through to liquidatePosition's full per-account decision tree.
func (k *LiquidationKeeper) processBatch(ctx context.Context, batch []common.Address) {
	if len(batch) == 0 {
		return
	}
	if k.multicall == nil {
		k.liquidateEach(ctx, batch)
		return
	}

	accepted, err := k.DryRunFlagBatch(ctx, batch)
	if err != nil {
		logger.LogError(ctx, err, "liquidation: multicall dry-run failed, falling back to per-account checks", "market", k.market.Key)
		k.liquidateEach(ctx, batch)
		return
	}

	acceptedSet := make(map[common.Address]bool, len(accepted))
	for _, account := range accepted {
		acceptedSet[account] = true
	}
	rejected := make([]common.Address, 0, len(batch)-len(accepted))
	for _, account := range batch {
		if !acceptedSet[account] {
			rejected = append(rejected, account)
		}
	}
	k.liquidateEach(ctx, rejected)

	for start := 0; start < len(accepted); start += chain.MulticallPageSize {
		end := start + chain.MulticallPageSize
		if end > len(accepted) {
			end = len(accepted)
		}
		page := accepted[start:end]
		if k.submitBatchFlag(ctx, page) {
			k.liquidateEach(ctx, page)
		}
	}
}

// liquidateEach runs liquidatePosition's full per-account decision tree
// concurrently across accounts, bounded by nothing beyond the batch size
// itself since a batch is already capped at MaxBatchSize by Execute.
func (k *LiquidationKeeper) liquidateEach(ctx context.Context, accounts []common.Address) {
	if len(accounts) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			k.liquidatePosition(gctx, account)
			return nil
		})
	}
	_ = g.Wait()
}

// liquidatePosition implements the per-account decision tree spec §4.7
// describes: refresh liqPrice if not already actionable, else flag then
// liquidate.
func (k *LiquidationKeeper) liquidatePosition(ctx context.Context, account common.Address) {
	canLiquidate, err := k.contract.CanLiquidate(ctx, account)
	if err != nil {
		k.recordFailure(ctx, "canLiquidate", account, err)
		return
	}
	flagged, err := k.contract.IsFlagged(ctx, account)
	if err != nil {
		k.recordFailure(ctx, "isFlagged", account, err)
		return
	}

	if !canLiquidate && !flagged {
		k.refreshLiqPrice(ctx, account)
		return
	}

	if flagged {
		k.submitAndCount(ctx, account, k.contract.EncodeLiquidatePosition, liquidatePositionAction, metrics.PositionLiquidated)
		return
	}

	k.flagThenLiquidate(ctx, account)
}

// flagThenLiquidate submits flagPosition and, on success, immediately
// follows with liquidatePosition. Used by liquidatePosition's per-account
// decision tree once CanLiquidate/IsFlagged confirm eligibility — the
// multicall-backed path in processBatch flags a whole page in one
// aggregate3 transaction instead (submitBatchFlag) and never calls this.
func (k *LiquidationKeeper) flagThenLiquidate(ctx context.Context, account common.Address) {
	flagKey := dedupe.SubmissionKey(k.market.Key, account.Hex(), flagPositionAction)
	err := guardedSubmit(ctx, k.guard, flagKey, func() error {
		return k.pool.WithSigner(ctx, k.market.Asset, func(ctx context.Context, lease wallet.Lease) error {
			return k.submitTx(ctx, account, flagPositionAction, k.contract.EncodeFlagPosition(account), lease)
		})
	})
	if err != nil {
		if apperrors.IsStaleState(err) {
			return
		}
		if apperrors.IsPoolExhausted(err) {
			logger.Warn("liquidation: pool exhausted flagging, retrying next tick", "account", account)
			return
		}
		k.recordFailure(ctx, flagPositionAction, account, err)
		return
	}
	metrics.PositionFlagged.WithLabelValues(k.market.Key).Inc()
	k.submitAndCount(ctx, account, k.contract.EncodeLiquidatePosition, liquidatePositionAction, metrics.PositionLiquidated)
}

func (k *LiquidationKeeper) submitAndCount(ctx context.Context, account common.Address, encode func(common.Address) []byte, op string, counter *prometheus.CounterVec) {
	key := dedupe.SubmissionKey(k.market.Key, account.Hex(), op)
	err := guardedSubmit(ctx, k.guard, key, func() error {
		return k.pool.WithSigner(ctx, k.market.Asset, func(ctx context.Context, lease wallet.Lease) error {
			return k.submitTx(ctx, account, op, encode(account), lease)
		})
	})
	if err != nil {
		if apperrors.IsStaleState(err) {
			return
		}
		if apperrors.IsPoolExhausted(err) {
			logger.Warn("liquidation: pool exhausted, retrying next tick", "account", account, "op", op)
			return
		}
		k.recordFailure(ctx, op, account, err)
		return
	}
	counter.WithLabelValues(k.market.Key).Inc()
}

// signAndSend estimates gas, signs, and submits calldata to to, waiting for
// confirmation. The returned transaction is non-nil whenever signing
// succeeded, even if send or confirmation later failed, so callers can
// still audit the attempted hash.
func (k *LiquidationKeeper) signAndSend(ctx context.Context, to common.Address, calldata []byte, lease wallet.Lease) (*types.Transaction, error) {
	from := lease.Signer.Address()

	gasLimit, err := k.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: calldata})
	if err != nil {
		return nil, apperrors.NewExecutionFailed("estimateGas reverted", err)
	}
	gasLimit = uint64(float64(gasLimit) * gasLimitMultiplier)

	baseGasPrice, err := k.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidation: suggest gas price: %w", err)
	}
	gasPrice := new(big.Int).Mul(baseGasPrice, big.NewInt(gasPriceMultiplier))

	chainID := k.pool.ChainID()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    lease.Nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := lease.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("liquidation: sign tx: %w", err)
	}
	sendErr := k.client.SendTransaction(ctx, signed)
	if sendErr != nil {
		return signed, apperrors.NewExecutionFailed("send tx", sendErr)
	}
	if err := waitTx(ctx, k.client, signed.Hash(), k.opts.WaitTxTimeout); err != nil {
		return signed, apperrors.NewExecutionFailed("wait confirmation", err)
	}
	return signed, nil
}

func (k *LiquidationKeeper) submitTx(ctx context.Context, account common.Address, op string, calldata []byte, lease wallet.Lease) error {
	signed, err := k.signAndSend(ctx, k.contract.Address(), calldata, lease)
	recordAudit(ctx, k.trail, k.market.Key, op, account, txHash(signed), err)
	return err
}

// submitBatchFlag builds one aggregate3 transaction from candidates' flag
// calldata and submits it in a single signer lease, per spec §4.7's
// documented fast path: once DryRunFlagBatch has identified which
// flagPosition calls the contract will accept, submit exactly those in one
// transaction rather than one per account. AllowFailure is false here — the
// dry run already validated every call in this page, so a revert now means
// the batch as a whole failed and every candidate falls back to being
// recorded as a failure rather than silently retried piecemeal.
func (k *LiquidationKeeper) submitBatchFlag(ctx context.Context, candidates []common.Address) bool {
	calls := make([]chain.Call3, len(candidates))
	for i, account := range candidates {
		calls[i] = chain.Call3{
			Target:       k.contract.Address(),
			AllowFailure: false,
			CallData:     k.contract.EncodeFlagPosition(account),
		}
	}
	calldata, err := k.multicall.EncodeAggregate3(calls)
	if err != nil {
		logger.LogError(ctx, err, "liquidation: encode aggregate3 flag batch failed", "market", k.market.Key, "accounts", len(candidates))
		return false
	}

	key := dedupe.SubmissionKey(k.market.Key, k.multicall.Address().Hex(), flagPositionAction)
	err = guardedSubmit(ctx, k.guard, key, func() error {
		return k.pool.WithSigner(ctx, k.market.Asset, func(ctx context.Context, lease wallet.Lease) error {
			return k.submitBatchFlagTx(ctx, candidates, calldata, lease)
		})
	})
	if err != nil {
		if apperrors.IsStaleState(err) {
			return false
		}
		if apperrors.IsPoolExhausted(err) {
			logger.Warn("liquidation: pool exhausted flagging batch, retrying next tick", "market", k.market.Key, "accounts", len(candidates))
			return false
		}
		for _, account := range candidates {
			k.recordFailure(ctx, flagPositionAction, account, err)
		}
		return false
	}
	metrics.PositionFlagged.WithLabelValues(k.market.Key).Add(float64(len(candidates)))
	return true
}

func (k *LiquidationKeeper) submitBatchFlagTx(ctx context.Context, candidates []common.Address, calldata []byte, lease wallet.Lease) error {
	signed, err := k.signAndSend(ctx, k.multicall.Address(), calldata, lease)
	hash := txHash(signed)
	for _, account := range candidates {
		recordAudit(ctx, k.trail, k.market.Key, flagPositionAction, account, hash, err)
	}
	return err
}

func txHash(tx *types.Transaction) common.Hash {
	if tx == nil {
		return common.Hash{}
	}
	return tx.Hash()
}

func (k *LiquidationKeeper) refreshLiqPrice(ctx context.Context, account common.Address) {
	raw, err := k.contract.LiquidationPrice(ctx, account)
	if err != nil {
		logger.LogError(ctx, err, "liquidation: refresh liqPrice failed", "market", k.market.Key, "account", account)
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.positions[account]
	if !ok {
		return
	}
	p.LiqPrice = decimal.NewFromBigInt(raw, 0).Div(UNIT)
	p.LiqPriceUpdatedTimestamp = k.blockTipTimestamp
}

func (k *LiquidationKeeper) recordFailure(ctx context.Context, op string, account common.Address, cause error) {
	logger.LogError(ctx, cause, "liquidation: operation failed", "market", k.market.Key, "op", op, "account", account)
	metrics.KeeperError.WithLabelValues(k.market.Key, op).Inc()
}

// DryRunFlagBatch discovers, via Multicall3 aggregate3(allowFailure=true),
// which of candidates the contract will currently accept a flagPosition
// for (spec §4.7's optional batched fast path). Returns the accepted
// subset in the same order.
func (k *LiquidationKeeper) DryRunFlagBatch(ctx context.Context, candidates []common.Address) ([]common.Address, error) {
	if k.multicall == nil || len(candidates) == 0 {
		return candidates, nil
	}
	accepted := make([]common.Address, 0, len(candidates))
	for start := 0; start < len(candidates); start += chain.MulticallPageSize {
		end := start + chain.MulticallPageSize
		if end > len(candidates) {
			end = len(candidates)
		}
		page := candidates[start:end]

		calls := make([]chain.Call3, len(page))
		for i, account := range page {
			calls[i] = chain.Call3{
				Target:       k.contract.Address(),
				AllowFailure: true,
				CallData:     k.contract.EncodeFlagPosition(account),
			}
		}
		results, err := k.multicall.DryRun(ctx, calls)
		if err != nil {
			return nil, fmt.Errorf("liquidation: multicall dry-run: %w", err)
		}
		for i, r := range results {
			if r.Success {
				accepted = append(accepted, page[i])
			}
		}
	}
	return accepted, nil
}
