// Package distributor implements the Distributor (spec §4.3, component
// C4): the outer tick loop that decides the next block range, fans events
// to each Keeper, and enforces the process cadence.
package distributor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/events"
	"github.com/perpskeeper/keeper/internal/keeper"
	"github.com/perpskeeper/keeper/internal/pkg/logger"
	"github.com/perpskeeper/keeper/internal/pkg/metrics"
	"github.com/perpskeeper/keeper/internal/priceclient"
)

// PriceSource resolves the current spot price for an asset, used only for
// keepers that need one (LiquidationKeeper). Satisfied by
// priceclient.Stream in production and a fake in tests.
type PriceSource interface {
	Price(asset string) (float64, bool)
}

// entry pairs a Keeper with the asset it needs a price for, if any. Order
// keepers (C6/C7) leave asset empty; LiquidationKeeper (C8) sets it.
type entry struct {
	k     keeper.Keeper
	asset string // empty means "does not need a price"
}

// Distributor drives every registered Keeper through updateIndex then
// execute once per processInterval (spec §4.3's tick state machine).
type Distributor struct {
	client      chain.ChainClient
	source      *events.Source
	priceSource PriceSource

	entries []entry

	processInterval time.Duration
	maxBacklog      uint64
	maxConcurrency  int64 // caps how many keepers this fans out to at once per tick

	lastProcessedBlock uint64
}

// New builds a Distributor. fromBlock is the first block to index on cold
// start (spec §6 FROM_BLOCK); lastProcessedBlock starts at fromBlock-1 so
// the first tick's range starts at fromBlock (a fromBlock of 0 starts the
// range at block 1). maxConcurrency
// bounds per-tick Keeper fan-out (spec §6 MAX_BATCH_SIZE, reused here since
// both knobs express the same "how much do we do in parallel this tick"
// budget); values below 1 are treated as 1.
func New(client chain.ChainClient, source *events.Source, priceSource PriceSource, fromBlock uint64, processInterval time.Duration, maxBacklog uint64, maxConcurrency int) *Distributor {
	firstProcessed := uint64(0)
	if fromBlock > 0 {
		firstProcessed = fromBlock - 1
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Distributor{
		client:             client,
		source:             source,
		priceSource:        priceSource,
		processInterval:    processInterval,
		maxBacklog:         maxBacklog,
		maxConcurrency:     int64(maxConcurrency),
		lastProcessedBlock: firstProcessed,
	}
}

// Register adds a Keeper to the tick loop. asset, if non-empty, tells the
// Distributor to resolve a price for this keeper before updateIndex
// (spec §4.3 step b, LiquidationKeeper only).
func (d *Distributor) Register(k keeper.Keeper, asset string) {
	d.entries = append(d.entries, entry{k: k, asset: asset})
}

// Hydrate calls Keeper.hydrate for every registered keeper before the
// first tick (spec §4.3 "Hydration"). snapshots maps a keeper's Market key
// to its snapshot value; a missing entry hydrates with a nil snapshot.
func (d *Distributor) Hydrate(ctx context.Context, snapshots map[string]keeper.Snapshot) error {
	block, err := d.currentBlock(ctx)
	if err != nil {
		return err
	}
	for _, e := range d.entries {
		snapshot := snapshots[e.k.Market().Key]
		if err := e.k.Hydrate(ctx, snapshot, block); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) currentBlock(ctx context.Context) (chain.Block, error) {
	number, err := d.client.BlockNumber(ctx)
	if err != nil {
		return chain.Block{}, err
	}
	return d.client.BlockByNumber(ctx, number)
}

// Run drives the tick loop until ctx is cancelled, honoring
// shutdownGrace as the hard deadline for a draining final tick
// (spec §5 "Cancellation").
func (d *Distributor) Run(ctx context.Context, shutdownGrace time.Duration) error {
	ticker := time.NewTicker(d.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			d.tick(tickCtx)
			cancel()
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// tick implements the state machine of spec §4.3 steps 1-5.
func (d *Distributor) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.DistributorBlockProcessTime.Set(float64(time.Since(start).Milliseconds()))
	}()

	tipBlock, err := d.client.BlockNumber(ctx)
	if err != nil {
		logger.LogError(ctx, err, "distributor: read tip block failed")
		return
	}

	toBlock := tipBlock
	delta := int64(tipBlock) - int64(d.lastProcessedBlock)
	if delta > 0 {
		metrics.DistributorBlockDelta.Set(float64(delta))
	}
	if delta > 0 && uint64(delta) > d.maxBacklog {
		toBlock = d.lastProcessedBlock + d.maxBacklog
	}
	if toBlock <= d.lastProcessedBlock {
		return
	}

	block, err := d.client.BlockByNumber(ctx, toBlock)
	if err != nil {
		logger.LogError(ctx, err, "distributor: read target block failed", "block", toBlock)
		return
	}

	// Keepers are independent (their own market, their own internal lock),
	// so fan them out concurrently instead of walking them one at a time; a
	// semaphore bounds how many run at once per tick.
	sem := semaphore.NewWeighted(d.maxConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	allSucceeded := true
	for _, e := range d.entries {
		e := e
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			if !d.runKeeper(gctx, e, toBlock, block) {
				mu.Lock()
				allSucceeded = false
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// spec §4.3: only advance lastProcessedBlock if every keeper's scan
	// succeeded, so a partial failure retries the same range next tick
	// instead of silently dropping events.
	if allSucceeded {
		d.lastProcessedBlock = toBlock
	}
}

// runKeeper drives one keeper through updateIndex+execute for [from,to].
// Returns false if the event scan itself failed (this keeper's range must
// be retried), true otherwise — a failure inside updateIndex/execute is
// swallowed per spec §4.3/§7 propagation policy and still counts as
// "succeeded" from the range-advancement perspective.
func (d *Distributor) runKeeper(ctx context.Context, e entry, toBlock uint64, block chain.Block) bool {
	market := e.k.Market()
	fromBlock := d.lastProcessedBlock + 1

	evts, err := d.source.GetEvents(ctx, market.Contract, e.k.EventsOfInterest(), fromBlock, toBlock)
	if err != nil {
		logger.LogError(ctx, err, "distributor: event scan failed, will retry this range", "market", market.Key)
		metrics.KeeperError.WithLabelValues(market.Key, "getEvents").Inc()
		return false
	}

	var price *keeper.AssetPrice
	if e.asset != "" && d.priceSource != nil {
		if v, ok := d.priceSource.Price(e.asset); ok {
			price = &keeper.AssetPrice{Value: v, AsOf: time.Now()}
		}
	}

	e.k.UpdateIndex(ctx, evts, block, price)
	e.k.Execute(ctx, block)
	return true
}

// LastProcessedBlock exposes the current cursor, used by the admin HTTP
// surface's /debug/keepers endpoint.
func (d *Distributor) LastProcessedBlock() uint64 { return d.lastProcessedBlock }

var _ PriceSource = (*priceclient.Stream)(nil)
