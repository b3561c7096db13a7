// Package metrics exposes every metric spec.md §6 names. Metric names are
// fixed at package init and carry no per-network namespace; dimensions
// (market, op, signer) are baked into label values the Distributor/Keeper
// attach when they call these, not threaded through as a per-event
// parameter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KeeperUpTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_up_time_seconds",
		Help: "Seconds since the keeper process started",
	})

	KeeperSignerEthBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keeper_signer_eth_balance",
		Help: "Native-asset balance of each configured signer, in wei",
	}, []string{"signer"})

	KeeperStartUp = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_start_up_total",
		Help: "Number of times the keeper process has started",
	})

	KeeperError = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_error_total",
		Help: "Errors caught and swallowed per keeper/operation",
	}, []string{"market", "op"})

	DistributorBlockDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distributor_block_delta",
		Help: "tipBlock - lastProcessedBlock observed at the start of a tick",
	})

	DistributorBlockProcessTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distributor_block_process_time_ms",
		Help: "Wall-clock time to process the most recent tick, in milliseconds",
	})

	DelayedOrderExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delayed_order_executed_total",
		Help: "Delayed orders successfully executed",
	}, []string{"market"})

	DelayedOrderAlreadyExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delayed_order_already_executed_total",
		Help: "Delayed orders found already executed/removed on-chain before submission",
	}, []string{"market"})

	OffchainOrderExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offchain_order_executed_total",
		Help: "Off-chain (Pyth-priced) delayed orders successfully executed",
	}, []string{"market"})

	PositionLiquidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "position_liquidated_total",
		Help: "Positions successfully liquidated",
	}, []string{"market"})

	PositionFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "position_flagged_total",
		Help: "Positions successfully flagged for liquidation",
	}, []string{"market"})

	SignerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signer_pool_size",
		Help: "Number of signing keys configured in the pool",
	})

	KeeperTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keeper_tick_duration_seconds",
		Help:    "execAsyncKeeperCallback timing per keeper operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"market", "op"})
)
