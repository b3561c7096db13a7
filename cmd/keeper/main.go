// Command keeper runs the perpetual-futures off-chain keeper (spec.md
// §6). Single subcommand: `run`.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/perpskeeper/keeper/internal/audit"
	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/config"
	"github.com/perpskeeper/keeper/internal/dedupe"
	"github.com/perpskeeper/keeper/internal/distributor"
	"github.com/perpskeeper/keeper/internal/events"
	"github.com/perpskeeper/keeper/internal/keeper"
	"github.com/perpskeeper/keeper/internal/model"
	"github.com/perpskeeper/keeper/internal/notifier"
	"github.com/perpskeeper/keeper/internal/pkg/apperrors"
	"github.com/perpskeeper/keeper/internal/pkg/logger"
	"github.com/perpskeeper/keeper/internal/pkg/metrics"
	"github.com/perpskeeper/keeper/internal/priceclient"
	"github.com/perpskeeper/keeper/internal/server"
	"github.com/perpskeeper/keeper/internal/wallet"
)

// exit codes per spec §6.
const (
	exitClean         = 0
	exitFatalStartup  = 1
	exitRuntimeFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Fprintln(os.Stderr, "usage: keeper run")
		return exitFatalStartup
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal startup: %v\n", err)
		return exitFatalStartup
	}
	logger.Init(cfg.LogLevel)
	logger.Info("keeper: starting", "network", cfg.Network, "markets", len(cfg.Markets))
	metrics.KeeperStartUp.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bootAndRun(ctx, cfg); err != nil {
		if apperrors.IsFatalStartup(err) {
			logger.Error("keeper: fatal startup error", "error", err)
			return exitFatalStartup
		}
		logger.Error("keeper: unrecoverable runtime error", "error", err)
		return exitRuntimeFailed
	}
	return exitClean
}

func bootAndRun(ctx context.Context, cfg *config.Config) error {
	rpcURL := cfg.RPCURL()
	chainClient, err := chain.NewEthClient(ctx, rpcURL, 20)
	if err != nil {
		return apperrors.NewFatalStartup("dial RPC endpoint", err)
	}

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return apperrors.NewFatalStartup("fetch chain id", err)
	}

	pool, err := wallet.NewPool(ctx, chainClient, cfg.Mnemonic, cfg.SignerPoolSize, chainID)
	if err != nil {
		return apperrors.NewFatalStartup("build signer pool", err)
	}

	var notify notifier.Notifier = notifier.Noop{}
	if cfg.TelegramBotToken != "" {
		notify = notifier.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
	}

	var guard *dedupe.SubmissionGuard
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
			logger.Warn("keeper: redis unavailable, submission dedupe disabled", "error", pingErr)
		} else {
			guard = dedupe.NewSubmissionGuard(rdb, 2*time.Minute)
			logger.Info("keeper: submission dedupe cache connected")
		}
	}

	var auditTrail *audit.Trail
	if cfg.DatabaseDSN != "" {
		db, dbErr := audit.Open(cfg.DatabaseDSN)
		if dbErr != nil {
			logger.Warn("keeper: audit database unavailable, submissions won't be persisted", "error", dbErr)
		} else if auditTrail, err = audit.NewTrail(db); err != nil {
			logger.Warn("keeper: audit schema setup failed", "error", err)
			auditTrail = nil
		}
	}

	// A live price stream is only started once any market carries a
	// PriceFeedID. It feeds the Distributor's price source, which only
	// LiquidationKeeper consumes; OffchainDelayedOrdersKeeper fetches its
	// signed updates over HTTP through pythClient instead. Resolved before
	// the Distributor is constructed so every keeper registers against the
	// single instance that actually carries the resolved price source.
	needsLivePrice := false
	for _, mc := range cfg.Markets {
		if mc.PriceFeedID != "" {
			needsLivePrice = true
			break
		}
	}
	var priceStream *priceclient.Stream
	var priceSource distributor.PriceSource
	if needsLivePrice && cfg.PythPriceServer != "" {
		priceStream = priceclient.NewStream(cfg.PythPriceServer)
		priceStream.Start()
		defer priceStream.Stop()
		priceSource = priceStream
	}

	pythClient := priceclient.NewPyth(cfg.PythPriceServer)

	var multicall *chain.Multicall
	if cfg.MulticallAddress != "" {
		multicall = chain.NewMulticall(chainClient, common.HexToAddress(cfg.MulticallAddress))
	}

	source := events.NewSource(chainClient, cfg.MaxEventBlockRange)
	opts := keeper.Options{
		MaxBatchSize:    cfg.MaxBatchSize,
		BatchWaitTime:   cfg.BatchWaitTime(),
		MaxExecAttempts: cfg.MaxOrderExecAttempts,
		WaitTxTimeout:   60 * time.Second,
	}
	liqParams := keeper.LiquidationParams{
		ProximityThreshold:    decimal.NewFromFloat(cfg.ProximityThreshold),
		FarPriceRecencyCutoff: cfg.FarPriceRecencyCutoff(),
		MaxFarPricesToUpdate:  cfg.MaxFarPricesToUpdate,
	}

	dist := distributor.New(chainClient, source, priceSource, cfg.FromBlock, cfg.ProcessInterval(), cfg.MaxBacklogBlocks, cfg.MaxBatchSize)

	if cfg.MarketManagerAddress != "" {
		validateConfiguredMarkets(ctx, chainClient, cfg.MarketManagerAddress, cfg.Markets)
	}

	statuses := make([]server.KeeperStatus, 0, len(cfg.Markets)*2)
	for _, mc := range cfg.Markets {
		m := model.Market{
			Key:         mc.Key,
			Asset:       mc.Asset,
			Contract:    common.HexToAddress(mc.Contract),
			BaseAsset:   mc.BaseAsset,
			PriceFeedID: mc.PriceFeedID,
		}
		contract := chain.NewMarketContract(chainClient, m.Contract)

		delayedKeeper := keeper.NewDelayedOrdersKeeper(m, contract, chainClient, pool, notify, guard, auditTrail, opts)
		dist.Register(delayedKeeper, "")
		statuses = append(statuses, server.KeeperStatus{Market: m.Key, Kind: "delayedOrders"})

		if m.PriceFeedID != "" {
			pythOracle := chain.NewPythOracle(chainClient, m.Contract)
			offchainKeeper := keeper.NewOffchainDelayedOrdersKeeper(m, contract, pythOracle, chainClient, pythClient, pool, notify, guard, auditTrail, opts)
			dist.Register(offchainKeeper, "")
			statuses = append(statuses, server.KeeperStatus{Market: m.Key, Kind: "offchainDelayedOrders"})
		}

		liqKeeper := keeper.NewLiquidationKeeper(m, contract, chainClient, multicall, pool, notify, guard, auditTrail, liqParams, opts)
		dist.Register(liqKeeper, m.Asset)
		statuses = append(statuses, server.KeeperStatus{Market: m.Key, Kind: "liquidation"})
	}

	// The abstract MarketContract interface (spec §6) exposes no
	// enumeration primitive over open delayedOrders/positions, so there is
	// nothing to build a startup snapshot from; each keeper's index is
	// instead rebuilt purely by replaying events from FROM_BLOCK, which
	// Hydrate's no-op-on-nil-snapshot behavior already accommodates. See
	// DESIGN.md's Open Questions.
	if err := dist.Hydrate(ctx, nil); err != nil {
		return apperrors.NewFatalStartup("hydrate keeper indices", err)
	}

	var srv *server.Server
	if cfg.AdminPort != "" {
		srv = server.New(":"+cfg.AdminPort, dist, statuses, cfg.MetricsEnabled)
		go func() {
			if serveErr := srv.Start(); serveErr != nil {
				logger.Error("keeper: admin server stopped", "error", serveErr)
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	uptimeStart := time.Now()
	go reportUptime(sigCtx, uptimeStart)
	go reportSignerBalances(sigCtx, chainClient, pool)

	runErr := dist.Run(sigCtx, cfg.ShutdownGrace())

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	return runErr
}

// validateConfiguredMarkets cross-checks the statically configured market
// list against allMarketSummaries (spec §6) and warns on mismatches; it
// never blocks startup, since the on-chain manager address is optional and
// the keeper's Market config still carries fields (baseAsset, priceFeedId)
// no contract call can supply.
func validateConfiguredMarkets(ctx context.Context, client chain.ChainClient, managerAddress string, markets []config.MarketConfig) {
	manager := chain.NewMarketContract(client, common.HexToAddress(managerAddress))
	summaries, err := manager.AllMarketSummaries(ctx)
	if err != nil {
		logger.Warn("keeper: allMarketSummaries lookup failed, skipping validation", "error", err)
		return
	}
	onChain := make(map[common.Address]bool, len(summaries))
	for _, s := range summaries {
		onChain[s.Market] = true
	}
	for _, mc := range markets {
		if !onChain[common.HexToAddress(mc.Contract)] {
			logger.Warn("keeper: configured market not found in allMarketSummaries", "market", mc.Key, "contract", mc.Contract)
		}
	}
}

func reportUptime(ctx context.Context, start time.Time) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.KeeperUpTime.Set(time.Since(start).Seconds())
		}
	}
}

func reportSignerBalances(ctx context.Context, client chain.ChainClient, pool *wallet.Pool) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range pool.Addresses() {
				bal, err := client.BalanceAt(ctx, addr, nil)
				if err != nil {
					continue
				}
				weiF, _ := new(big.Float).SetInt(bal).Float64()
				metrics.KeeperSignerEthBalance.WithLabelValues(addr.Hex()).Set(weiF)
			}
		}
	}
}
