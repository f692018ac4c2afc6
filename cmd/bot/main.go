// Polymarket Market Maker — an automated market-making bot for Polymarket
// binary prediction markets using an inventory-skewed quote-ladder solver,
// with a
// defensive opportunity monitor and a YES/NO position merger running
// alongside it.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires scanner → strategy → exchange, manages market lifecycle
//	strategy/maker.go    — per-market tick loop: snapshots books + inventory, runs the solver, drives the executor
//	strategy/executor.go — dedicated per-market thread executing cancel/place batches against the CLOB
//	solver/solver.go     — pure quote-ladder solver: target ladder, profitability floor, cancel/place diff
//	oms/oms.go           — authoritative order ledger fed by the user WS channel, REST-reconciled
//	strategy/inventory   — tracks YES/NO positions, avg entry prices, realized/unrealized PnL
//	market/scanner.go    — polls Gamma API for wide-spread markets, ranks by opportunity score
//	market/book.go       — local order book mirror fed by WebSocket snapshots + price changes
//	exchange/client.go   — REST client for Polymarket CLOB API (place/cancel orders, fetch book)
//	exchange/auth.go     — L1 (EIP-712) and L2 (HMAC) authentication for the Polymarket API
//	exchange/ws.go       — WebSocket feeds (market data + user fills/orders) fronting hypersockets.Client
//	hypersockets/        — reusable reconnecting-WebSocket client/dispatcher underlying every feed
//	oracle/oracle.go     — external reference price aggregator the sniper consults
//	risk/manager.go      — enforces per-market, global exposure, daily loss, and price-shock limits
//	risk/balance.go      — pivot/current collateral watermark halt, independent of the above
//	sniper/sniper.go     — opportunity monitor for markets approaching resolution with stale books
//	merger/merger.go     — merges offsetting YES/NO inventory back into collateral
//	store/store.go       — JSON file persistence for positions (survives restarts)
//
// How it makes money:
//
//	The bot buys both outcome tokens of a binary market below their combined
//	fair value: a YES and a NO unit together settle to exactly $1, so filling
//	bid ladders on both sides at a combined cost under $1 locks in the gap.
//	The solver skews the ladder away from whichever side inventory is already
//	heavy in, and the merger converts completed YES/NO pairs back to collateral.
//	The sniper adds a second, much rarer source of edge: a defensive taker
//	buy of YES when a market nears its close with no resting offer on its
//	YES book and the oracle price far from the strike.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-mm/internal/api"
	"polymarket-mm/internal/config"
	"polymarket-mm/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start dashboard API server if enabled
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("polymarket market maker started",
		"markets_max", cfg.Risk.MaxMarketsActive,
		"level_size", cfg.Strategy.LevelSizeUSD,
		"max_exposure", cfg.Risk.MaxGlobalExposure,
		"halt_threshold", cfg.Risk.HaltThreshold,
		"sniper_enabled", cfg.Sniper.Enabled,
		"merger_enabled", cfg.Merger.Enabled,
		"oracle_feeds", len(cfg.Oracle.DirectFeedURLs)+len(cfg.Oracle.ReportFeedURLs),
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop dashboard first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
