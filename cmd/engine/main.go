// Command engine is the live-trading entry point: it loads configuration,
// wires the trading bus (internal/engine), starts the optional dashboard
// API, and runs until SIGINT/SIGTERM.
//
//	main.go             — this file: load config, start engine, wait for signal
//	internal/engine     — orchestrator: wires buses, OEMS, strategies, IPC
//	internal/strategy   — Avellaneda-Stoikov quoting
//	internal/oems       — order entry/management, venue submission
//	internal/marketdata — WebSocket ingestion onto the market-data ring
//	internal/risk       — kill-switch, drawdown, exposure limits
//	internal/ipc        — external command/query/report fabric
//
// Exit codes: 1 config/startup failure, 2 engine start failure, 130
// after a SIGINT/SIGTERM-triggered shutdown. The process only exits via a
// signal or an error, so 0 is never returned.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tradingbus/internal/api"
	"tradingbus/internal/config"
	"tradingbus/internal/engine"
	"tradingbus/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/config.yaml", "path to the engine config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: load config %s: %v\n", *cfgPath, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: invalid config: %v\n", err)
		return 1
	}

	logger, logLevel := logging.NewConsole(cfg.Logging)

	eng, err := engine.New(*cfg, logger, logLevel)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}

	var dashboard *api.Server
	if cfg.Dashboard.Enabled {
		dashboard = api.NewServer(cfg.Dashboard, eng, *cfg, eng.Registry(), logger)
		go func() {
			if err := dashboard.Start(); err != nil {
				logger.Error("dashboard server stopped", "error", err)
			}
		}()
		logger.Info("dashboard started", "port", cfg.Dashboard.Port)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 2
	}

	if cfg.DryRun {
		logger.Warn("dry-run mode: no real orders will be placed")
	}
	logger.Info("trading bus started", "symbols", len(cfg.Symbols), "exchanges", len(cfg.Exchanges))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	eng.Stop()
	if dashboard != nil {
		if err := dashboard.Stop(); err != nil {
			logger.Error("dashboard shutdown error", "error", err)
		}
	}

	return 130
}
