// Command paper runs the same trading bus as cmd/engine against the same
// configuration, forced into dry-run: venue clients simulate fills
// instead of submitting real orders, and state lands under a "paper_"
// prefixed IPC namespace and data directory so a paper run never collides
// with a live one sharing the same config file.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
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
		fmt.Fprintf(os.Stderr, "paper: load config %s: %v\n", *cfgPath, err)
		return 1
	}

	cfg.DryRun = true
	if cfg.IPC.Prefix == "" {
		cfg.IPC.Prefix = "paper"
	} else {
		cfg.IPC.Prefix = "paper_" + cfg.IPC.Prefix
	}
	cfg.Store.DataDir = filepath.Join(cfg.Store.DataDir, "paper")
	cfg.Journal.Dir = filepath.Join(cfg.Journal.Dir, "paper")

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "paper: invalid config: %v\n", err)
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

	logger.Warn("paper-trading mode: no real orders will be placed")
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
