// Package engine is the central orchestrator of the trading bus.
//
// It wires together every subsystem in construction order:
//
//  1. NUMA bind (advisory) and the engine's own CPU affinity knobs.
//  2. The shared buses: the market-data ring (C2), the order MPSC (C3),
//     the response ring, and the mmap'd journal (C4).
//  3. The risk manager (C8), exchange clients and rate limiters.
//  4. Worker goroutines, each pinning its own affinity before entering
//     its loop, spawned in this order: OEMS (C7), strategy workers (C6),
//     market-data ingress (C5).
//  5. The IPC server (C10), started last so command traffic only
//     arrives once every other component is already running.
//
// Shutdown closes the IPC server first, then cancels the one context
// every other worker goroutine watches, so market data, strategy workers
// and OEMS stop together rather than in sequence — all joined via a
// single sync.WaitGroup.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradingbus/internal/affinity"
	"tradingbus/internal/api"
	"tradingbus/internal/bus"
	"tradingbus/internal/config"
	"tradingbus/internal/exchange"
	"tradingbus/internal/frame"
	"tradingbus/internal/intern"
	"tradingbus/internal/ipc"
	"tradingbus/internal/journal"
	"tradingbus/internal/logging"
	"tradingbus/internal/market"
	"tradingbus/internal/marketdata"
	"tradingbus/internal/oems"
	"tradingbus/internal/risk"
	"tradingbus/internal/store"
	"tradingbus/internal/strategy"
	"tradingbus/internal/strategyworker"
)

const (
	marketRingCapacity   = 1 << 16
	responseRingCapacity = 1 << 14
	orderQueueCapacity   = 1 << 12
)

// symbolRuntime is everything one configured symbol needs wired together:
// its book, inventory, and the Maker strategy quoting it.
type symbolRuntime struct {
	cfg       config.SymbolConfig
	book      *market.Book
	inventory *strategy.Inventory
	maker     *strategy.Maker
}

// userFeed pairs one exchange's private WS feed with the interned
// exchange id its fill/cancel events should be published under.
type userFeed struct {
	exchangeID uint16
	feed       *exchange.WSFeed
}

// Engine owns the lifecycle of every goroutine in the trading bus.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	// logLevel is nil in tests that build an Engine directly; set_log_config
	// and update_config become no-ops for verbosity in that case.
	logLevel *slog.LevelVar

	// auditLogger records administrative IPC actions (account/strategy
	// lifecycle, config changes, kill-switch overrides) as JSON lines,
	// separate from the operational console logger so the audit trail
	// survives independent of -v.
	auditLogger *slog.Logger

	marketRing *bus.MarketRing
	respRing   *bus.ResponseRing
	orderQueue *bus.OrderQueue
	writer     *journal.Writer

	exchanges *intern.Table
	symbols   *intern.Table

	riskMgr      *risk.Manager
	clients      map[uint16]exchange.ExchangeClient
	rateLimiters *exchange.RateLimiters
	auths        map[uint32]*exchange.Auth

	// accountsMu guards auths, dynamicAccounts, and nextAccountID against
	// concurrent register_account/unregister_account/reset_account calls.
	// NATS serializes callbacks per subscription, so in practice this is
	// uncontended; it exists for the case a future query handler fans out
	// across more than one subscription.
	accountsMu      sync.Mutex
	dynamicAccounts map[uint32]config.AccountConfig
	nextAccountID   uint32

	oemsWorker  *oems.Worker
	stratWorker *strategyworker.Worker
	symbolRTs   map[string]*symbolRuntime
	stratByID   map[uint32]*strategy.Maker
	feeds       []marketdata.ExchangeFeed
	ingestor    *marketdata.Ingestor
	userFeeds   []userFeed
	ranker      *market.Ranker

	ipcServer *ipc.Server
	store     *store.Store
	registry  *prometheus.Registry

	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component described above without starting any
// goroutine; call Start to begin running. logLevel, if non-nil, is the
// LevelVar backing logger's console handler, letting set_log_config and
// update_config adjust verbosity without a restart; pass nil (as the unit
// tests do) to build an Engine whose log level is fixed for the process
// lifetime.
func New(cfg config.Config, logger *slog.Logger, logLevel *slog.LevelVar) (*Engine, error) {
	if err := affinity.BindNUMANode(cfg.Engine.NUMANode, logger); err != nil {
		logger.Warn("numa bind failed, continuing unbound", "error", err)
	}

	auditLogger := logging.NewRotatingFile(cfg.Logging, "audit.log")

	registry := prometheus.NewRegistry()
	journalMetrics := journal.NewMetrics(registry)

	writer, err := journal.Open(cfg.Journal.Dir, uint64(cfg.Journal.PageSizeMB)*1024*1024, journalMetrics)
	if err != nil {
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	exchanges := intern.NewTable()
	symbols := intern.NewTable()

	rpsByExchange := make(map[string]int, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		exchanges.Register(ex.Name)
		rpsByExchange[ex.Name] = ex.RateLimitRPS
	}
	limiters := exchange.NewRateLimiters(rpsByExchange)

	auths := make(map[uint32]*exchange.Auth, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		auth, err := exchange.NewAuth(acc)
		if err != nil {
			return nil, fmt.Errorf("engine: account %d auth: %w", acc.ID, err)
		}
		auths[acc.ID] = auth
	}

	clients := make(map[uint16]exchange.ExchangeClient, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		exID := exchanges.MustID(ex.Name)
		auth := authForExchange(cfg, auths, ex.Name)
		rl := limiters.For(ex.Name)
		clients[exID] = exchange.NewClient(ex, auth, rl, cfg.DryRun, logger)
	}

	for _, sym := range cfg.Symbols {
		symbols.Register(sym.Name)
	}

	riskMgr := risk.NewManager(cfg.Risk, logger)

	marketRing := bus.NewMarketRing(marketRingCapacity)
	respRing := bus.NewResponseRing(responseRingCapacity)
	orderQueue := bus.NewOrderQueue(orderQueueCapacity)

	oemsWorker := oems.NewWorker(orderQueue, respRing, writer, riskMgr, clients, limiters, exchanges, symbols, engineCPU(cfg, 1), cfg.Engine.CPUPinning, logger)

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, 256)
	}

	stratWorker := strategyworker.NewWorker("primary", engineCPU(cfg, 2), cfg.Engine.CPUPinning, marketRing.NewConsumer(), respRing.NewConsumer(), orderQueue, logger)

	symbolRTs := make(map[string]*symbolRuntime, len(cfg.Symbols))
	for _, symCfg := range cfg.Symbols {
		symID := symbols.MustID(symCfg.Name)
		exID := exchanges.MustID(symCfg.Exchange)

		book := market.NewBook(symCfg.Name)
		inventory := strategy.NewInventory(symCfg.Name)
		if pos, err := st.LoadPosition(symCfg.Name); err == nil && pos != nil {
			inventory.SetPosition(*pos)
		}

		var accountID uint32
		for _, acc := range cfg.Accounts {
			if acc.Exchange == symCfg.Exchange {
				accountID = acc.ID
				break
			}
		}

		maxPositionUSD := cfg.Risk.PerSymbolLimits[symCfg.Name]
		if maxPositionUSD <= 0 {
			maxPositionUSD = cfg.Risk.MaxExposure
		}

		maker := strategy.NewMaker(cfg.Strategy, symCfg, symID, exID, accountID, uint32(symID), maxPositionUSD, book, inventory, riskMgr, nil, logger, dashEvents)
		send := stratWorker.Register(maker, strategyworker.SendPolicy{RatePerSecond: 20, Burst: 40})
		maker.SetSend(send)

		symbolRTs[symCfg.Name] = &symbolRuntime{cfg: symCfg, book: book, inventory: inventory, maker: maker}
	}

	// strategyID is uint32(symbolID), assigned above; index Makers by it so
	// handleCommand's CmdStartStrategy/CmdStop and the start_strategy/
	// stop_strategy IPC actions can address one by the id an external
	// caller names.
	stratByID := make(map[uint32]*strategy.Maker, len(symbolRTs))
	for _, rt := range symbolRTs {
		stratByID[uint32(symbols.MustID(rt.cfg.Name))] = rt.maker
	}

	var maxAccountID uint32
	for _, acc := range cfg.Accounts {
		if acc.ID > maxAccountID {
			maxAccountID = acc.ID
		}
	}

	feeds := make([]marketdata.ExchangeFeed, 0, len(cfg.Exchanges))
	var userFeeds []userFeed
	for _, ex := range cfg.Exchanges {
		exID := exchanges.MustID(ex.Name)
		var wireSymbols []string
		for _, symCfg := range cfg.Symbols {
			if symCfg.Exchange == ex.Name {
				wireSymbols = append(wireSymbols, symCfg.Name)
			}
		}
		if len(wireSymbols) == 0 {
			continue
		}
		resolve := func(name string) (uint16, bool) { return symbols.ID(name) }
		feeds = append(feeds, marketdata.NewWSAdapter(ex.Name, exID, ex.WSMarketURL, wireSymbols, resolve, nil, ex.ReconnectMin, ex.ReconnectMax, logger))

		if auth := authForExchange(cfg, auths, ex.Name); auth != nil {
			userFeeds = append(userFeeds, userFeed{
				exchangeID: exID,
				feed:       exchange.NewUserFeed(ex.WSUserURL, auth, ex.ReconnectMin, ex.ReconnectMax, logger),
			})
		}
	}

	ingestor := marketdata.NewIngestor(feeds, marketRing, writer, engineCPU(cfg, 3), cfg.Engine.CPUPinning, logger)

	ipcServer, err := ipc.NewServer(cfg.IPC, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: start ipc server: %w", err)
	}

	provider := func(ctx context.Context, wanted []config.SymbolConfig) ([]market.SymbolStats, error) {
		stats := make([]market.SymbolStats, 0, len(wanted))
		for _, symCfg := range wanted {
			rt, ok := symbolRTs[symCfg.Name]
			if !ok {
				continue
			}
			bid, ask, _ := rt.book.BestBidAsk()
			stats = append(stats, market.SymbolStats{Symbol: symCfg.Name, BestBid: bid, BestAsk: ask})
		}
		return stats, nil
	}
	ranker := market.NewRanker(cfg.Symbols, 30*time.Second, cfg.Risk.PerSymbolLimits, provider, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:             cfg,
		logger:          logger.With("component", "engine"),
		logLevel:        logLevel,
		auditLogger:     auditLogger,
		marketRing:      marketRing,
		respRing:        respRing,
		orderQueue:      orderQueue,
		writer:          writer,
		exchanges:       exchanges,
		symbols:         symbols,
		riskMgr:         riskMgr,
		clients:         clients,
		rateLimiters:    limiters,
		auths:           auths,
		dynamicAccounts: make(map[uint32]config.AccountConfig),
		nextAccountID:   maxAccountID + 1,
		oemsWorker:      oemsWorker,
		stratWorker:     stratWorker,
		symbolRTs:       symbolRTs,
		stratByID:       stratByID,
		feeds:           feeds,
		ingestor:        ingestor,
		userFeeds:       userFeeds,
		ranker:          ranker,
		ipcServer:       ipcServer,
		store:           st,
		registry:        registry,
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

func authForExchange(cfg config.Config, auths map[uint32]*exchange.Auth, exchangeName string) *exchange.Auth {
	for _, acc := range cfg.Accounts {
		if acc.Exchange == exchangeName {
			return auths[acc.ID]
		}
	}
	return nil
}

// engineCPU picks a CPU index for a pinned worker. Pinning everything to
// CPU 0 when disabled (or on a host with fewer CPUs than ordinals used)
// is still correct, just contends for cache.
func engineCPU(cfg config.Config, ordinal int) int {
	if !cfg.Engine.CPUPinning {
		return 0
	}
	return ordinal
}

// Start launches every worker goroutine in construction order and starts
// the IPC server last.
func (e *Engine) Start() error {
	if e.cfg.Engine.Realtime {
		if err := affinity.EnableRealtime(50); err != nil {
			e.logger.Warn("failed to enable SCHED_FIFO, continuing best-effort", "error", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.oemsWorker.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("oems worker stopped", "error", err)
		}
	}()

	for _, uf := range e.userFeeds {
		uf := uf
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.oemsWorker.RunUserFeed(e.ctx, uf.feed, uf.exchangeID); err != nil && e.ctx.Err() == nil {
				e.logger.Error("user feed stopped", "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.stratWorker.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ingestor.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market-data ingestor stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskMgr.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.ranker.Run(e.ctx)
	}()

	if _, err := e.ipcServer.HandleCommands(e.ctx, e.handleCommand); err != nil {
		return fmt.Errorf("engine: ipc command handler: %w", err)
	}
	if _, err := e.ipcServer.HandleQuery(e.handleQuery); err != nil {
		return fmt.Errorf("engine: ipc query handler: %w", err)
	}

	return nil
}

// handleCommand dispatches one external command arriving over IPC's order
// channel.
func (e *Engine) handleCommand(ctx context.Context, cmd frame.CommandEvent) error {
	switch cmd.Cmd {
	case frame.CmdStartStrategy:
		maker, ok := e.stratByID[cmd.StrategyID]
		if !ok {
			return fmt.Errorf("start_strategy: unknown strategy id %d", cmd.StrategyID)
		}
		maker.Start() // idempotent
		e.auditLogger.Info("strategy started", "strategy_id", cmd.StrategyID, "via", "binary command channel")
		return nil
	case frame.CmdStop:
		maker, ok := e.stratByID[cmd.StrategyID]
		if !ok {
			return fmt.Errorf("stop_strategy: unknown strategy id %d", cmd.StrategyID)
		}
		maker.Stop() // idempotent, also cancels its open orders
		e.auditLogger.Info("strategy stopped", "strategy_id", cmd.StrategyID, "via", "binary command channel")
		return nil
	case frame.CmdDeactivateKillSwitch:
		e.riskMgr.DeactivateKillSwitch()
		e.auditLogger.Info("kill switch deactivated", "via", "binary command channel")
		return nil
	case frame.CmdPlaceOrder:
		return e.orderQueue.TryPush(frame.OrderRequest{
			TS: time.Now().UnixNano(), SymbolID: cmd.SymbolID, Side: cmd.Side,
			OrdType: cmd.OrdType, Price: cmd.Price, Quantity: cmd.Quantity, StrategyID: cmd.StrategyID,
		})
	case frame.CmdCancelOrder:
		return e.orderQueue.TryPush(frame.OrderRequest{
			TS: time.Now().UnixNano(), SymbolID: cmd.SymbolID, StrategyID: cmd.StrategyID, Quantity: 0,
		})
	case frame.CmdRegisterAccount:
		// CommandEvent's ParamsJSON is a 32-byte fixed field — far too
		// small to carry an API key, secret, and passphrase. Registering
		// credentials only ever happens over the JSON query channel's
		// register_account action (see handleQuery), which has no such
		// size limit; this binary-channel command value exists in the
		// enum for frame-layout completeness but is intentionally not
		// wired to anything here.
		e.logger.Warn("register_account is not supported on the binary command channel; use the JSON query action instead", "strategy_id", cmd.StrategyID)
		return nil
	default:
		e.logger.Debug("unhandled command", "cmd", cmd.Cmd)
		return nil
	}
}

// Stop closes the IPC server, cancels the context shared by every other
// component (they stop concurrently, not in a fixed order), cancels
// resting orders on every exchange and waits for all goroutines — then
// persists final state and closes the journal/store.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.ipcServer.Close()
	e.cancel()

	cancelCtx, cancelDone := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDone()
	for exID, client := range e.clients {
		if _, err := client.CancelAll(cancelCtx); err != nil {
			e.logger.Error("failed to cancel all orders on shutdown", "exchange_id", exID, "error", err)
		}
	}

	e.wg.Wait()

	for name, rt := range e.symbolRTs {
		if err := e.store.SavePosition(name, rt.inventory.Snapshot()); err != nil {
			e.logger.Error("failed to persist position", "symbol", name, "error", err)
		}
	}

	if e.dashboardEvents != nil {
		close(e.dashboardEvents)
	}

	if err := e.writer.Close(); err != nil {
		e.logger.Error("failed to close journal", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// Registry exposes the engine's Prometheus registry for the dashboard's
// /metrics endpoint.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// DashboardEvents implements the optional interface api.Server checks for
// to fan out high-salience events (fills, position updates) immediately.
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent { return e.dashboardEvents }

// GetAccounts implements api.MarketSnapshotProvider. Accounts are
// reported as configured; live balance updates would arrive via
// AccountEvent frames from a venue that pushes them, which none of the
// currently-wired exchanges do on their public/user WS channels.
func (e *Engine) GetAccounts() []api.AccountStatus {
	e.accountsMu.Lock()
	defer e.accountsMu.Unlock()

	out := make([]api.AccountStatus, 0, len(e.cfg.Accounts)+len(e.dynamicAccounts))
	for _, acc := range e.cfg.Accounts {
		out = append(out, api.AccountStatus{AccountID: acc.ID, Exchange: acc.Exchange})
	}
	for id, acc := range e.dynamicAccounts {
		out = append(out, api.AccountStatus{AccountID: id, Exchange: acc.Exchange})
	}
	return out
}

// GetOrders implements api.MarketSnapshotProvider.
func (e *Engine) GetOrders() []api.OrderStatus {
	snaps := e.oemsWorker.Snapshot()
	out := make([]api.OrderStatus, 0, len(snaps))
	for _, s := range snaps {
		side := "BUY"
		if s.Side == frame.SideSell {
			side = "SELL"
		}
		var exchangeOrderID string
		if s.ExchangeOrderID != 0 {
			exchangeOrderID = strconv.FormatUint(s.ExchangeOrderID, 10)
		}
		out = append(out, api.OrderStatus{
			LocalOrderID:    s.LocalOrderID,
			ExchangeOrderID: exchangeOrderID,
			Symbol:          e.symbols.Name(s.SymbolID),
			Exchange:        e.exchanges.Name(s.ExchangeID),
			Side:            side,
			Status:          orderStatusString(s.Status),
			Price:           s.Price,
			Quantity:        s.Quantity,
		})
	}
	return out
}

// GetPositions implements api.MarketSnapshotProvider.
func (e *Engine) GetPositions() []api.PositionSnapshot {
	out := make([]api.PositionSnapshot, 0, len(e.symbolRTs))
	for name, rt := range e.symbolRTs {
		pos := rt.inventory.Snapshot()
		out = append(out, api.PositionSnapshot{
			Symbol:        name,
			Quantity:      pos.Quantity,
			AvgEntry:      pos.AvgEntry,
			RealizedPnL:   pos.RealizedPnL,
			UnrealizedPnL: pos.UnrealizedPnL,
			LastUpdated:   pos.LastUpdated,
		})
	}
	return out
}

// GetStrategies implements api.MarketSnapshotProvider.
func (e *Engine) GetStrategies() []api.StrategyStatus {
	out := make([]api.StrategyStatus, 0, len(e.symbolRTs))
	for _, rt := range e.symbolRTs {
		out = append(out, rt.maker.Status())
	}
	return out
}

// GetTickers implements api.MarketSnapshotProvider.
func (e *Engine) GetTickers() map[string]api.TickerStatus {
	out := make(map[string]api.TickerStatus, len(e.symbolRTs))
	for name, rt := range e.symbolRTs {
		bid, ask, ok := rt.book.BestBidAsk()
		if !ok {
			continue
		}
		mid := (bid + ask) / 2
		out[name] = api.TickerStatus{
			Symbol:      name,
			MidPrice:    mid,
			BestBid:     bid,
			BestAsk:     ask,
			Spread:      ask - bid,
			LastUpdated: rt.book.LastUpdated(),
			IsStale:     rt.book.IsStale(e.cfg.Strategy.StaleBookTimeout),
		}
	}
	return out
}

// GetLogs implements api.MarketSnapshotProvider, tailing the most recent
// lines of the audit log (internal/logging) for the dashboard's recent-log
// window.
func (e *Engine) GetLogs() []api.LogLine {
	return e.readLogs("", "", 50, 0)
}

// GetRiskManager implements api.MarketSnapshotProvider.
func (e *Engine) GetRiskManager() *risk.Manager { return e.riskMgr }

func orderStatusString(s frame.OrderStatus) string {
	switch s {
	case frame.StatusAck:
		return "ACK"
	case frame.StatusPartial:
		return "PARTIAL"
	case frame.StatusFilled:
		return "FILLED"
	case frame.StatusCancelled:
		return "CANCELLED"
	case frame.StatusRejected:
		return "REJECTED"
	case frame.StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
