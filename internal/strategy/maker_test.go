package strategy

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"tradingbus/internal/config"
	"tradingbus/internal/frame"
	"tradingbus/internal/market"
	"tradingbus/internal/risk"
	"tradingbus/pkg/types"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Gamma:            0.5,
		Sigma:            0.2,
		K:                10.0,
		T:                0.5,
		DefaultSpreadBps: 100, // 1% min spread
		OrderSizeUSD:     50,
		RefreshInterval:  5 * time.Second,
		StaleBookTimeout: 30 * time.Second,

		FlowWindow:              60 * time.Second,
		FlowToxicityThreshold:   0.6,
		FlowCooldownPeriod:      120 * time.Second,
		FlowMaxSpreadMultiplier: 3.0,
	}
}

func testSymbolConfig() config.SymbolConfig {
	return config.SymbolConfig{
		Name:     "BTC-USDT",
		Exchange: "test-exchange",
		TickSize: 0.01,
		LotSize:  0.001,
	}
}

func testRiskManager() *risk.Manager {
	return risk.NewManager(config.RiskConfig{
		MaxDrawdownPct:    50,
		MaxOpenOrders:     100,
		MaxExposure:       1_000_000,
		PerSymbolLimits:   map[string]float64{},
		KillSwitchDropPct: 0.5,
		KillSwitchWindow:  time.Minute,
		CooldownAfterKill: time.Minute,
	}, testLogger())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupMaker(cfg config.StrategyConfig, symbolCfg config.SymbolConfig) *Maker {
	b := market.NewBook(symbolCfg.Name)
	inv := NewInventory(symbolCfg.Name)
	logger := testLogger()

	noopSend := func(frame.OrderRequest) error { return nil }

	return NewMaker(
		cfg, symbolCfg,
		1, 1, 1, 1,
		1000.0, // maxPositionUSD
		b, inv, testRiskManager(),
		noopSend,
		logger, nil,
	)
}

func TestComputeQuotesBalanced(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	mid := 0.50
	budget := 1000.0
	maxQty := 2000.0
	quotes, err := m.computeQuotes(mid, budget, maxQty)
	if err != nil {
		t.Fatalf("computeQuotes: %v", err)
	}

	if quotes.Bid == nil {
		t.Fatal("expected a bid")
	}
	if quotes.Ask == nil {
		t.Fatal("expected an ask")
	}

	if quotes.Bid.Price >= mid {
		t.Errorf("bid price %v should be below mid %v", quotes.Bid.Price, mid)
	}
	if quotes.Ask.Price <= mid {
		t.Errorf("ask price %v should be above mid %v", quotes.Ask.Price, mid)
	}

	bidDist := mid - quotes.Bid.Price
	askDist := quotes.Ask.Price - mid
	if math.Abs(bidDist-askDist) > 0.02 {
		t.Errorf("quotes not symmetric: bidDist=%v, askDist=%v", bidDist, askDist)
	}
}

func TestComputeQuotesLongSkew(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	m.inventory.OnFill(Fill{Side: types.BUY, Price: 0.50, Size: 2000})

	mid := 0.50
	budget := 1000.0
	maxQty := 2000.0
	quotes, err := m.computeQuotes(mid, budget, maxQty)
	if err != nil {
		t.Fatalf("computeQuotes: %v", err)
	}

	if quotes.Bid == nil || quotes.Ask == nil {
		t.Fatal("expected both bid and ask")
	}

	midpoint := (quotes.Bid.Price + quotes.Ask.Price) / 2
	if midpoint >= mid {
		t.Errorf("midpoint of quotes %v should be below mid %v when long", midpoint, mid)
	}
}

func TestComputeQuotesShortSkew(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	m.inventory.OnFill(Fill{Side: types.SELL, Price: 0.50, Size: 2000})

	mid := 0.50
	budget := 1000.0
	maxQty := 2000.0
	quotes, err := m.computeQuotes(mid, budget, maxQty)
	if err != nil {
		t.Fatalf("computeQuotes: %v", err)
	}

	if quotes.Bid == nil || quotes.Ask == nil {
		t.Fatal("expected both bid and ask")
	}

	midpoint := (quotes.Bid.Price + quotes.Ask.Price) / 2
	if midpoint <= mid {
		t.Errorf("midpoint of quotes %v should be above mid %v when short", midpoint, mid)
	}
}

func TestComputeQuotesBudgetExhausted(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	mid := 0.50
	budget := 0.0000001 // too small for min order size
	maxQty := 2000.0
	quotes, err := m.computeQuotes(mid, budget, maxQty)
	if err != nil {
		t.Fatalf("computeQuotes: %v", err)
	}

	if quotes.Bid != nil {
		t.Errorf("expected nil bid with exhausted budget, got price=%v", quotes.Bid.Price)
	}
	if quotes.Ask != nil {
		t.Errorf("expected nil ask with exhausted budget, got price=%v", quotes.Ask.Price)
	}
}

func TestComputeQuotesCombinedNotionalWithinBudget(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	mid := 0.50
	budget := 25.0
	maxQty := 2000.0
	quotes, err := m.computeQuotes(mid, budget, maxQty)
	if err != nil {
		t.Fatalf("computeQuotes: %v", err)
	}
	if quotes.Bid == nil || quotes.Ask == nil {
		t.Fatalf("expected both bid and ask for budget check")
	}

	totalNotional := quotes.Bid.Price*quotes.Bid.Size + quotes.Ask.Price*quotes.Ask.Size
	if totalNotional > budget+1e-9 {
		t.Fatalf("combined quoted notional exceeds budget: got %.6f > %.6f", totalNotional, budget)
	}
}

func TestComputeQuotesRoundedToTick(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	mid := 0.50
	budget := 1000.0
	maxQty := 2000.0
	quotes, err := m.computeQuotes(mid, budget, maxQty)
	if err != nil {
		t.Fatalf("computeQuotes: %v", err)
	}

	tick := symbolCfg.TickSize

	if quotes.Bid != nil {
		ratio := quotes.Bid.Price / tick
		if math.Abs(ratio-math.Round(ratio)) > 1e-6 {
			t.Errorf("bid price %v is not a multiple of tick %v", quotes.Bid.Price, tick)
		}
	}
	if quotes.Ask != nil {
		ratio := quotes.Ask.Price / tick
		if math.Abs(ratio-math.Round(ratio)) > 1e-6 {
			t.Errorf("ask price %v is not a multiple of tick %v", quotes.Ask.Price, tick)
		}
	}
}

func TestComputeQuotesBidBelowAsk(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	mid := 0.50
	budget := 1000.0
	maxQty := 2000.0
	quotes, err := m.computeQuotes(mid, budget, maxQty)
	if err != nil {
		t.Fatalf("computeQuotes: %v", err)
	}

	if quotes.Bid != nil && quotes.Ask != nil {
		if quotes.Bid.Price >= quotes.Ask.Price {
			t.Errorf("bid %v >= ask %v (crossed)", quotes.Bid.Price, quotes.Ask.Price)
		}
	}
}

func TestOnOrderUpdateAppliesFillAndClearsTerminal(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	m.activeOrders[99] = trackedOrder{side: types.BUY, price: 0.50, size: 10, status: frame.StatusAck}

	m.OnOrderUpdate(frame.OrderResponse{
		LocalOrderID: 99,
		Status:       frame.StatusFilled,
		FilledPrice:  0.50,
		FilledQty:    10,
	})

	if _, ok := m.activeOrders[99]; ok {
		t.Fatal("expected terminal fill to remove the tracked order")
	}

	pos := m.inventory.Snapshot()
	if pos.Quantity != 10 {
		t.Fatalf("expected inventory quantity 10 after fill, got %v", pos.Quantity)
	}
}

func TestOnMarketIgnoresOtherSymbols(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	symbolCfg := testSymbolConfig()
	m := setupMaker(cfg, symbolCfg)

	m.OnMarket(frame.MarketEvent{SymbolID: 99, Bid: 10, Ask: 11})

	if _, ok := m.book.MidPrice(); ok {
		t.Fatal("expected book to remain empty for a tick on a different symbol")
	}
}
