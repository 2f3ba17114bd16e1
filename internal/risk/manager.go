// Package risk enforces portfolio-level risk limits across all traded
// symbols.
//
// The manager serves two roles. Asynchronously, it runs as a standalone
// goroutine that receives PositionReports from strategy/OEMS code and
// checks them against configured limits, firing the kill switch when a
// limit is breached. Synchronously, it exposes Check, called directly
// from the OEMS hot path before every order submission, applying the
// ordered checks spec.md §4.8 requires:
//
//  1. kill-switch active
//  2. drawdown from day peak > max_drawdown_pct
//  3. open order count >= max_open_orders
//  4. total exposure + this order's notional > max_exposure
//  5. per-symbol exposure + this order's notional > per_symbol_limits[symbol]
//
// Kill-switch side effects: emitKill logs at ERROR level and sends a
// KillSignal on KillCh, which has no reader in this module; each Maker
// cancels its own resting orders once IsKillSwitchActive reports true.
// The switch clears when CooldownAfterKill elapses or on a
// `deactivate_kill_switch` command. The engine does not save it through
// internal/store, so a restart begins with the switch cleared.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradingbus/internal/config"
)

// PositionReport is sent by strategy/OEMS code after every fill or
// periodic reconciliation. It contains the current inventory state and
// PnL for risk evaluation.
type PositionReport struct {
	Symbol        string
	Qty           float64
	MidPrice      float64 // current mid price (used for price-movement detection)
	ExposureUSD   float64 // total position value in USD
	UnrealizedPnL float64 // mark-to-market PnL
	RealizedPnL   float64 // locked-in PnL from closed trades
	Timestamp     time.Time
}

// KillSignal tells the engine to cancel all orders. If Symbol is empty,
// it means cancel across ALL symbols (global kill).
type KillSignal struct {
	Symbol string
	Reason string
}

// RejectCode identifies which of Check's ordered gates rejected an order.
type RejectCode int

const (
	RejectNone RejectCode = iota
	RejectKillSwitch
	RejectDrawdown
	RejectMaxOpenOrders
	RejectExposure
	RejectSymbolLimit
)

func (c RejectCode) String() string {
	switch c {
	case RejectNone:
		return "none"
	case RejectKillSwitch:
		return "kill_switch_active"
	case RejectDrawdown:
		return "drawdown_exceeded"
	case RejectMaxOpenOrders:
		return "max_open_orders"
	case RejectExposure:
		return "exposure_limit"
	case RejectSymbolLimit:
		return "symbol_limit"
	default:
		return "unknown"
	}
}

// priceAnchor stores a reference price at a point in time for detecting
// rapid price movements within a rolling window.
type priceAnchor struct {
	price     float64
	timestamp time.Time
}

// Manager enforces risk limits across all traded symbols. It aggregates
// position reports, checks limits, and emits kill signals when breached.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]PositionReport // latest report per symbol
	totalExposure    float64                   // sum of all ExposureUSD
	totalRealizedPnL float64                   // sum of all RealizedPnL
	killSwitchActive bool                      // true while in cooldown
	killSwitchUntil  time.Time                 // when cooldown expires
	priceAnchors     map[string]priceAnchor    // reference prices for movement detection

	peakEquity  float64   // high-water mark of realized+unrealized pnl since last UTC rollover
	peakResetAt time.Time // start of the current drawdown-tracking day

	reportCh chan PositionReport // strategy/OEMS goroutines write here
	killCh   chan KillSignal     // engine reads kill signals from here
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		positions:    make(map[string]PositionReport),
		priceAnchors: make(map[string]priceAnchor),
		peakResetAt:  time.Now().UTC().Truncate(24 * time.Hour),
		reportCh:     make(chan PositionReport, 100),
		killCh:       make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
			rm.maybeRolloverDay()
		}
	}
}

// Report submits a position report (non-blocking).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report", "symbol", report.Symbol)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// RemoveSymbol cleans up state for a stopped symbol.
func (rm *Manager) RemoveSymbol(symbol string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.positions, symbol)
	delete(rm.priceAnchors, symbol)

	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	for _, pos := range rm.positions {
		rm.totalExposure += pos.ExposureUSD
		rm.totalRealizedPnL += pos.RealizedPnL
	}
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.killSwitchActiveLocked()
}

// killSwitchActiveLocked must be called with rm.mu held for writing; it
// clears the switch once its cooldown has elapsed.
func (rm *Manager) killSwitchActiveLocked() bool {
	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// DeactivateKillSwitch clears the kill switch immediately, for the
// `deactivate_kill_switch` IPC command — manual override regardless of
// the cooldown timer.
func (rm *Manager) DeactivateKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.killSwitchActive = false
	rm.logger.Info("kill switch manually deactivated")
}

// UpdateLimits adjusts the risk thresholds Check enforces, for the
// update_config IPC action. A nil pointer leaves that threshold
// unchanged; only risk thresholds and log level are allowed to change at
// runtime, so this intentionally has no way to touch PerSymbolLimits,
// which requires a restart.
func (rm *Manager) UpdateLimits(maxDrawdownPct *float64, maxOpenOrders *int, maxExposure *float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if maxDrawdownPct != nil {
		rm.cfg.MaxDrawdownPct = *maxDrawdownPct
	}
	if maxOpenOrders != nil {
		rm.cfg.MaxOpenOrders = *maxOpenOrders
	}
	if maxExposure != nil {
		rm.cfg.MaxExposure = *maxExposure
	}
	rm.logger.Info("risk limits updated",
		"max_drawdown_pct", rm.cfg.MaxDrawdownPct,
		"max_open_orders", rm.cfg.MaxOpenOrders,
		"max_exposure", rm.cfg.MaxExposure,
	)
}

// RestoreKillSwitch re-engages the kill switch on startup if the last
// persisted state (internal/store) says it was active, so a restart
// never silently clears a live kill condition.
func (rm *Manager) RestoreKillSwitch(until time.Time, reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.killSwitchActive = true
	rm.killSwitchUntil = until
	rm.logger.Warn("kill switch restored from persisted state", "reason", reason, "until", until)
}

// Check applies the ordered pre-trade risk gates to a candidate order and
// is safe to call from the OEMS hot path for every OrderRequest. notional
// is the order's USD notional (price * quantity); openOrders is the
// caller's current open-order count for the whole engine.
func (rm *Manager) Check(symbol string, notional float64, openOrders int) (bool, RejectCode) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if rm.killSwitchActive && time.Now().Before(rm.killSwitchUntil) {
		return false, RejectKillSwitch
	}

	if rm.peakEquity > 0 {
		equity := rm.totalRealizedPnL + rm.unrealizedPnLLocked()
		drawdownPct := (rm.peakEquity - equity) / rm.peakEquity * 100
		if drawdownPct > rm.cfg.MaxDrawdownPct {
			return false, RejectDrawdown
		}
	}

	if openOrders >= rm.cfg.MaxOpenOrders {
		return false, RejectMaxOpenOrders
	}

	if rm.totalExposure+notional > rm.cfg.MaxExposure {
		return false, RejectExposure
	}

	if limit, ok := rm.cfg.PerSymbolLimits[symbol]; ok {
		current := rm.positions[symbol].ExposureUSD
		if current+notional > limit {
			return false, RejectSymbolLimit
		}
	}

	return true, RejectNone
}

func (rm *Manager) unrealizedPnLLocked() float64 {
	var total float64
	for _, pos := range rm.positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// GetRiskSnapshot returns current aggregate risk metrics for the dashboard.
func (rm *Manager) GetRiskSnapshot() RiskSnapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	totalUnrealizedPnL := rm.unrealizedPnLLocked()

	var exposurePct float64
	if rm.cfg.MaxExposure > 0 {
		exposurePct = (rm.totalExposure / rm.cfg.MaxExposure) * 100
	}

	var killReason string
	if rm.killSwitchActive {
		killReason = "cooldown"
	}

	return RiskSnapshot{
		TotalExposure:      rm.totalExposure,
		MaxExposure:        rm.cfg.MaxExposure,
		ExposurePct:        exposurePct,
		KillSwitchActive:   rm.killSwitchActive,
		KillSwitchUntil:    rm.killSwitchUntil,
		KillSwitchReason:   killReason,
		TotalRealizedPnL:   rm.totalRealizedPnL,
		TotalUnrealizedPnL: totalUnrealizedPnL,
		PeakEquity:         rm.peakEquity,
		MaxDrawdownPct:     rm.cfg.MaxDrawdownPct,
		MaxOpenOrders:      rm.cfg.MaxOpenOrders,
		ActiveSymbols:      len(rm.positions),
	}
}

// RiskSnapshot represents aggregate risk metrics for the dashboard (C12).
type RiskSnapshot struct {
	TotalExposure      float64
	MaxExposure        float64
	ExposurePct        float64
	KillSwitchActive   bool
	KillSwitchUntil    time.Time
	KillSwitchReason   string
	TotalRealizedPnL   float64
	TotalUnrealizedPnL float64
	PeakEquity         float64
	MaxDrawdownPct     float64
	MaxOpenOrders      int
	ActiveSymbols      int
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.positions[report.Symbol] = report

	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	for _, pos := range rm.positions {
		rm.totalExposure += pos.ExposureUSD
		rm.totalRealizedPnL += pos.RealizedPnL
	}

	equity := rm.totalRealizedPnL + rm.unrealizedPnLLocked()
	if equity > rm.peakEquity {
		rm.peakEquity = equity
	}

	if rm.peakEquity > 0 {
		drawdownPct := (rm.peakEquity - equity) / rm.peakEquity * 100
		if drawdownPct > rm.cfg.MaxDrawdownPct {
			rm.emitKill("", fmt.Sprintf("drawdown from peak: %.1f%%", drawdownPct))
		}
	}

	if limit, ok := rm.cfg.PerSymbolLimits[report.Symbol]; ok && report.ExposureUSD > limit {
		rm.emitKill(report.Symbol, "per-symbol exposure limit breached")
	}

	if rm.totalExposure > rm.cfg.MaxExposure {
		rm.emitKill("", "global exposure limit breached")
	}

	rm.checkPriceMovement(report)
}

// checkPriceMovement detects rapid price swings using a rolling anchor.
// On each report, it compares mid-price to the anchor set at the start of
// the window. If the anchor is older than the configured window, it
// resets. If price moved more than KillSwitchDropPct from anchor, the
// kill switch fires.
func (rm *Manager) checkPriceMovement(report PositionReport) {
	anchor, ok := rm.priceAnchors[report.Symbol]
	if !ok || report.Timestamp.Sub(anchor.timestamp) > rm.cfg.KillSwitchWindow {
		rm.priceAnchors[report.Symbol] = priceAnchor{price: report.MidPrice, timestamp: report.Timestamp}
		return
	}

	if anchor.price == 0 {
		return
	}

	pctChange := (report.MidPrice - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}

	if pctChange > rm.cfg.KillSwitchDropPct {
		rm.emitKill(report.Symbol, fmt.Sprintf(
			"rapid price movement: %.1f%% in %s", pctChange*100, rm.cfg.KillSwitchWindow,
		))
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.killSwitchActiveLocked()
}

// maybeRolloverDay resets the drawdown peak at the configured UTC
// rollover (spec.md §4.8: "Daily reset of peak happens at the configured
// UTC rollover").
func (rm *Manager) maybeRolloverDay() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(rm.peakResetAt) {
		rm.peakResetAt = today
		rm.peakEquity = rm.totalRealizedPnL + rm.unrealizedPnLLocked()
		rm.logger.Info("drawdown peak reset at UTC rollover", "new_peak", rm.peakEquity)
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and
// sends a KillSignal to the engine. If the kill channel is full, it
// drains the stale signal first to ensure the latest kill reason is
// always delivered. Callers must hold rm.mu for writing.
func (rm *Manager) emitKill(symbol, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)

	rm.logger.Error("KILL SWITCH", "symbol", symbol, "reason", reason, "cooldown_until", rm.killSwitchUntil)

	sig := KillSignal{Symbol: symbol, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
