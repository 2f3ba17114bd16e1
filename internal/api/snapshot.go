package api

import (
	"time"

	"tradingbus/internal/config"
	"tradingbus/internal/risk"
)

// MarketSnapshotProvider gives the dashboard read-only access to the
// engine's current state. Implementations compose this strictly from
// journal tails and OEMS in-memory accessors — never by reading the C2
// ring directly (that would make the dashboard a second hot-path
// consumer of the producer-owned ring).
type MarketSnapshotProvider interface {
	GetAccounts() []AccountStatus
	GetOrders() []OrderStatus
	GetPositions() []PositionSnapshot
	GetStrategies() []StrategyStatus
	GetTickers() map[string]TickerStatus
	GetLogs() []LogLine
	GetRiskManager() *risk.Manager
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot.
func BuildSnapshot(provider MarketSnapshotProvider, cfg config.Config) DashboardSnapshot {
	riskMgr := provider.GetRiskManager()
	riskSnap := riskMgr.GetRiskSnapshot()

	return DashboardSnapshot{
		Timestamp:  time.Now(),
		Accounts:   provider.GetAccounts(),
		Orders:     provider.GetOrders(),
		Positions:  provider.GetPositions(),
		Strategies: provider.GetStrategies(),
		Tickers:    provider.GetTickers(),
		Logs:       provider.GetLogs(),
		Risk:       convertRiskSnapshot(riskSnap),
		Config:     NewConfigSummary(cfg),
	}
}

// convertRiskSnapshot converts the internal risk snapshot to the API format.
func convertRiskSnapshot(snap risk.RiskSnapshot) RiskSnapshot {
	return RiskSnapshot{
		TotalExposure:      snap.TotalExposure,
		MaxExposure:        snap.MaxExposure,
		ExposurePct:        snap.ExposurePct,
		KillSwitchActive:   snap.KillSwitchActive,
		KillSwitchUntil:    snap.KillSwitchUntil,
		KillSwitchReason:   snap.KillSwitchReason,
		TotalRealizedPnL:   snap.TotalRealizedPnL,
		TotalUnrealizedPnL: snap.TotalUnrealizedPnL,
		PeakEquity:         snap.PeakEquity,
		MaxDrawdownPct:     snap.MaxDrawdownPct,
		MaxOpenOrders:      snap.MaxOpenOrders,
		ActiveSymbols:      snap.ActiveSymbols,
	}
}
