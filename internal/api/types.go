package api

import (
	"time"

	"tradingbus/internal/config"
)

// DashboardSnapshot is the document composed every SnapshotInterval from
// journal tails and the OEMS's in-memory accessors: accounts, open orders,
// positions, running strategies, a per-symbol ticker map, and a small
// ring of recent log lines.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Accounts   []AccountStatus          `json:"accounts"`
	Orders     []OrderStatus            `json:"orders"`
	Positions  []PositionSnapshot       `json:"positions"`
	Strategies []StrategyStatus         `json:"strategies"`
	Tickers    map[string]TickerStatus  `json:"tickers"`
	Logs       []LogLine                `json:"logs"`

	Risk   RiskSnapshot  `json:"risk"`
	Config ConfigSummary `json:"config"`
}

// AccountStatus is one registered account's balances as of the last
// AccountEvent frame observed.
type AccountStatus struct {
	AccountID     uint32  `json:"account_id"`
	Exchange      string  `json:"exchange"`
	Equity        float64 `json:"equity"`
	AvailableCash float64 `json:"available_cash"`
	UsedMargin    float64 `json:"used_margin"`
	DailyPnL      float64 `json:"daily_pnl"`
}

// OrderStatus is one outstanding order as tracked by the OEMS's
// local_order_id -> state table.
type OrderStatus struct {
	LocalOrderID    uint64  `json:"local_order_id"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	Side            string  `json:"side"`
	Status          string  `json:"status"`
	Price           float64 `json:"price"`
	Quantity        float64 `json:"quantity"`
	FilledQty       float64 `json:"filled_qty"`
}

// PositionSnapshot represents position and P&L for one symbol.
type PositionSnapshot struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgEntry      float64   `json:"avg_entry"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	ExposureUSD   float64   `json:"exposure_usd"`
	Skew          float64   `json:"skew"` // NetDelta in [-1, 1]
	LastUpdated   time.Time `json:"last_updated"`
}

// StrategyStatus reports one running strategy's current quotes.
type StrategyStatus struct {
	Symbol           string     `json:"symbol"`
	Name             string     `json:"name"`
	Running          bool       `json:"running"`
	ActiveBid        *QuoteInfo `json:"active_bid,omitempty"`
	ActiveAsk        *QuoteInfo `json:"active_ask,omitempty"`
	ReservationPrice float64    `json:"reservation_price"`
	OptimalSpread    float64    `json:"optimal_spread"`
	ToxicityScore    float64    `json:"toxicity_score"`
}

// QuoteInfo represents a single quote (bid or ask).
type QuoteInfo struct {
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	OrderID   string    `json:"order_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TickerStatus is the latest top-of-book for one symbol.
type TickerStatus struct {
	Symbol      string    `json:"symbol"`
	MidPrice    float64   `json:"mid_price"`
	BestBid     float64   `json:"best_bid"`
	BestAsk     float64   `json:"best_ask"`
	Spread      float64   `json:"spread"`
	SpreadBps   float64   `json:"spread_bps"`
	LastUpdated time.Time `json:"last_updated"`
	IsStale     bool      `json:"is_stale"`
}

// LogLine is one recent structured log record surfaced to the dashboard.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
}

// RiskSnapshot represents aggregate risk metrics.
type RiskSnapshot struct {
	TotalExposure    float64   `json:"total_exposure"`
	MaxExposure      float64   `json:"max_exposure"`
	ExposurePct      float64   `json:"exposure_pct"`
	KillSwitchActive bool      `json:"kill_switch_active"`
	KillSwitchUntil  time.Time `json:"kill_switch_until,omitempty"`
	KillSwitchReason string    `json:"kill_switch_reason,omitempty"`

	TotalRealizedPnL   float64 `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`
	PeakEquity         float64 `json:"peak_equity"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	MaxOpenOrders      int     `json:"max_open_orders"`
	ActiveSymbols      int     `json:"active_symbols"`
}

// ConfigSummary represents strategy and risk configuration.
type ConfigSummary struct {
	Gamma            float64 `json:"gamma"`
	Sigma            float64 `json:"sigma"`
	K                float64 `json:"k"`
	T                float64 `json:"t"`
	DefaultSpreadBps int     `json:"default_spread_bps"`
	OrderSizeUSD     float64 `json:"order_size_usd"`
	RefreshInterval  string  `json:"refresh_interval"`
	StaleBookTimeout string  `json:"stale_book_timeout"`

	MaxExposure       float64 `json:"max_exposure"`
	MaxOpenOrders     int     `json:"max_open_orders"`
	MaxDrawdownPct    float64 `json:"max_drawdown_pct"`
	KillSwitchDropPct float64 `json:"kill_switch_drop_pct"`
	CooldownAfterKill string  `json:"cooldown_after_kill"`

	DryRun bool `json:"dry_run"`
}

// NewConfigSummary creates a config summary from config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Gamma:            cfg.Strategy.Gamma,
		Sigma:            cfg.Strategy.Sigma,
		K:                cfg.Strategy.K,
		T:                cfg.Strategy.T,
		DefaultSpreadBps: cfg.Strategy.DefaultSpreadBps,
		OrderSizeUSD:     cfg.Strategy.OrderSizeUSD,
		RefreshInterval:  cfg.Strategy.RefreshInterval.String(),
		StaleBookTimeout: cfg.Strategy.StaleBookTimeout.String(),

		MaxExposure:       cfg.Risk.MaxExposure,
		MaxOpenOrders:     cfg.Risk.MaxOpenOrders,
		MaxDrawdownPct:    cfg.Risk.MaxDrawdownPct,
		KillSwitchDropPct: cfg.Risk.KillSwitchDropPct,
		CooldownAfterKill: cfg.Risk.CooldownAfterKill.String(),

		DryRun: cfg.DryRun,
	}
}
