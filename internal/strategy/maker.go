// Package strategy implements the Avellaneda-Stoikov market-making algorithm
// for a single tradeable symbol.
//
// The core idea: post a bid below and an ask above a "reservation price" that
// accounts for inventory risk. When the bot is long, it lowers quotes to
// attract sellers; when short, it raises quotes to attract buyers.
//
// Maker is event-driven rather than ticker-driven: it runs inside a
// strategyworker.Worker that batch-polls the market ring and invokes
// OnMarket directly, so there is no private goroutine here. Per-symbol
// cadence is self-throttled against cfg.RefreshInterval inside OnMarket.
//
// Per tick:
//  1. Check book staleness and risk limits.
//  2. Compute reservation price:  r = mid - q * γ * σ² * T
//  3. Compute optimal spread:     δ = γ * σ² * T + (2/γ) * ln(1 + γ/k)
//  4. Derive bid = r - δ/2, ask = r + δ/2, clamped to a positive price and
//     rounded to the symbol's tick size.
//  5. Reconcile: cancel stale orders, place new ones as OrderRequest frames
//     pushed onto C3 via the injected SendFunc.
//
// The bot earns the spread when both sides fill. Inventory skew (q) ensures
// it doesn't accumulate unbounded directional risk.
package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"tradingbus/internal/api"
	"tradingbus/internal/config"
	"tradingbus/internal/frame"
	"tradingbus/internal/market"
	"tradingbus/internal/risk"
	"tradingbus/internal/strategyworker"
	"tradingbus/pkg/types"
)

// trackedOrder is the local view of one order this Maker has in flight,
// keyed by LocalOrderID until a terminal OrderResponse arrives.
type trackedOrder struct {
	side   types.Side
	price  float64
	size   float64
	status frame.OrderStatus
}

// Maker runs the Avellaneda-Stoikov strategy for a single symbol. It
// maintains a map of its own outstanding orders and reconciles them every
// time OnMarket fires and the refresh interval has elapsed.
type Maker struct {
	cfg        config.StrategyConfig
	symbolCfg  config.SymbolConfig
	symbol     string
	symbolID   uint16
	exchangeID uint16
	accountID  uint32
	strategyID uint32

	maxPositionUSD float64 // per-symbol exposure cap, from risk.PerSymbolLimits

	book      *market.Book
	inventory *Inventory
	riskMgr   *risk.Manager

	flowTracker *FlowTracker

	send strategyworker.SendFunc

	activeOrders map[uint64]trackedOrder
	orderSeq     atomic.Uint64
	lastQuoted   time.Time

	// active gates OnMarket: false means the strategy was stopped (or
	// never started) via the start_strategy/stop_strategy IPC actions
	// and should neither quote nor hold orders open. Read from OnMarket
	// (the strategyworker goroutine) and written from IPC handling, so
	// it's an atomic rather than a plain bool.
	active atomic.Bool

	lastReservationPrice float64
	lastOptimalSpread    float64

	dashboardEvents chan<- api.DashboardEvent

	logger *slog.Logger
}

// NewMaker creates a strategy instance for one symbol. send is the
// SendFunc returned by strategyworker.Worker.Register, already bound to
// this strategy's rate-limited C3 producer handle.
func NewMaker(
	cfg config.StrategyConfig,
	symbolCfg config.SymbolConfig,
	symbolID, exchangeID uint16,
	accountID uint32,
	strategyID uint32,
	maxPositionUSD float64,
	book *market.Book,
	inventory *Inventory,
	riskMgr *risk.Manager,
	send strategyworker.SendFunc,
	logger *slog.Logger,
	dashboardEvents chan<- api.DashboardEvent,
) *Maker {
	m := &Maker{
		cfg:             cfg,
		symbolCfg:       symbolCfg,
		symbol:          symbolCfg.Name,
		symbolID:        symbolID,
		exchangeID:      exchangeID,
		accountID:       accountID,
		strategyID:      strategyID,
		maxPositionUSD:  maxPositionUSD,
		book:            book,
		inventory:       inventory,
		riskMgr:         riskMgr,
		flowTracker:     NewFlowTracker(cfg.FlowWindow, cfg.FlowToxicityThreshold, cfg.FlowCooldownPeriod, cfg.FlowMaxSpreadMultiplier, cfg.FlowVelocityNormalization),
		send:            send,
		activeOrders:    make(map[uint64]trackedOrder),
		dashboardEvents: dashboardEvents,
		logger: logger.With(
			"component", "maker",
			"symbol", symbolCfg.Name,
		),
	}
	m.active.Store(true)
	return m
}

// SetSend binds the SendFunc returned by strategyworker.Worker.Register.
// Construction order requires Register to be called with an already-built
// Strategy, so the engine builds a Maker with a nil send and wires the
// real one in immediately after registering it.
func (m *Maker) SetSend(send strategyworker.SendFunc) { m.send = send }

// Hot reports that this strategy is refresh-interval driven, not latency
// sensitive: the hosting worker is free to yield the CPU between ticks.
func (m *Maker) Hot() bool { return false }

// Start (re)activates quoting. Idempotent: calling it on an already-active
// Maker is a no-op, satisfying the IPC start_strategy action's idempotence
// requirement without re-registering anything with the strategyworker.
func (m *Maker) Start() {
	if m.active.CompareAndSwap(false, true) {
		m.logger.Info("strategy started")
	}
}

// Stop deactivates quoting and cancels every order this Maker currently
// believes is live. Idempotent for the same reason Start is.
func (m *Maker) Stop() {
	if m.active.CompareAndSwap(true, false) {
		m.logger.Info("strategy stopped")
		m.cancelAllMyOrders()
	}
}

// Active reports whether this Maker is currently quoting.
func (m *Maker) Active() bool { return m.active.Load() }

// Status reports this Maker's current quotes and flow-toxicity read, for
// the dashboard's strategies[] document.
func (m *Maker) Status() api.StrategyStatus {
	status := api.StrategyStatus{
		Symbol:           m.symbol,
		Name:             "avellaneda-stoikov",
		Running:          m.active.Load(),
		ReservationPrice: m.lastReservationPrice,
		OptimalSpread:    m.lastOptimalSpread,
	}
	for _, order := range m.activeOrders {
		qi := &api.QuoteInfo{Price: order.price, Size: order.size}
		if order.side == types.BUY {
			status.ActiveBid = qi
		} else {
			status.ActiveAsk = qi
		}
	}
	status.ToxicityScore = m.flowTracker.CalculateToxicity().ToxicityScore
	return status
}

// OnMarket updates the local book from a top-of-book tick and, once per
// RefreshInterval, recomputes and reconciles quotes. Ticks for other
// symbols (a worker may host several strategies sharing one ring consumer)
// are ignored. A stopped strategy still tracks the book (so it quotes
// immediately on restart) but skips quoting.
func (m *Maker) OnMarket(ev frame.MarketEvent) {
	if ev.SymbolID != m.symbolID {
		return
	}
	if ev.Bid > 0 && ev.Ask > 0 {
		m.book.ApplyTick(ev.Bid, ev.Ask)
	}

	if !m.active.Load() {
		return
	}

	now := time.Now()
	if !m.lastQuoted.IsZero() && now.Sub(m.lastQuoted) < m.cfg.RefreshInterval {
		return
	}
	m.lastQuoted = now
	m.quoteUpdate()
}

// OnOrderUpdate applies a terminal or partial fill reported by the OEMS to
// local inventory/flow state and prunes activeOrders once terminal.
func (m *Maker) OnOrderUpdate(resp frame.OrderResponse) {
	tracked, ok := m.activeOrders[resp.LocalOrderID]
	if !ok {
		return
	}

	if resp.Status == frame.StatusFilled || resp.Status == frame.StatusPartial {
		m.handleFill(resp, tracked)
	}

	if resp.Status.Terminal() {
		delete(m.activeOrders, resp.LocalOrderID)
	} else {
		tracked.status = resp.Status
		m.activeOrders[resp.LocalOrderID] = tracked
	}
}

func (m *Maker) handleFill(resp frame.OrderResponse, tracked trackedOrder) {
	fill := Fill{
		Timestamp: time.Now(),
		Side:      tracked.side,
		Price:     resp.FilledPrice,
		Size:      resp.FilledQty,
		TradeID:   fmt.Sprintf("%d-%d", resp.LocalOrderID, resp.TS),
	}

	m.inventory.OnFill(fill)
	m.flowTracker.AddFill(fill)

	pos := m.inventory.Snapshot()

	toxicity := m.flowTracker.CalculateToxicity()
	if toxicity.IsAverse {
		m.logger.Warn("toxic flow detected",
			"toxicity_score", toxicity.ToxicityScore,
			"directional_imbalance", toxicity.DirectionalImbalance,
			"fill_velocity", toxicity.FillVelocity,
			"fill_count", m.flowTracker.GetFillCount(),
		)
	}

	m.logger.Info("fill",
		"side", tracked.side,
		"price", resp.FilledPrice,
		"size", resp.FilledQty,
		"quantity", pos.Quantity,
		"realized_pnl", pos.RealizedPnL,
	)

	snapshot := m.positionSnapshot(pos)
	m.emitDashboardEvent(api.DashboardEvent{
		Type:      "fill",
		Timestamp: time.Now(),
		Symbol:    m.symbol,
		Data:      api.NewFillEvent(resp.LocalOrderID, string(tracked.side), m.symbol, resp.FilledPrice, resp.FilledQty, snapshot),
	})
}

// quoteUpdate is the core per-tick logic.
func (m *Maker) quoteUpdate() {
	if m.book.IsStale(m.cfg.StaleBookTimeout) {
		m.logger.Warn("book is stale, cancelling all orders")
		m.cancelAllMyOrders()
		return
	}

	mid, ok := m.book.MidPrice()
	if !ok {
		m.logger.Debug("no mid price available")
		return
	}

	m.inventory.UpdateMarkToMarket(mid)

	pos := m.inventory.Snapshot()
	exposureUSD := m.inventory.TotalExposureUSD(mid)

	m.riskMgr.Report(risk.PositionReport{
		Symbol:        m.symbol,
		Qty:           pos.Quantity,
		MidPrice:      mid,
		ExposureUSD:   exposureUSD,
		UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL:   pos.RealizedPnL,
		Timestamp:     time.Now(),
	})

	m.emitDashboardEvent(api.DashboardEvent{
		Type:      "position",
		Timestamp: time.Now(),
		Symbol:    m.symbol,
		Data:      api.NewPositionEvent(m.positionSnapshot(pos), mid),
	})

	if m.riskMgr.IsKillSwitchActive() {
		m.logger.Warn("kill switch active, cancelling all orders")
		m.cancelAllMyOrders()
		return
	}

	remaining := m.maxPositionUSD - exposureUSD
	if remaining <= 0 {
		m.logger.Info("risk budget exhausted")
		m.cancelAllMyOrders()
		return
	}

	maxQty := 0.0
	if mid > 0 {
		maxQty = m.maxPositionUSD / mid
	}

	quotes, err := m.computeQuotes(mid, remaining, maxQty)
	if err != nil {
		m.logger.Error("compute quotes failed", "error", err)
		return
	}

	m.reconcileOrders(quotes)
}

func (m *Maker) positionSnapshot(pos Position) api.PositionSnapshot {
	return api.PositionSnapshot{
		Symbol:        m.symbol,
		Quantity:      pos.Quantity,
		AvgEntry:      pos.AvgEntry,
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: pos.UnrealizedPnL,
		ExposureUSD:   math.Abs(pos.Quantity) * pos.AvgEntry,
		Skew:          m.inventory.NetDelta(m.maxPositionUSD),
		LastUpdated:   pos.LastUpdated,
	}
}

// computeQuotes implements the Avellaneda-Stoikov model.
//
// Variables:
//
//	q     = inventory skew in [-1, 1] relative to maxQty
//	gamma = risk aversion (higher = stronger inventory skew; spread width also depends on sigma, T, k)
//	sigma = estimated volatility
//	k     = order arrival intensity
//	T     = time horizon
//
// Formulas:
//
//	reservation_price = mid - q * gamma * sigma^2 * T
//	optimal_spread    = gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/k)
//	bid = reservation_price - optimal_spread/2
//	ask = reservation_price + optimal_spread/2
func (m *Maker) computeQuotes(mid, remainingBudget, maxQty float64) (*types.QuotePair, error) {
	q := m.inventory.NetDelta(maxQty) // [-1, 1]
	gamma := m.cfg.Gamma
	sigma := m.cfg.Sigma
	k := m.cfg.K
	T := m.cfg.T
	minSpread := float64(m.cfg.DefaultSpreadBps) / 10000.0
	tick := m.symbolCfg.TickSize

	// Flow toxicity adjustment.
	flowMultiplier := m.flowTracker.GetSpreadMultiplier()
	minSpread *= flowMultiplier

	reservationPrice := mid - q*gamma*sigma*sigma*T

	optSpread := gamma*sigma*sigma*T + (2.0/gamma)*math.Log(1+gamma/k)
	optSpread *= flowMultiplier

	m.lastReservationPrice = reservationPrice
	m.lastOptimalSpread = optSpread

	bidRaw := reservationPrice - optSpread/2
	askRaw := reservationPrice + optSpread/2

	if (askRaw - bidRaw) < minSpread {
		bidRaw = reservationPrice - minSpread/2
		askRaw = reservationPrice + minSpread/2
	}

	bidRaw = clamp(bidRaw, tick, math.MaxFloat64)
	askRaw = clamp(askRaw, tick, math.MaxFloat64)

	if bidRaw >= askRaw {
		bidRaw = askRaw - tick
	}
	if bidRaw < tick {
		bidRaw = tick
	}

	bidPrice := roundToTick(bidRaw, tick, math.Floor)
	askPrice := roundToTick(askRaw, tick, math.Ceil)

	if bidPrice >= askPrice {
		askPrice = bidPrice + tick
	}

	absQ := math.Abs(q)
	sizeFactor := 1.0 - 0.5*absQ // reduce size when heavily positioned
	baseSize := m.cfg.OrderSizeUSD / mid
	bidSize := math.Max(baseSize*sizeFactor, m.symbolCfg.LotSize)
	askSize := math.Max(baseSize*sizeFactor, m.symbolCfg.LotSize)

	maxBidSize := remainingBudget / bidPrice
	maxAskSize := remainingBudget / askPrice
	bidSize = math.Min(bidSize, maxBidSize)
	askSize = math.Min(askSize, maxAskSize)
	totalNotional := bidSize*bidPrice + askSize*askPrice
	if totalNotional > remainingBudget && totalNotional > 0 {
		scale := remainingBudget / totalNotional
		bidSize *= scale
		askSize *= scale
	}

	var bid, ask *types.UserOrder

	if bidSize >= m.symbolCfg.LotSize && bidPrice > 0 {
		bid = &types.UserOrder{
			Symbol:    m.symbol,
			Price:     bidPrice,
			Size:      bidSize,
			Side:      types.BUY,
			OrderType: types.OrderTypeGTC,
		}
	}

	if askSize >= m.symbolCfg.LotSize && askPrice > 0 {
		ask = &types.UserOrder{
			Symbol:    m.symbol,
			Price:     askPrice,
			Size:      askSize,
			Side:      types.SELL,
			OrderType: types.OrderTypeGTC,
		}
	}

	toxicity := m.flowTracker.CalculateToxicity()

	m.logger.Debug("quotes computed",
		"mid", mid,
		"q", q,
		"reservation", reservationPrice,
		"bid", bidPrice,
		"ask", askPrice,
		"bid_size", bidSize,
		"ask_size", askSize,
		"spread", askPrice-bidPrice,
		"toxicity_score", toxicity.ToxicityScore,
		"directional_imbalance", toxicity.DirectionalImbalance,
		"fill_velocity", toxicity.FillVelocity,
		"flow_spread_multiplier", flowMultiplier,
	)

	return &types.QuotePair{
		Symbol:      m.symbol,
		Bid:         bid,
		Ask:         ask,
		GeneratedAt: time.Now(),
	}, nil
}

// reconcileOrders diffs desired quotes against active orders. An existing
// order is kept if its price is within one tick and its size is within 10%
// of the desired size; everything else is cancelled. New orders are
// pushed onto C3 as OrderRequest frames via m.send.
func (m *Maker) reconcileOrders(desired *types.QuotePair) {
	tick := m.symbolCfg.TickSize
	sizeTolerance := 0.10

	matchedBid := false
	matchedAsk := false
	var toCancel []uint64

	for id, order := range m.activeOrders {
		if order.side == types.BUY && desired.Bid != nil {
			if math.Abs(order.price-desired.Bid.Price) <= tick &&
				math.Abs(order.size-desired.Bid.Size)/desired.Bid.Size <= sizeTolerance {
				matchedBid = true
				continue
			}
		}
		if order.side == types.SELL && desired.Ask != nil {
			if math.Abs(order.price-desired.Ask.Price) <= tick &&
				math.Abs(order.size-desired.Ask.Size)/desired.Ask.Size <= sizeTolerance {
				matchedAsk = true
				continue
			}
		}
		toCancel = append(toCancel, id)
	}

	for _, id := range toCancel {
		m.cancelOrder(id)
	}

	if !matchedBid && desired.Bid != nil {
		m.placeOrder(*desired.Bid)
	}
	if !matchedAsk && desired.Ask != nil {
		m.placeOrder(*desired.Ask)
	}
}

// placeOrder assigns a fresh LocalOrderID and pushes a new OrderRequest
// onto C3. The OEMS (internal/oems) owns the exchange round-trip.
func (m *Maker) placeOrder(order types.UserOrder) {
	id := m.nextLocalOrderID()

	req := frame.OrderRequest{
		TS:           time.Now().UnixNano(),
		LocalOrderID: id,
		ExchangeID:   m.exchangeID,
		SymbolID:     m.symbolID,
		AccountID:    m.accountID,
		OrdType:      frame.OrderTypeLimit,
		Price:        order.Price,
		Quantity:     order.Size,
		StrategyID:   m.strategyID,
	}
	if order.Side == types.SELL {
		req.Side = frame.SideSell
	} else {
		req.Side = frame.SideBuy
	}

	if err := m.send(req); err != nil {
		m.logger.Warn("order submission dropped", "error", err, "side", order.Side, "price", order.Price)
		return
	}

	m.activeOrders[id] = trackedOrder{side: order.Side, price: order.Price, size: order.Size, status: frame.StatusAck}
}

// cancelOrder sends a zero-quantity OrderRequest carrying the target's
// LocalOrderID, the convention internal/oems treats as "cancel this order"
// rather than "place a new one" (OrderRequest has no dedicated intent
// field; Quantity == 0 disambiguates without widening the frame).
func (m *Maker) cancelOrder(id uint64) {
	tracked, ok := m.activeOrders[id]
	if !ok {
		return
	}

	req := frame.OrderRequest{
		TS:           time.Now().UnixNano(),
		LocalOrderID: id,
		ExchangeID:   m.exchangeID,
		SymbolID:     m.symbolID,
		AccountID:    m.accountID,
		OrdType:      frame.OrderTypeLimit,
		Quantity:     0,
		StrategyID:   m.strategyID,
	}
	if tracked.side == types.SELL {
		req.Side = frame.SideSell
	} else {
		req.Side = frame.SideBuy
	}

	if err := m.send(req); err != nil {
		m.logger.Warn("cancel request dropped", "error", err, "local_order_id", id)
	}
}

// cancelAllMyOrders requests cancellation of every order this Maker
// currently believes is live.
func (m *Maker) cancelAllMyOrders() {
	if len(m.activeOrders) == 0 {
		return
	}
	ids := make([]uint64, 0, len(m.activeOrders))
	for id := range m.activeOrders {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.cancelOrder(id)
	}
}

func (m *Maker) nextLocalOrderID() uint64 {
	seq := m.orderSeq.Add(1)
	return uint64(m.strategyID)<<40 | seq
}

// emitDashboardEvent sends an event to the dashboard (non-blocking).
func (m *Maker) emitDashboardEvent(evt api.DashboardEvent) {
	if m.dashboardEvents == nil {
		return
	}
	select {
	case m.dashboardEvents <- evt:
	default:
		// Dashboard can't keep up, drop event.
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundToTick(v, tick float64, round func(float64) float64) float64 {
	return round(v/tick) * tick
}
