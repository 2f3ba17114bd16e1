package strategy

import (
	"math"
	"sync"
	"time"

	"tradingbus/pkg/types"
)

// Position represents current holdings in a single symbol. Quantity is
// signed: positive is long, negative is short. Serialized to JSON for
// persistence across restarts (internal/store).
type Position struct {
	Quantity      float64   `json:"quantity"`
	AvgEntry      float64   `json:"avg_entry"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Fill records a single execution.
type Fill struct {
	Timestamp time.Time  `json:"timestamp"`
	Side      types.Side `json:"side"`
	Price     float64    `json:"price"`
	Size      float64    `json:"size"`
	TradeID   string     `json:"trade_id"`
}

// Inventory tracks the position for one symbol. Thread-safe via RWMutex.
// It handles fill processing, PnL tracking, and provides inventory skew
// (NetDelta) that drives the Avellaneda-Stoikov reservation price
// adjustment.
type Inventory struct {
	mu     sync.RWMutex
	symbol string
	pos    Position
}

// NewInventory creates inventory tracking for a symbol.
func NewInventory(symbol string) *Inventory {
	return &Inventory{symbol: symbol}
}

// OnFill processes a fill event, updating signed quantity and average
// entry price, and realizing PnL on whatever portion of the fill closes
// an existing position.
func (inv *Inventory) OnFill(fill Fill) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	signedSize := fill.Size
	if fill.Side == types.SELL {
		signedSize = -signedSize
	}

	switch {
	case inv.pos.Quantity == 0 || sameSign(inv.pos.Quantity, signedSize):
		totalCost := inv.pos.AvgEntry*math.Abs(inv.pos.Quantity) + fill.Price*fill.Size
		inv.pos.Quantity += signedSize
		if inv.pos.Quantity != 0 {
			inv.pos.AvgEntry = totalCost / math.Abs(inv.pos.Quantity)
		}
	default:
		closingQty := math.Min(math.Abs(signedSize), math.Abs(inv.pos.Quantity))
		pnlPerUnit := fill.Price - inv.pos.AvgEntry
		if inv.pos.Quantity < 0 {
			pnlPerUnit = inv.pos.AvgEntry - fill.Price
		}
		inv.pos.RealizedPnL += pnlPerUnit * closingQty

		flipped := math.Abs(signedSize) > math.Abs(inv.pos.Quantity)
		inv.pos.Quantity += signedSize
		switch {
		case flipped:
			inv.pos.AvgEntry = fill.Price
		case inv.pos.Quantity == 0:
			inv.pos.AvgEntry = 0
		}
	}

	inv.pos.LastUpdated = time.Now()
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// Snapshot returns a copy of the current position.
func (inv *Inventory) Snapshot() Position {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pos
}

// NetDelta returns inventory skew in [-1, 1] relative to maxQty, the
// configured per-symbol inventory cap. +1 = fully long the cap, -1 =
// fully short the cap, 0 = flat. This is the "q" parameter in the
// Avellaneda-Stoikov model that skews quotes to reduce directional
// exposure.
func (inv *Inventory) NetDelta(maxQty float64) float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if maxQty == 0 {
		return 0
	}
	d := inv.pos.Quantity / maxQty
	if d > 1 {
		return 1
	}
	if d < -1 {
		return -1
	}
	return d
}

// TotalExposureUSD returns the dollar value of the current holding.
func (inv *Inventory) TotalExposureUSD(midPrice float64) float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return math.Abs(inv.pos.Quantity) * midPrice
}

// UpdateMarkToMarket recalculates unrealized PnL against midPrice. The
// signed-quantity formula works for both long and short positions: a
// short (negative quantity) loses when price rises, exactly as
// Quantity*(midPrice-AvgEntry) produces.
func (inv *Inventory) UpdateMarkToMarket(midPrice float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.pos.UnrealizedPnL = inv.pos.Quantity * (midPrice - inv.pos.AvgEntry)
}

// SetPosition restores position from persistence (used on restart).
func (inv *Inventory) SetPosition(pos Position) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.pos = pos
}
