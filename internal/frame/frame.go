// Package frame defines the fixed-size, cache-aligned record types that
// flow through the ring bus, the MPSC order queue, and the journal.
//
// Every frame carries a nanosecond monotonic timestamp, an event-type tag,
// an exchange id, a symbol id (interned to a 16-bit integer), and a
// producer-assigned sequence number. Strings are fixed-length, NUL-padded
// byte arrays — variable-length payloads are prohibited on the hot path.
package frame

import "time"

// EventType tags the payload carried by a ring/journal frame.
type EventType uint8

const (
	EventUnknown EventType = iota
	EventTicker
	EventTrade
	EventDepth
	EventOrderRequest
	EventOrderResponse
	EventPosition
	EventAccount
	EventCommand
	EventSystem
)

// OrderSide mirrors spec.md's BUY/SELL distinction.
type OrderSide uint8

const (
	SideBuy OrderSide = iota
	SideSell
)

// OrderType enumerates the supported order lifecycles.
type OrderType uint8

const (
	OrderTypeLimit OrderType = iota
	OrderTypeMarket
	OrderTypeStop
)

// OrderStatus is the terminal/non-terminal state carried by an OrderResponse.
type OrderStatus uint8

const (
	StatusAck OrderStatus = iota
	StatusPartial
	StatusFilled
	StatusCancelled
	StatusRejected
	StatusFailed
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// Command identifies a CommandEvent's intent (spec.md §3 CommandEvent).
type Command uint8

const (
	CmdStartStrategy Command = iota
	CmdStop
	CmdPlaceOrder
	CmdCancelOrder
	CmdDeactivateKillSwitch
	CmdRegisterAccount
	CmdConnectionLost
	CmdConnectionOK
)

// nowNanos returns the current time as nanoseconds since the Unix epoch.
// Frames always stamp with monotonic wall-clock nanoseconds per spec.md §3.
func nowNanos() int64 { return time.Now().UnixNano() }

// putFixedString copies s into dst, NUL-padding or truncating to len(dst).
func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// getFixedString returns the NUL-terminated prefix of b as a string.
func getFixedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// MarketEvent is the 64-byte top-of-book / trade tick frame (spec.md §3).
type MarketEvent struct {
	TS         int64     // monotonic nanosecond timestamp
	Type       EventType // TICKER, TRADE, or DEPTH marker on a MarketEvent-shaped slot
	ExchangeID uint16
	SymbolID   uint16
	_          [3]byte // padding to keep Seq 8-byte aligned
	Seq        uint64
	Last       float64
	Bid        float64
	Ask        float64
	Volume     float64
	BidSize    float64
}

// NewMarketEvent stamps TS from the current time; callers set the remaining fields.
func NewMarketEvent(t EventType, exchangeID, symbolID uint16, seq uint64) MarketEvent {
	return MarketEvent{TS: nowNanos(), Type: t, ExchangeID: exchangeID, SymbolID: symbolID, Seq: seq}
}

// DepthLevel is one price/size pair in a DepthEvent's five-level book.
type DepthLevel struct {
	Price float64
	Size  float64
}

// DepthEvent is the 192-byte five-level book snapshot frame.
type DepthEvent struct {
	TS         int64
	ExchangeID uint16
	SymbolID   uint16
	_          [4]byte
	Seq        uint64
	Bids       [5]DepthLevel
	Asks       [5]DepthLevel
}

// OrderRequest is the 128-byte frame a strategy emits onto the MPSC order bus.
type OrderRequest struct {
	TS            int64
	LocalOrderID  uint64 // monotonic, globally unique
	ExchangeID    uint16
	SymbolID      uint16
	AccountID     uint32
	Side          OrderSide
	OrdType       OrderType
	_             [2]byte
	Price         float64
	Quantity      float64
	StopPrice     float64
	ClientOrderID [16]byte
	StrategyID    uint32
	SignalID      uint64
	StrategyName  [16]byte
}

func (r *OrderRequest) SetClientOrderID(s string)     { putFixedString(r.ClientOrderID[:], s) }
func (r *OrderRequest) GetClientOrderID() string       { return getFixedString(r.ClientOrderID[:]) }
func (r *OrderRequest) SetStrategyName(s string)       { putFixedString(r.StrategyName[:], s) }
func (r *OrderRequest) GetStrategyName() string        { return getFixedString(r.StrategyName[:]) }

// OrderResponse is the 128-byte frame the OEMS publishes for every order
// lifecycle transition (ACK, PARTIAL, FILLED, CANCELLED, REJECTED).
type OrderResponse struct {
	TS             int64
	LocalOrderID   uint64
	ExchangeOrderID uint64
	Status         OrderStatus
	_              [7]byte
	FilledPrice    float64
	FilledQty      float64
	CumQty         float64
	AvgPrice       float64
	Fee            float64
	ErrorCode      uint32
	_pad2          [4]byte
	ErrorMsg       [16]byte
	LatencyNS      int64
	ExchangeTS     int64
}

func (r *OrderResponse) SetErrorMsg(s string) { putFixedString(r.ErrorMsg[:], s) }
func (r *OrderResponse) GetErrorMsg() string   { return getFixedString(r.ErrorMsg[:]) }

// PositionEvent is a periodic per-symbol position snapshot emitted by the OEMS
// after reconciliation.
type PositionEvent struct {
	TS         int64
	ExchangeID uint16
	SymbolID   uint16
	AccountID  uint32
	Quantity   float64
	AvgEntry   float64
	RealizedPnL   float64
	UnrealizedPnL float64
}

// AccountEvent is a periodic account-level snapshot (balances, margin).
type AccountEvent struct {
	TS            int64
	AccountID     uint32
	_             [4]byte
	Equity        float64
	AvailableCash float64
	UsedMargin    float64
	DailyPnL      float64
}

// CommandEvent (72B on the wire, SizeCommandEvent) is written by the IPC server on behalf of an external
// client and consumed by the addressed component.
type CommandEvent struct {
	TS         int64
	Cmd        Command
	_          [3]byte
	StrategyID uint32
	SymbolID   uint16
	Side       OrderSide
	OrdType    OrderType
	_pad       [4]byte
	Price      float64
	Quantity   float64
	ParamsJSON [32]byte
}

func (c *CommandEvent) SetParamsJSON(s string) { putFixedString(c.ParamsJSON[:], s) }
func (c *CommandEvent) GetParamsJSON() string   { return getFixedString(c.ParamsJSON[:]) }
