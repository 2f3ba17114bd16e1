// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order types, symbol
// metadata, order book snapshots, and WebSocket event payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
// These are the human-readable, exchange-agnostic shapes; the wire-format
// fixed-size frames that actually cross the bus and journal live in
// internal/frame.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
	OrderTypeIOC OrderType = "IOC" // Immediate-Or-Cancel
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
)

// ————————————————————————————————————————————————————————————————————————
// Symbol metadata
// ————————————————————————————————————————————————————————————————————————

// SymbolInfo is the internal representation of a tradeable instrument on a
// given exchange. Populated from exchange metadata and passed to the
// strategy layer for quoting.
type SymbolInfo struct {
	Symbol   string // e.g. "BTC-USDT"
	Exchange string // exchange name this symbol is listed on

	TickSize float64 // minimum price increment
	LotSize  float64 // minimum order size increment

	Active    bool // instrument is live and tradeable
	BestBid   float64
	BestAsk   float64
	Spread    float64
	LastPrice float64
	Volume24h float64 // trailing 24-hour volume, quote currency

	MaxPositionUSD float64 // per-symbol position cap (from risk config)
	Score          float64 // composite opportunity score used to prioritize symbols
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by a strategy.
// The exchange client converts it to the wire format a given venue expects.
type UserOrder struct {
	Symbol     string
	Price      float64
	Size       float64
	Side       Side
	OrderType  OrderType
	Expiration int64 // unix timestamp, 0 = no expiry
	FeeRateBps int   // fee rate in basis points
}

// OrderAck is the normalized result of submitting a single order, after an
// ExchangeClient has translated the venue's native response.
type OrderAck struct {
	Success         bool
	ErrorMsg        string
	ExchangeOrderID string
	Status          string // e.g. "live", "filled", "rejected"
}

// CancelResult is the normalized result of a cancel request.
type CancelResult struct {
	Canceled []string // exchange order IDs successfully cancelled
}

// QuotePair represents the desired bid and ask a strategy wants active for
// a single symbol. Nil Bid or Ask means the strategy wants that side pulled
// (no order). The caller compares this to current live orders and issues
// the minimal cancel+place to converge.
type QuotePair struct {
	Symbol      string
	Bid         *UserOrder // nil = no bid
	Ask         *UserOrder // nil = no ask
	GeneratedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book. Price and Size
// are strings because most REST APIs return them as strings to preserve
// decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderBookSnapshot is a point-in-time view of one symbol's order book.
// Maintained locally by market.Book and updated from REST + WebSocket
// sources.
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []PriceLevel // sorted descending by price (best bid first)
	Asks      []PriceLevel // sorted ascending by price (best ask first)
	Hash      string       // server-provided hash for staleness detection
	Timestamp time.Time
}

// BookResponse is a generic REST response shape for a single-symbol book
// fetch, matched against the field names most REST venues use.
type BookResponse struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
	LotSize   string       `json:"lot_size"`
	TickSize  string       `json:"tick_size"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages most exchange WebSocket feeds
// send. Market channel events: "book" (full snapshot), "price_change"
// (delta). User channel events: "trade" (fill), "order" (placement/cancel
// lifecycle).

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given symbol.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	Symbol    string       `json:"symbol"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"` // book version hash
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	Symbol  string `json:"symbol"`
	Price   string `json:"price"`    // the price level that changed
	Size    string `json:"size"`     // new size at that level (0 = removed)
	Side    string `json:"side"`     // "BUY" or "SELL"
	Hash    string `json:"hash"`     // updated book hash
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
// Contains one or more level changes applied atomically.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Symbol       string          `json:"symbol"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user WS channel. Received
// when one of our orders gets matched against a counterparty.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`         // trade ID
	Symbol    string `json:"symbol"`
	Side      string `json:"side"` // our side: "BUY" or "SELL"
	Size      string `json:"size"` // filled quantity
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
// Received on order placement, update, or cancellation.
type WSOrderEvent struct {
	EventType    string `json:"event_type"` // always "order"
	ID           string `json:"id"`         // order ID
	Symbol       string `json:"symbol"`
	Side         string `json:"side"` // "BUY" or "SELL"
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"` // cumulative filled
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth    *WSAuth  `json:"auth,omitempty"` // required for user channel
	Type    string   `json:"type"`           // "market" or "user"
	Symbols []string `json:"symbols,omitempty"`
}

// WSAuth contains the API credentials for authenticating the user WS
// channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe from
// channels after the initial connection is established.
type WSUpdateMsg struct {
	Symbols   []string `json:"symbols,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
