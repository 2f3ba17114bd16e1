// Package market provides local order book management and symbol
// discovery.
//
// Book mirrors the exchange order book for a single symbol. It is updated
// from two sources:
//   - REST snapshots via ApplyBookResponse (initial load)
//   - WebSocket events via ApplyBookEvent (full snapshots) and
//     ApplyPriceChange (incremental updates; only the hash and update
//     time are recorded, price levels change only on full snapshots)
//
// The Book is concurrency-safe (RWMutex protected) and provides derived
// values like MidPrice and BestBidAsk for the strategy layer.
package market

import (
	"strconv"
	"sync"
	"time"

	"tradingbus/pkg/types"
)

// Book maintains a local mirror of the order book for one symbol.
type Book struct {
	mu       sync.RWMutex
	symbol   string
	book     types.OrderBookSnapshot // bids desc, asks asc
	lastHash string                  // latest book hash (for staleness)
	updated  time.Time               // last time any book data arrived
}

// NewBook creates a new local order book for a symbol.
func NewBook(symbol string) *Book {
	return &Book{symbol: symbol}
}

// ApplyBookEvent replaces the book with a full snapshot.
func (b *Book) ApplyBookEvent(event types.WSBookEvent) {
	b.applySnapshot(event.Bids, event.Asks, event.Hash)
}

// ApplyBookResponse applies a REST API book response.
func (b *Book) ApplyBookResponse(resp *types.BookResponse) {
	b.applySnapshot(resp.Bids, resp.Asks, resp.Hash)
}

func (b *Book) applySnapshot(bids, asks []types.PriceLevel, hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.book = types.OrderBookSnapshot{
		Symbol:    b.symbol,
		Bids:      bids,
		Asks:      asks,
		Hash:      hash,
		Timestamp: time.Now(),
	}
	b.lastHash = hash
	b.updated = time.Now()
}

// ApplyTick updates the book from a top-of-book tick carrying plain bid/ask
// floats (frame.MarketEvent), bypassing the string-encoded REST/WS paths.
// Used by strategies running off the C2 ring instead of a private WS feed.
func (b *Book) ApplyTick(bid, ask float64) {
	b.applySnapshot(
		[]types.PriceLevel{{Price: strconv.FormatFloat(bid, 'f', -1, 64)}},
		[]types.PriceLevel{{Price: strconv.FormatFloat(ask, 'f', -1, 64)}},
		"",
	)
}

// ApplyPriceChange records the hash carried by an incremental price_change
// event and refreshes the update time. The changed price levels are not
// applied: bids and asks stay as of the last full snapshot.
func (b *Book) ApplyPriceChange(event types.WSPriceChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pc := range event.PriceChanges {
		b.lastHash = pc.Hash
	}
	b.updated = time.Now()
}

// MidPrice returns (bestBid + bestAsk) / 2. Returns false if the book is
// empty on either side. This value becomes the "s" (reference price) in
// the Avellaneda-Stoikov formula.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	if bid == 0 && ask == 0 {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// BestBidAsk returns the best bid and ask for the symbol.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.book.Bids) == 0 || len(b.book.Asks) == 0 {
		return 0, 0, false
	}

	return parsePrice(b.book.Bids[0].Price), parsePrice(b.book.Asks[0].Price), true
}

// IsStale returns true if the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
