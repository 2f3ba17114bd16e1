package market

import (
	"testing"
	"time"

	"tradingbus/pkg/types"
)

const testSymbol = "BTC-USDT"

func newTestBook() *Book {
	return NewBook(testSymbol)
}

func TestApplyBookResponse(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookResponse(&types.BookResponse{
		Symbol: testSymbol,
		Bids:   []types.PriceLevel{{Price: "42000", Size: "1.0"}, {Price: "41990", Size: "2.0"}},
		Asks:   []types.PriceLevel{{Price: "42010", Size: "1.5"}},
		Hash:   "abc123",
	})

	bid, ask, ok := b.BestBidAsk()
	if !ok {
		t.Fatal("BestBidAsk returned ok=false after applying snapshot")
	}
	if bid != 42000 {
		t.Errorf("bid = %v, want 42000", bid)
	}
	if ask != 42010 {
		t.Errorf("ask = %v, want 42010", ask)
	}
}

func TestApplyWSBookEvent(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookEvent(types.WSBookEvent{
		Symbol: testSymbol,
		Bids:   []types.PriceLevel{{Price: "42050", Size: "0.5"}},
		Asks:   []types.PriceLevel{{Price: "42060", Size: "0.75"}},
		Hash:   "ws-hash",
	})

	bid, ask, ok := b.BestBidAsk()
	if !ok {
		t.Fatal("BestBidAsk returned ok=false")
	}
	if bid != 42050 {
		t.Errorf("bid = %v, want 42050", bid)
	}
	if ask != 42060 {
		t.Errorf("ask = %v, want 42060", ask)
	}
}

func TestMidPrice(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	mid, ok := b.MidPrice()
	if ok {
		t.Error("MidPrice should return false for empty book")
	}
	if mid != 0 {
		t.Errorf("mid = %v, want 0 for empty book", mid)
	}

	b.ApplyBookResponse(&types.BookResponse{
		Symbol: testSymbol,
		Bids:   []types.PriceLevel{{Price: "42000", Size: "1"}},
		Asks:   []types.PriceLevel{{Price: "42100", Size: "1"}},
		Hash:   "h1",
	})

	mid, ok = b.MidPrice()
	if !ok {
		t.Fatal("MidPrice returned false for populated book")
	}
	if mid != 42050 {
		t.Errorf("mid = %v, want 42050", mid)
	}
}

func TestBestBidAskEmpty(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	_, _, ok := b.BestBidAsk()
	if ok {
		t.Error("BestBidAsk should return ok=false for empty book")
	}
}

func TestBestBidAskOneSided(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplyBookResponse(&types.BookResponse{
		Symbol: testSymbol,
		Bids:   []types.PriceLevel{{Price: "42000", Size: "1"}},
		Asks:   nil,
		Hash:   "h1",
	})

	_, _, ok := b.BestBidAsk()
	if ok {
		t.Error("BestBidAsk should return ok=false with only bids")
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	if !b.IsStale(time.Second) {
		t.Error("new book should be stale")
	}

	b.ApplyBookResponse(&types.BookResponse{
		Symbol: testSymbol,
		Bids:   []types.PriceLevel{{Price: "42000", Size: "1"}},
		Asks:   []types.PriceLevel{{Price: "42100", Size: "1"}},
		Hash:   "h1",
	})

	if b.IsStale(time.Second) {
		t.Error("just-updated book should not be stale")
	}

	time.Sleep(50 * time.Millisecond)
	if !b.IsStale(10 * time.Millisecond) {
		t.Error("book should be stale after maxAge")
	}
}
