package marketdata

import (
	"context"
	"testing"
	"time"

	"tradingbus/internal/bus"
	"tradingbus/internal/frame"
	"tradingbus/internal/journal"
)

// fakeFeed lets tests push frames directly without a real WebSocket.
type fakeFeed struct {
	ticks  chan frame.MarketEvent
	depths chan frame.DepthEvent
	sys    chan frame.CommandEvent
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		ticks:  make(chan frame.MarketEvent, 8),
		depths: make(chan frame.DepthEvent, 8),
		sys:    make(chan frame.CommandEvent, 8),
	}
}

func (f *fakeFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeFeed) Ticks() <-chan frame.MarketEvent         { return f.ticks }
func (f *fakeFeed) Depths() <-chan frame.DepthEvent         { return f.depths }
func (f *fakeFeed) SystemEvents() <-chan frame.CommandEvent { return f.sys }

func TestIngestorPublishesTicksToRingAndJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer, err := journal.Open(dir, 0, nil)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer writer.Close()

	ring := bus.NewMarketRing(16)
	consumer := ring.NewConsumer()

	feed := newFakeFeed()
	ig := NewIngestor([]ExchangeFeed{feed}, ring, writer, 0, false, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ig.Run(ctx)
		close(done)
	}()

	feed.ticks <- frame.MarketEvent{SymbolID: 1, ExchangeID: 3, Bid: 10, Ask: 11}

	deadline := time.Now().Add(2 * time.Second)
	var out [1]frame.MarketEvent
	for time.Now().Before(deadline) {
		if consumer.Pop(out[:]) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if out[0].SymbolID != 1 || out[0].Bid != 10 {
		t.Fatalf("ring did not receive the expected tick: %+v", out[0])
	}

	r, err := journal.OpenReader(dir, 0, 0, nil)
	if err != nil {
		t.Fatalf("journal.OpenReader: %v", err)
	}
	defer r.Close()
	hdr, payload, err := r.Next()
	if err != nil || hdr.MsgType != frame.MsgTicker || len(payload) != frame.SizeMarketEvent {
		t.Fatalf("journal did not receive the tick: hdr=%+v len=%d err=%v", hdr, len(payload), err)
	}
}
