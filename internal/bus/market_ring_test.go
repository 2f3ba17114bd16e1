package bus

import (
	"testing"

	"tradingbus/internal/frame"
)

func TestMarketRingPublishAndConsume(t *testing.T) {
	ring := NewMarketRing(8)
	consumer := ring.NewConsumer()

	for i := 0; i < 5; i++ {
		slot, idx := ring.Reserve()
		*slot = frame.MarketEvent{Seq: uint64(i)}
		ring.Publish(idx)
	}

	out := make([]frame.MarketEvent, 10)
	n := consumer.Pop(out)
	if n != 5 {
		t.Fatalf("Pop returned %d, want 5", n)
	}
	for i := 0; i < 5; i++ {
		if out[i].Seq != uint64(i) {
			t.Fatalf("frame %d has Seq %d, want %d (order violated)", i, out[i].Seq, i)
		}
	}
}

func TestMarketRingIndependentConsumerCursors(t *testing.T) {
	ring := NewMarketRing(4)
	slow := ring.NewConsumer()
	fast := ring.NewConsumer()

	for i := 0; i < 2; i++ {
		slot, idx := ring.Reserve()
		*slot = frame.MarketEvent{Seq: uint64(i)}
		ring.Publish(idx)
	}

	out := make([]frame.MarketEvent, 10)
	if n := fast.Pop(out); n != 2 {
		t.Fatalf("fast consumer got %d frames, want 2", n)
	}

	// Slow consumer hasn't polled yet; it must still see both frames.
	if n := slow.Pop(out); n != 2 {
		t.Fatalf("slow consumer got %d frames, want 2", n)
	}
}

func TestMarketRingLossDetection(t *testing.T) {
	ring := NewMarketRing(4)
	consumer := ring.NewConsumer()

	// Publish more than capacity without the consumer ever polling.
	for i := 0; i < 10; i++ {
		slot, idx := ring.Reserve()
		*slot = frame.MarketEvent{Seq: uint64(i)}
		ring.Publish(idx)
	}

	out := make([]frame.MarketEvent, 10)
	n := consumer.Pop(out)

	if consumer.Dropped.Load() == 0 {
		t.Fatalf("expected dropped frame count > 0 after overrun")
	}
	if n != 4 {
		t.Fatalf("expected to recover exactly Capacity frames after drop, got %d", n)
	}
	// The surviving frames must be the most recent ones, in order.
	if out[0].Seq != 6 {
		t.Fatalf("expected recovery to start at seq 6 (head-capacity), got %d", out[0].Seq)
	}
}
