package strategyworker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"tradingbus/internal/bus"
	"tradingbus/internal/frame"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingStrategy counts dispatched frames for assertions.
type recordingStrategy struct {
	mu      sync.Mutex
	markets []frame.MarketEvent
	resps   []frame.OrderResponse
	hot     bool
}

func (s *recordingStrategy) OnMarket(ev frame.MarketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets = append(s.markets, ev)
}

func (s *recordingStrategy) OnOrderUpdate(resp frame.OrderResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resps = append(s.resps, resp)
}

func (s *recordingStrategy) Hot() bool { return s.hot }

func (s *recordingStrategy) marketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markets)
}

func (s *recordingStrategy) respCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resps)
}

func TestWorkerDispatchesMarketAndResponseFrames(t *testing.T) {
	t.Parallel()

	ring := bus.NewMarketRing(16)
	respRing := bus.NewResponseRing(16)
	orderQ := bus.NewOrderQueue(16)

	w := NewWorker("w0", 0, false, ring.NewConsumer(), respRing.NewConsumer(), orderQ, testLogger())
	strat := &recordingStrategy{}
	w.Register(strat, SendPolicy{RatePerSecond: 100, Burst: 10})

	slot, idx := ring.Reserve()
	*slot = frame.MarketEvent{SymbolID: 1, Bid: 100, Ask: 101}
	ring.Publish(idx)

	rslot, ridx := respRing.Reserve()
	*rslot = frame.OrderResponse{LocalOrderID: 42, Status: frame.StatusFilled}
	respRing.Publish(ridx)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strat.marketCount() > 0 && strat.respCount() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := strat.marketCount(); got != 1 {
		t.Fatalf("expected 1 market event dispatched, got %d", got)
	}
	if got := strat.respCount(); got != 1 {
		t.Fatalf("expected 1 order response dispatched, got %d", got)
	}
}

func TestWorkerSendFuncPushesToOrderQueue(t *testing.T) {
	t.Parallel()

	ring := bus.NewMarketRing(4)
	respRing := bus.NewResponseRing(4)
	orderQ := bus.NewOrderQueue(4)

	w := NewWorker("w0", 0, false, ring.NewConsumer(), respRing.NewConsumer(), orderQ, testLogger())
	strat := &recordingStrategy{}
	send := w.Register(strat, SendPolicy{RatePerSecond: 1000, Burst: 10})

	if err := send(frame.OrderRequest{LocalOrderID: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var out frame.OrderRequest
	if !orderQ.TryPop(&out) {
		t.Fatal("expected order to be available on the queue")
	}
	if out.LocalOrderID != 7 {
		t.Fatalf("got LocalOrderID %d, want 7", out.LocalOrderID)
	}
}

func TestWorkerSendFuncRateLimited(t *testing.T) {
	t.Parallel()

	ring := bus.NewMarketRing(4)
	respRing := bus.NewResponseRing(4)
	orderQ := bus.NewOrderQueue(4)

	w := NewWorker("w0", 0, false, ring.NewConsumer(), respRing.NewConsumer(), orderQ, testLogger())
	strat := &recordingStrategy{}
	send := w.Register(strat, SendPolicy{RatePerSecond: 1, Burst: 1})

	if err := send(frame.OrderRequest{LocalOrderID: 1}); err != nil {
		t.Fatalf("first send should succeed: %v", err)
	}
	if err := send(frame.OrderRequest{LocalOrderID: 2}); err != ErrRateLimited {
		t.Fatalf("second immediate send should be rate limited, got %v", err)
	}
}

func TestWorkerHotStrategyNeverYields(t *testing.T) {
	t.Parallel()

	ring := bus.NewMarketRing(4)
	respRing := bus.NewResponseRing(4)
	orderQ := bus.NewOrderQueue(4)

	w := NewWorker("w0", 0, false, ring.NewConsumer(), respRing.NewConsumer(), orderQ, testLogger())
	strat := &recordingStrategy{hot: true}
	w.Register(strat, SendPolicy{RatePerSecond: 10, Burst: 1})

	if !w.anyHot() {
		t.Fatal("expected anyHot to report true for a Hot() strategy")
	}
}
