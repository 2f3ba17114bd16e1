package bus

import (
	"sync"
	"testing"

	"tradingbus/internal/frame"
)

func TestOrderQueuePushPopFIFO(t *testing.T) {
	q := NewOrderQueue(4)

	for i := 0; i < 4; i++ {
		req := frame.OrderRequest{LocalOrderID: uint64(i)}
		if err := q.TryPush(req); err != nil {
			t.Fatalf("TryPush(%d): %v", i, err)
		}
	}

	var req frame.OrderRequest
	if err := q.TryPush(frame.OrderRequest{LocalOrderID: 99}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull on full queue, got %v", err)
	}

	for i := 0; i < 4; i++ {
		if !q.TryPop(&req) {
			t.Fatalf("TryPop(%d) returned false, expected a frame", i)
		}
		if req.LocalOrderID != uint64(i) {
			t.Fatalf("TryPop(%d) = %d, want FIFO order %d", i, req.LocalOrderID, i)
		}
	}
	if q.TryPop(&req) {
		t.Fatalf("expected empty queue to return false")
	}
}

func TestOrderQueueMPSCContention(t *testing.T) {
	const producers = 8
	const perProducer = 1000
	q := NewOrderQueue(1024)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				req := frame.OrderRequest{StrategyID: uint32(p), SignalID: uint64(i)}
				for q.TryPush(req) == ErrQueueFull {
					Spin()
				}
			}
		}(p)
	}

	total := producers * perProducer
	seen := make(map[uint32]uint64) // strategy -> highest signal id consumed, for FIFO-per-producer check
	consumed := 0
	var req frame.OrderRequest
	for consumed < total {
		if q.TryPop(&req) {
			if last, ok := seen[req.StrategyID]; ok && req.SignalID != last+1 {
				t.Fatalf("producer %d: FIFO violated, got signal %d after %d", req.StrategyID, req.SignalID, last)
			}
			seen[req.StrategyID] = req.SignalID
			consumed++
		} else {
			Spin()
		}
	}
	wg.Wait()

	if consumed != total {
		t.Fatalf("consumed %d, want %d", consumed, total)
	}
}
