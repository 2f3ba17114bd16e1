package oems

import (
	"context"
	"testing"
	"time"

	"tradingbus/internal/frame"
	"tradingbus/pkg/types"
)

func TestHandleTradeEventPublishesFill(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	w, respRing := setupWorker(t, client)

	req := frame.OrderRequest{LocalOrderID: 5, Price: 100, Quantity: 1}
	w.handlePlace(context.Background(), req)
	popResponse(t, respRing)

	w.handleTradeEvent(0, types.WSTradeEvent{ID: "1001", Price: "100.5", Size: "1"})

	resp := popResponse(t, respRing)
	if resp.Status != frame.StatusFilled {
		t.Fatalf("got status %v, want StatusFilled", resp.Status)
	}
	if resp.FilledPrice != 100.5 || resp.FilledQty != 1 {
		t.Fatalf("got price=%v qty=%v, want 100.5/1", resp.FilledPrice, resp.FilledQty)
	}
	if _, ok := w.tables.get(5); ok {
		t.Fatal("expected order untracked after a full fill")
	}
}

func TestHandleOrderEventCancellationPublishesCancelled(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	w, respRing := setupWorker(t, client)

	req := frame.OrderRequest{LocalOrderID: 6, Price: 100, Quantity: 1}
	w.handlePlace(context.Background(), req)
	popResponse(t, respRing)

	w.handleOrderEvent(0, types.WSOrderEvent{ID: "1001", Type: "CANCELLATION"})

	resp := popResponse(t, respRing)
	if resp.Status != frame.StatusCancelled {
		t.Fatalf("got status %v, want StatusCancelled", resp.Status)
	}
}

func TestHandleTradeEventUnknownOrderIsIgnored(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	w, _ := setupWorker(t, client)

	done := make(chan struct{})
	go func() {
		w.handleTradeEvent(0, types.WSTradeEvent{ID: "99999", Price: "1", Size: "1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleTradeEvent on an unknown order should return promptly")
	}
}
