package oems

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"tradingbus/internal/bus"
	"tradingbus/internal/config"
	"tradingbus/internal/exchange"
	"tradingbus/internal/frame"
	"tradingbus/internal/intern"
	"tradingbus/internal/journal"
	"tradingbus/internal/risk"
	"tradingbus/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRiskManager() *risk.Manager {
	return risk.NewManager(config.RiskConfig{
		MaxDrawdownPct:  50,
		MaxOpenOrders:   100,
		MaxExposure:     1_000_000,
		PerSymbolLimits: map[string]float64{},
	}, testLogger())
}

// fakeClient is a minimal exchange.ExchangeClient for exercising the OEMS
// without a live venue.
type fakeClient struct {
	mu          sync.Mutex
	postCalls   int
	failUntil   int // PostOrders fails this many times before succeeding
	postOrders  []types.UserOrder
	cancelCalls int
	cancelIDs   []string
}

func (c *fakeClient) GetOrderBook(ctx context.Context, symbol string) (*types.BookResponse, error) {
	return &types.BookResponse{}, nil
}

func (c *fakeClient) PostOrders(ctx context.Context, orders []types.UserOrder) ([]types.OrderAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postCalls++
	c.postOrders = append(c.postOrders, orders...)
	if c.postCalls <= c.failUntil {
		return nil, errTransient
	}
	acks := make([]types.OrderAck, len(orders))
	for i := range orders {
		acks[i] = types.OrderAck{Success: true, ExchangeOrderID: "1001", Status: "live"}
	}
	return acks, nil
}

func (c *fakeClient) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++
	c.cancelIDs = append(c.cancelIDs, orderIDs...)
	return &types.CancelResult{Canceled: orderIDs}, nil
}

func (c *fakeClient) CancelAll(ctx context.Context) (*types.CancelResult, error) { return &types.CancelResult{}, nil }

func (c *fakeClient) CancelSymbolOrders(ctx context.Context, symbol string) (*types.CancelResult, error) {
	return &types.CancelResult{}, nil
}

var errTransient = &transientError{}

type transientError struct{}

func (e *transientError) Error() string { return "transient failure" }

func setupWorker(t *testing.T, client *fakeClient) (*Worker, *bus.ResponseRing) {
	t.Helper()

	dir := t.TempDir()
	writer, err := journal.Open(dir, 0, nil)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { writer.Close() })

	respRing := bus.NewResponseRing(16)
	respConsumers.Store(respRing, respRing.NewConsumer())
	orderQ := bus.NewOrderQueue(16)

	symbols := intern.NewTable()
	symID := symbols.Register("BTC-USDT")
	exchanges := intern.NewTable()
	exID := exchanges.Register("test-exchange")

	clients := map[uint16]exchange.ExchangeClient{exID: client}

	w := NewWorker(orderQ, respRing, writer, testRiskManager(), clients, nil, exchanges, symbols, 0, false, testLogger())

	_ = symID
	return w, respRing
}

// respConsumers holds one consumer per test ring, attached in setupWorker
// before anything is published (NewConsumer starts at the current head),
// so popResponse sees every response in publication order.
var respConsumers sync.Map

func popResponse(t *testing.T, respRing *bus.ResponseRing) frame.OrderResponse {
	t.Helper()
	v, _ := respConsumers.Load(respRing)
	consumer := v.(*bus.ResponseConsumer)

	var out [1]frame.OrderResponse
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if consumer.Pop(out[:]) == 1 {
			return out[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for an OrderResponse")
	return frame.OrderResponse{}
}

func TestHandlePlaceSucceeds(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	w, respRing := setupWorker(t, client)

	req := frame.OrderRequest{LocalOrderID: 1, ExchangeID: 0, SymbolID: 0, Price: 100, Quantity: 1, Side: frame.SideBuy}
	w.handlePlace(context.Background(), req)

	resp := popResponse(t, respRing)
	if resp.Status != frame.StatusAck {
		t.Fatalf("got status %v, want StatusAck", resp.Status)
	}
	if resp.ExchangeOrderID != 1001 {
		t.Fatalf("got exchange_order_id %d, want 1001", resp.ExchangeOrderID)
	}
	if _, ok := w.tables.get(1); !ok {
		t.Fatal("expected order to be tracked after a successful place")
	}
}

func TestHandlePlaceRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	client := &fakeClient{failUntil: 2}
	w, respRing := setupWorker(t, client)
	w.retryBase = time.Millisecond

	req := frame.OrderRequest{LocalOrderID: 2, Price: 100, Quantity: 1}
	w.handlePlace(context.Background(), req)

	resp := popResponse(t, respRing)
	if resp.Status != frame.StatusAck {
		t.Fatalf("got status %v, want StatusAck after retries", resp.Status)
	}
	if client.postCalls != 3 {
		t.Fatalf("got %d PostOrders calls, want 3", client.postCalls)
	}
}

func TestHandlePlaceFailsAfterExhaustingRetries(t *testing.T) {
	t.Parallel()
	client := &fakeClient{failUntil: 10}
	w, respRing := setupWorker(t, client)
	w.retryBase = time.Millisecond

	req := frame.OrderRequest{LocalOrderID: 3, Price: 100, Quantity: 1}
	w.handlePlace(context.Background(), req)

	resp := popResponse(t, respRing)
	if resp.Status != frame.StatusFailed {
		t.Fatalf("got status %v, want StatusFailed", resp.Status)
	}
	if _, ok := w.tables.get(3); ok {
		t.Fatal("expected the order to be untracked after exhausting retries")
	}
}

func TestHandleCancelUsesZeroQuantityConvention(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	w, respRing := setupWorker(t, client)

	placeReq := frame.OrderRequest{LocalOrderID: 4, Price: 100, Quantity: 1}
	w.handlePlace(context.Background(), placeReq)
	popResponse(t, respRing)

	cancelReq := frame.OrderRequest{LocalOrderID: 4, Quantity: 0}
	w.handle(context.Background(), cancelReq)

	resp := popResponse(t, respRing)
	if resp.Status != frame.StatusCancelled {
		t.Fatalf("got status %v, want StatusCancelled", resp.Status)
	}
	if client.cancelCalls != 1 {
		t.Fatalf("got %d CancelOrders calls, want 1", client.cancelCalls)
	}
	if _, ok := w.tables.get(4); ok {
		t.Fatal("expected the order to be untracked after cancellation")
	}
}

func TestHandleCancelUnknownOrderRejects(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	w, respRing := setupWorker(t, client)

	w.handle(context.Background(), frame.OrderRequest{LocalOrderID: 999, Quantity: 0})

	resp := popResponse(t, respRing)
	if resp.Status != frame.StatusRejected {
		t.Fatalf("got status %v, want StatusRejected", resp.Status)
	}
}
