// Package oems implements the order-entry/management worker (C7): it
// drains the MPSC order-request queue (C3), gates every request through
// the risk manager (C8), submits accepted orders to the venue via an
// ExchangeClient, and republishes the resulting lifecycle as OrderResponse
// frames onto the response ring (C2's sibling) and the journal (C4).
package oems

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"tradingbus/internal/affinity"
	"tradingbus/internal/bus"
	"tradingbus/internal/exchange"
	"tradingbus/internal/frame"
	"tradingbus/internal/intern"
	"tradingbus/internal/journal"
	"tradingbus/internal/risk"
	"tradingbus/pkg/types"
)

// DefaultBatchSize caps how many requests are drained from C3 per poll
// before yielding back to the select/spin loop.
const DefaultBatchSize = 64

// DefaultRetries/DefaultRetryBase set the OEMS-level retry-then-fail
// policy: spec.md's 3-retry, 50ms base budget, tighter than the
// teacher's 500ms REST-client base because this retry wraps the already-
// retrying resty client and guards the end-to-end submit latency budget.
const (
	DefaultRetries   = 3
	DefaultRetryBase = 50 * time.Millisecond
)

// Worker is the C7 OEMS.
type Worker struct {
	orderQueue *bus.OrderQueue
	respRing   *bus.ResponseRing
	writer     *journal.Writer
	risk       *risk.Manager
	clients    map[uint16]exchange.ExchangeClient
	limiters   *exchange.RateLimiters
	exchanges  *intern.Table
	symbols    *intern.Table
	tables     *Tables

	cpu int
	pin bool

	batchSize int
	retries   int
	retryBase time.Duration

	logger *slog.Logger
}

// NewWorker creates an OEMS worker. clients maps an interned exchange id
// to the ExchangeClient used to submit/cancel orders on that venue;
// limiters may be nil to skip rate-limit gating (e.g. in tests).
func NewWorker(
	orderQueue *bus.OrderQueue,
	respRing *bus.ResponseRing,
	writer *journal.Writer,
	riskMgr *risk.Manager,
	clients map[uint16]exchange.ExchangeClient,
	limiters *exchange.RateLimiters,
	exchanges, symbols *intern.Table,
	cpu int,
	pin bool,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		orderQueue: orderQueue,
		respRing:   respRing,
		writer:     writer,
		risk:       riskMgr,
		clients:    clients,
		limiters:   limiters,
		exchanges:  exchanges,
		symbols:    symbols,
		tables:     NewTables(),
		cpu:        cpu,
		pin:        pin,
		batchSize:  DefaultBatchSize,
		retries:    DefaultRetries,
		retryBase:  DefaultRetryBase,
		logger:     logger.With("component", "oems"),
	}
}

// WarmStart replays the journal to rebuild order tables before Run starts
// draining C3, so a restart doesn't forget orders still resting on a venue.
func (w *Worker) WarmStart(r *journal.Reader) error {
	return w.tables.LoadFromJournal(r)
}

// OpenOrders returns the current tracked open-order count, exposed for
// the dashboard (C12).
func (w *Worker) OpenOrders() int { return w.tables.OpenCount() }

// Snapshot returns every order the OEMS currently tracks, for the
// dashboard's orders[] document.
func (w *Worker) Snapshot() []OrderSnapshot { return w.tables.Snapshot() }

// Run pins the goroutine (if configured) and drains C3 in batches until
// ctx is cancelled. Blocks.
func (w *Worker) Run(ctx context.Context) error {
	if w.pin {
		if err := affinity.PinCurrentThread(w.cpu, w.logger); err != nil {
			w.logger.Error("cpu pin failed, continuing unpinned", "error", err)
		}
	}

	var req frame.OrderRequest
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n := 0
		for n < w.batchSize && w.orderQueue.TryPop(&req) {
			w.handle(ctx, req)
			n++
		}
		if n == 0 {
			bus.Spin()
		}
	}
}

// handle dispatches a drained request. A zero Quantity is the cancel
// convention strategies use (frame.OrderRequest has no dedicated
// cancel-intent field): it targets the order named by LocalOrderID
// instead of placing a new one.
func (w *Worker) handle(ctx context.Context, req frame.OrderRequest) {
	if req.Quantity == 0 {
		w.handleCancel(ctx, req)
		return
	}
	w.handlePlace(ctx, req)
}

func (w *Worker) handlePlace(ctx context.Context, req frame.OrderRequest) {
	symbol := w.symbols.Name(req.SymbolID)
	exchangeName := w.exchanges.Name(req.ExchangeID)

	notional := req.Price * req.Quantity
	if ok, code := w.risk.Check(symbol, notional, w.tables.OpenCount()); !ok {
		w.publishReject(req, fmt.Sprintf("risk rejected: %s", code))
		return
	}

	client, ok := w.clients[req.ExchangeID]
	if !ok {
		w.publishFail(req, fmt.Sprintf("no exchange client registered for exchange_id %d", req.ExchangeID))
		return
	}

	w.tables.put(req, frame.StatusAck)
	w.journalRequest(req)

	if w.limiters != nil {
		if err := w.limiters.Wait(ctx, exchangeName, exchange.CategoryOrder); err != nil {
			w.publishFail(req, "rate limiter: "+err.Error())
			w.tables.remove(req.LocalOrderID)
			return
		}
	}

	order := types.UserOrder{
		Symbol:    symbol,
		Price:     req.Price,
		Size:      req.Quantity,
		Side:      sideToTypes(req.Side),
		OrderType: orderTypeToTypes(req.OrdType),
	}

	start := time.Now()
	var acks []types.OrderAck
	err := w.retry(ctx, func() error {
		var e error
		acks, e = client.PostOrders(ctx, []types.UserOrder{order})
		return e
	})
	latency := time.Since(start)

	if err != nil {
		w.publishFail(req, err.Error())
		w.tables.remove(req.LocalOrderID)
		return
	}
	if len(acks) == 0 || !acks[0].Success {
		msg := "order rejected by venue"
		if len(acks) > 0 {
			msg = acks[0].ErrorMsg
		}
		w.publishReject(req, msg)
		w.tables.remove(req.LocalOrderID)
		return
	}

	exchangeOrderID := parseExchangeOrderID(acks[0].ExchangeOrderID)
	w.tables.link(req.LocalOrderID, exchangeOrderID)

	w.publish(frame.OrderResponse{
		TS:              time.Now().UnixNano(),
		LocalOrderID:    req.LocalOrderID,
		ExchangeOrderID: exchangeOrderID,
		Status:          frame.StatusAck,
		LatencyNS:       latency.Nanoseconds(),
	})
}

func (w *Worker) handleCancel(ctx context.Context, req frame.OrderRequest) {
	st, ok := w.tables.get(req.LocalOrderID)
	if !ok {
		w.publishReject(req, "cancel: unknown local_order_id")
		return
	}

	client, ok := w.clients[req.ExchangeID]
	if !ok {
		w.publishFail(req, fmt.Sprintf("no exchange client registered for exchange_id %d", req.ExchangeID))
		return
	}

	exchangeName := w.exchanges.Name(req.ExchangeID)
	if w.limiters != nil {
		if err := w.limiters.Wait(ctx, exchangeName, exchange.CategoryCancel); err != nil {
			w.publishFail(req, "rate limiter: "+err.Error())
			return
		}
	}

	var result *types.CancelResult
	err := w.retry(ctx, func() error {
		var e error
		result, e = client.CancelOrders(ctx, []string{strconv.FormatUint(st.exchangeOrderID, 10)})
		return e
	})
	if err != nil {
		w.publishFail(req, err.Error())
		return
	}
	if result == nil || len(result.Canceled) == 0 {
		w.publishReject(req, "cancel: venue reported nothing cancelled")
		return
	}

	w.tables.setStatus(req.LocalOrderID, frame.StatusCancelled)
	w.tables.remove(req.LocalOrderID)
	w.publish(frame.OrderResponse{
		TS:              time.Now().UnixNano(),
		LocalOrderID:    req.LocalOrderID,
		ExchangeOrderID: st.exchangeOrderID,
		Status:          frame.StatusCancelled,
	})
}

// retry re-invokes fn up to w.retries additional times with an
// exponential backoff starting at w.retryBase, returning fn's last error.
func (w *Worker) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := w.retryBase
	for attempt := 0; attempt <= w.retries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == w.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (w *Worker) publish(resp frame.OrderResponse) {
	slot, idx := w.respRing.Reserve()
	*slot = resp
	w.respRing.Publish(idx)

	buf := make([]byte, 128)
	frame.PutOrderResponse(buf, &resp)
	if err := w.writer.Append(frame.MsgTrade, resp.TS, resp.TS, 0, 0, buf); err != nil {
		w.logger.Error("journal append failed", "error", err)
	}
}

func (w *Worker) publishReject(req frame.OrderRequest, reason string) {
	resp := frame.OrderResponse{TS: time.Now().UnixNano(), LocalOrderID: req.LocalOrderID, Status: frame.StatusRejected}
	resp.SetErrorMsg(reason)
	w.logger.Warn("order rejected", "local_order_id", req.LocalOrderID, "reason", reason)
	w.publish(resp)
}

func (w *Worker) publishFail(req frame.OrderRequest, reason string) {
	resp := frame.OrderResponse{TS: time.Now().UnixNano(), LocalOrderID: req.LocalOrderID, Status: frame.StatusFailed}
	resp.SetErrorMsg(reason)
	w.logger.Error("order failed", "local_order_id", req.LocalOrderID, "reason", reason)
	w.publish(resp)
}

func (w *Worker) journalRequest(req frame.OrderRequest) {
	buf := make([]byte, 128)
	frame.PutOrderRequest(buf, &req)
	if err := w.writer.Append(frame.MsgOrder, req.TS, req.TS, uint32(req.ExchangeID), 0, buf); err != nil {
		w.logger.Error("journal append failed", "error", err)
	}
}

func sideToTypes(s frame.OrderSide) types.Side {
	if s == frame.SideSell {
		return types.SELL
	}
	return types.BUY
}

func orderTypeToTypes(t frame.OrderType) types.OrderType {
	if t == frame.OrderTypeMarket {
		return types.OrderTypeIOC
	}
	return types.OrderTypeGTC
}

// parseExchangeOrderID normalizes a venue's order id string to a stable
// uint64 so OrderResponse's fixed-size frame can carry it; numeric ids
// pass through, opaque ids are hashed.
func parseExchangeOrderID(s string) uint64 {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v
	}
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
