// Package strategyworker hosts one or more Strategy implementations on a
// single CPU-pinned goroutine, batch-polling the market-data ring (C2) and
// the OEMS response ring and dispatching frames to every registered
// strategy in order.
package strategyworker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tradingbus/internal/affinity"
	"tradingbus/internal/bus"
	"tradingbus/internal/frame"
)

// DefaultBatchSize is the number of frames popped from each ring per poll
// (spec.md §6.5 "B≈64").
const DefaultBatchSize = 64

// DefaultYieldAfter is the number of consecutive empty polls before a
// non-hot worker starts yielding the CPU (spec.md §6.5 "M≈1024").
const DefaultYieldAfter = 1024

// Strategy is the contract every quoting/signal strategy implements to run
// inside a Worker.
type Strategy interface {
	OnMarket(ev frame.MarketEvent)
	OnOrderUpdate(resp frame.OrderResponse)
}

// HotStrategy is implemented by strategies that need the worker to keep
// spinning at full rate even through long stretches of empty polls
// (e.g. a latency-sensitive arb strategy). Strategies that don't implement
// it are treated as not hot.
type HotStrategy interface {
	Strategy
	Hot() bool
}

// ErrRateLimited is returned by a SendFunc when the owning strategy's
// SendPolicy has no tokens left.
var ErrRateLimited = errors.New("strategyworker: send rate limited")

// SendFunc is the closure a strategy uses to push an OrderRequest onto the
// worker's C3 producer handle. Bound per-strategy at Register time so each
// strategy's SendPolicy is enforced independently.
type SendFunc func(frame.OrderRequest) error

// SendPolicy throttles how many orders per second a single strategy may
// push onto C3, independent of the queue's own capacity. Grounded on the
// token-bucket shape of internal/exchange/ratelimit.go's TokenBucket,
// adapted to a non-blocking Allow() since the worker goroutine must never
// block on the hot path.
type SendPolicy struct {
	RatePerSecond float64 // steady-state orders/sec allowed
	Burst         float64 // max instantaneous burst
}

// tokenBucket is a non-blocking, single-goroutine token bucket. Safe only
// because a given strategy's SendFunc is always invoked synchronously from
// within that strategy's own OnMarket/OnOrderUpdate callback, which the
// Worker only ever calls from its own run loop — one goroutine, no races.
type tokenBucket struct {
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
}

func newTokenBucket(policy SendPolicy) *tokenBucket {
	capacity := policy.Burst
	if capacity <= 0 {
		capacity = 1
	}
	return &tokenBucket{tokens: capacity, capacity: capacity, rate: policy.RatePerSecond, last: time.Now()}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.last = now
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

type registration struct {
	strategy Strategy
	bucket   *tokenBucket
}

// Worker batch-polls C2/the response ring and fans each frame out to every
// registered strategy in registration order.
type Worker struct {
	id  string
	cpu int
	pin bool

	marketConsumer *bus.Consumer
	respConsumer   *bus.ResponseConsumer
	orderQueue     *bus.OrderQueue

	strategies []*registration
	batchSize  int
	yieldAfter int

	logger *slog.Logger
}

// NewWorker creates a worker that polls marketConsumer/respConsumer and
// sends orders through orderQueue. If pin is true, Run locks its goroutine
// to cpu via internal/affinity before entering the poll loop.
func NewWorker(
	id string,
	cpu int,
	pin bool,
	marketConsumer *bus.Consumer,
	respConsumer *bus.ResponseConsumer,
	orderQueue *bus.OrderQueue,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		id:             id,
		cpu:            cpu,
		pin:            pin,
		marketConsumer: marketConsumer,
		respConsumer:   respConsumer,
		orderQueue:     orderQueue,
		batchSize:      DefaultBatchSize,
		yieldAfter:     DefaultYieldAfter,
		logger:         logger.With("component", "strategyworker", "worker", id),
	}
}

// Register adds a strategy to this worker and returns the SendFunc closure
// it should use to submit orders, rate-limited per policy and bound to
// this worker's C3 producer handle.
func (w *Worker) Register(s Strategy, policy SendPolicy) SendFunc {
	reg := &registration{strategy: s, bucket: newTokenBucket(policy)}
	w.strategies = append(w.strategies, reg)

	return func(req frame.OrderRequest) error {
		if !reg.bucket.allow() {
			return ErrRateLimited
		}
		return w.orderQueue.TryPush(req)
	}
}

// Run pins the goroutine (if configured), then polls both rings until ctx
// is cancelled. Blocks.
func (w *Worker) Run(ctx context.Context) {
	if w.pin {
		if err := affinity.PinCurrentThread(w.cpu, w.logger); err != nil {
			w.logger.Error("cpu pin failed, continuing unpinned", "error", err)
		}
	}

	marketBuf := make([]frame.MarketEvent, w.batchSize)
	respBuf := make([]frame.OrderResponse, w.batchSize)
	emptyPolls := 0

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		default:
		}

		n := w.marketConsumer.Pop(marketBuf)
		for i := 0; i < n; i++ {
			for _, reg := range w.strategies {
				reg.strategy.OnMarket(marketBuf[i])
			}
		}

		m := w.respConsumer.Pop(respBuf)
		for i := 0; i < m; i++ {
			for _, reg := range w.strategies {
				reg.strategy.OnOrderUpdate(respBuf[i])
			}
		}

		if n == 0 && m == 0 {
			emptyPolls++
			if emptyPolls >= w.yieldAfter && !w.anyHot() {
				bus.Spin()
			}
		} else {
			emptyPolls = 0
		}
	}
}

func (w *Worker) anyHot() bool {
	for _, reg := range w.strategies {
		if hs, ok := reg.strategy.(HotStrategy); ok && hs.Hot() {
			return true
		}
	}
	return false
}
