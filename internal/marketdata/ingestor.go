package marketdata

import (
	"context"
	"log/slog"
	"sync"

	"tradingbus/internal/affinity"
	"tradingbus/internal/bus"
	"tradingbus/internal/frame"
	"tradingbus/internal/journal"
)

// Ingestor is the C5 market-data ingress worker. It owns one ExchangeFeed
// per configured (exchange, symbol-set) pair. Each tick frame is published
// to a C2 ring slot and appended directly to the journal (C4) via
// journal.Writer.Append rather than round-tripped back through the ring;
// depth frames go to the journal only (see publishDepth). The ingest
// thread is the journal's logical producer for these frames.
type Ingestor struct {
	feeds  []ExchangeFeed
	ring   *bus.MarketRing
	writer *journal.Writer
	cpu    int
	pin    bool
	logger *slog.Logger
}

// NewIngestor creates an Ingestor that drives feeds, publishing onto ring
// and the journal. If pin is true, Run locks its goroutine to cpu before
// entering the fan-in loop.
func NewIngestor(feeds []ExchangeFeed, ring *bus.MarketRing, writer *journal.Writer, cpu int, pin bool, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		feeds:  feeds,
		ring:   ring,
		writer: writer,
		cpu:    cpu,
		pin:    pin,
		logger: logger.With("component", "marketdata"),
	}
}

// Run starts every feed and fans their output onto the ring and journal
// until ctx is cancelled. Blocks.
func (ig *Ingestor) Run(ctx context.Context) error {
	if ig.pin {
		if err := affinity.PinCurrentThread(ig.cpu, ig.logger); err != nil {
			ig.logger.Error("cpu pin failed, continuing unpinned", "error", err)
		}
	}

	ticksCh := make(chan frame.MarketEvent, tickBuffer)
	depthsCh := make(chan frame.DepthEvent, depthBuffer)
	sysCh := make(chan frame.CommandEvent, sysBuffer)

	var wg sync.WaitGroup
	for _, f := range ig.feeds {
		wg.Add(1)
		go ig.pump(ctx, f, ticksCh, depthsCh, sysCh, &wg)
	}

	feedsDone := make(chan struct{})
	go func() { wg.Wait(); close(feedsDone) }()

	for {
		select {
		case <-ctx.Done():
			<-feedsDone
			return ctx.Err()
		case t := <-ticksCh:
			ig.publishTick(t)
		case d := <-depthsCh:
			ig.publishDepth(d)
		case c := <-sysCh:
			ig.journalSystem(c)
		}
	}
}

// pump runs one feed and forwards its three output channels into the
// Ingestor's shared fan-in channels, non-blocking so a slow ring publish
// never stalls a sibling feed's reader goroutine.
func (ig *Ingestor) pump(ctx context.Context, f ExchangeFeed, ticksCh chan<- frame.MarketEvent, depthsCh chan<- frame.DepthEvent, sysCh chan<- frame.CommandEvent, wg *sync.WaitGroup) {
	defer wg.Done()

	var fwd sync.WaitGroup
	fwd.Add(3)
	go func() {
		defer fwd.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-f.Ticks():
				if !ok {
					return
				}
				select {
				case ticksCh <- t:
				default:
					ig.logger.Warn("ingestor tick fan-in full, dropping")
				}
			}
		}
	}()
	go func() {
		defer fwd.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-f.Depths():
				if !ok {
					return
				}
				select {
				case depthsCh <- d:
				default:
					ig.logger.Warn("ingestor depth fan-in full, dropping")
				}
			}
		}
	}()
	go func() {
		defer fwd.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-f.SystemEvents():
				if !ok {
					return
				}
				select {
				case sysCh <- c:
				default:
					ig.logger.Warn("ingestor system-event fan-in full, dropping")
				}
			}
		}
	}()

	if err := f.Run(ctx); err != nil && ctx.Err() == nil {
		ig.logger.Error("feed exited", "error", err)
	}
	fwd.Wait()
}

func (ig *Ingestor) publishTick(t frame.MarketEvent) {
	slot, idx := ig.ring.Reserve()
	*slot = t
	ig.ring.Publish(idx)

	buf := make([]byte, 64)
	frame.PutMarketEvent(buf, &t)
	if err := ig.writer.Append(frame.MsgTicker, t.TS, t.TS, uint32(t.ExchangeID), 0, buf); err != nil {
		ig.logger.Error("journal append failed", "error", err)
	}
}

// publishDepth writes a five-level book snapshot only to the journal.
// DepthEvent has no ring slot of its own (C2's MarketEvent-typed slots
// can't hold the larger struct); strategies needing full depth replay it
// from the journal rather than the hot-path ring.
func (ig *Ingestor) publishDepth(d frame.DepthEvent) {
	buf := make([]byte, 192)
	frame.PutDepthEvent(buf, &d)
	if err := ig.writer.Append(frame.MsgTicker, d.TS, d.TS, uint32(d.ExchangeID), 0, buf); err != nil {
		ig.logger.Error("journal append failed", "error", err)
	}
}

func (ig *Ingestor) journalSystem(c frame.CommandEvent) {
	buf := make([]byte, 72)
	frame.PutCommandEvent(buf, &c)
	if err := ig.writer.Append(frame.MsgSystem, c.TS, c.TS, 0, 0, buf); err != nil {
		ig.logger.Error("journal append failed", "error", err)
	}
}
