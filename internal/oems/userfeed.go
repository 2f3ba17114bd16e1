package oems

import (
	"context"
	"strconv"
	"time"

	"tradingbus/internal/exchange"
	"tradingbus/internal/frame"
	"tradingbus/pkg/types"
)

// RunUserFeed drains feed's trade/order channels for exchangeID and
// republishes fills/lifecycle updates as OrderResponse frames, the async
// counterpart to handlePlace/handleCancel's synchronous request/accept
// path. Blocks until ctx is cancelled or feed.Run returns.
func (w *Worker) RunUserFeed(ctx context.Context, feed *exchange.WSFeed, exchangeID uint16) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-feed.TradeEvents():
				if !ok {
					return
				}
				w.handleTradeEvent(exchangeID, ev)
			case ev, ok := <-feed.OrderEvents():
				if !ok {
					return
				}
				w.handleOrderEvent(exchangeID, ev)
			}
		}
	}()
	return feed.Run(ctx)
}

func (w *Worker) handleTradeEvent(exchangeID uint16, ev types.WSTradeEvent) {
	exchangeOrderID, err := strconv.ParseUint(ev.ID, 10, 64)
	if err != nil {
		exchangeOrderID = parseExchangeOrderID(ev.ID)
	}
	localID, ok := w.tables.localIDFor(exchangeOrderID)
	if !ok {
		return
	}

	price, _ := strconv.ParseFloat(ev.Price, 64)
	size, _ := strconv.ParseFloat(ev.Size, 64)

	st, ok := w.tables.get(localID)
	status := frame.StatusFilled
	if ok && st.req.Quantity > 0 && size < st.req.Quantity {
		status = frame.StatusPartial
	}
	w.tables.setStatus(localID, status)
	if status.Terminal() {
		w.tables.remove(localID)
	}

	w.publish(frame.OrderResponse{
		TS:              time.Now().UnixNano(),
		LocalOrderID:    localID,
		ExchangeOrderID: exchangeOrderID,
		Status:          status,
		FilledPrice:     price,
		FilledQty:       size,
	})
}

func (w *Worker) handleOrderEvent(exchangeID uint16, ev types.WSOrderEvent) {
	exchangeOrderID, err := strconv.ParseUint(ev.ID, 10, 64)
	if err != nil {
		exchangeOrderID = parseExchangeOrderID(ev.ID)
	}
	localID, ok := w.tables.localIDFor(exchangeOrderID)
	if !ok {
		return
	}

	if ev.Type != "CANCELLATION" {
		return
	}

	w.tables.setStatus(localID, frame.StatusCancelled)
	w.tables.remove(localID)

	w.publish(frame.OrderResponse{
		TS:              time.Now().UnixNano(),
		LocalOrderID:    localID,
		ExchangeOrderID: exchangeOrderID,
		Status:          frame.StatusCancelled,
	})
}
