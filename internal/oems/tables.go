package oems

import (
	"errors"
	"sync"

	"tradingbus/internal/frame"
	"tradingbus/internal/journal"
)

// orderState is the OEMS's working record for one order, keyed by the
// strategy-assigned LocalOrderID.
type orderState struct {
	req             frame.OrderRequest
	exchangeOrderID uint64
	status          frame.OrderStatus
}

// Tables holds the {local_order_id->state} / {exchange_order_id->
// local_order_id} indices spec.md §6.6 requires, warm-loadable from a
// journal replay on startup so a restarted OEMS doesn't lose track of
// orders that were already resting on the venue.
type Tables struct {
	mu         sync.Mutex
	byLocal    map[uint64]*orderState
	byExchange map[uint64]uint64
}

// NewTables creates an empty order-tracking table set.
func NewTables() *Tables {
	return &Tables{
		byLocal:    make(map[uint64]*orderState),
		byExchange: make(map[uint64]uint64),
	}
}

func (t *Tables) put(req frame.OrderRequest, status frame.OrderStatus) *orderState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := &orderState{req: req, status: status}
	t.byLocal[req.LocalOrderID] = st
	return st
}

func (t *Tables) get(localID uint64) (*orderState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byLocal[localID]
	return st, ok
}

func (t *Tables) link(localID, exchangeOrderID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byLocal[localID]; ok {
		st.exchangeOrderID = exchangeOrderID
	}
	t.byExchange[exchangeOrderID] = localID
}

func (t *Tables) localIDFor(exchangeOrderID uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byExchange[exchangeOrderID]
	return id, ok
}

func (t *Tables) setStatus(localID uint64, status frame.OrderStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byLocal[localID]; ok {
		st.status = status
	}
}

func (t *Tables) remove(localID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byLocal[localID]; ok {
		delete(t.byExchange, st.exchangeOrderID)
		delete(t.byLocal, localID)
	}
}

// OpenCount returns the number of non-terminal orders currently tracked,
// the openOrders input risk.Manager.Check's max-open-orders gate expects.
func (t *Tables) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.byLocal {
		if !st.status.Terminal() {
			n++
		}
	}
	return n
}

// OrderSnapshot is a read-only view of one tracked order, exposed to the
// dashboard (C12) without leaking the internal orderState type.
type OrderSnapshot struct {
	LocalOrderID    uint64
	ExchangeOrderID uint64
	ExchangeID      uint16
	SymbolID        uint16
	Side            frame.OrderSide
	Status          frame.OrderStatus
	Price           float64
	Quantity        float64
}

// Snapshot returns every currently-tracked order, for periodic dashboard
// composition.
func (t *Tables) Snapshot() []OrderSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OrderSnapshot, 0, len(t.byLocal))
	for _, st := range t.byLocal {
		out = append(out, OrderSnapshot{
			LocalOrderID:    st.req.LocalOrderID,
			ExchangeOrderID: st.exchangeOrderID,
			ExchangeID:      st.req.ExchangeID,
			SymbolID:        st.req.SymbolID,
			Side:            st.req.Side,
			Status:          st.status,
			Price:           st.req.Price,
			Quantity:        st.req.Quantity,
		})
	}
	return out
}

// LoadFromJournal replays MsgOrder (OrderRequest) and MsgTrade
// (OrderResponse) frames to rebuild in-memory table state after a
// restart. Replay is best-effort: a partially-written trailing frame at
// the tail of the journal is not an error, just the end of replay.
func (t *Tables) LoadFromJournal(r *journal.Reader) error {
	for {
		hdr, payload, err := r.Next()
		if errors.Is(err, journal.ErrNoMoreFrames) {
			return nil
		}
		if err != nil {
			return err
		}

		switch hdr.MsgType {
		case frame.MsgOrder:
			var req frame.OrderRequest
			frame.GetOrderRequest(payload, &req)
			t.put(req, frame.StatusAck)

		case frame.MsgTrade:
			var resp frame.OrderResponse
			frame.GetOrderResponse(payload, &resp)
			if st, ok := t.get(resp.LocalOrderID); ok {
				st.status = resp.Status
				if resp.ExchangeOrderID != 0 {
					t.link(resp.LocalOrderID, resp.ExchangeOrderID)
				}
				if resp.Status.Terminal() {
					t.remove(resp.LocalOrderID)
				}
			}
		}
	}
}
