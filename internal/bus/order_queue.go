package bus

import (
	"errors"
	"sync/atomic"

	"tradingbus/internal/frame"
)

// ErrQueueFull is returned by TryPush when the MPSC order queue has no free
// slot (spec.md §4.2 / §8 boundary behavior).
var ErrQueueFull = errors.New("bus: order queue full")

// orderSlot carries one OrderRequest plus the sequence number that marks
// when it becomes readable (sequence == expected tail+1) and when it's been
// drained and is free for reuse (sequence == tail+capacity).
type orderSlot struct {
	seq     atomic.Uint64
	request frame.OrderRequest
}

// OrderQueue is the MPSC order-request bus (C3): many strategy goroutines
// call TryPush concurrently; exactly one OEMS goroutine calls TryPop.
// Grounded on the matching-engine example's disruptor Sequencer (CAS-claimed
// shared head cursor, per-slot sequence numbers for readiness).
type OrderQueue struct {
	mask     uint64
	capacity uint64
	slots    []orderSlot

	_    [cacheLinePad]byte
	head atomic.Uint64 // next sequence a producer may claim
	_    [cacheLinePad]byte
	tail uint64 // single-consumer, no atomic needed for the consumer's own cursor
	_    [cacheLinePad]byte
}

// NewOrderQueue creates a queue with the given power-of-two capacity. Every
// slot starts "free" (its sequence equals its index), matching the
// generation-counter scheme from the Disruptor pattern.
func NewOrderQueue(capacity int) *OrderQueue {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("bus: OrderQueue capacity must be a power of 2")
	}
	q := &OrderQueue{
		mask:     uint64(capacity - 1),
		capacity: uint64(capacity),
		slots:    make([]orderSlot, capacity),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Capacity returns the queue's slot count.
func (q *OrderQueue) Capacity() int { return int(q.capacity) }

// TryPush claims a slot via CAS on the shared head cursor, writes req, then
// publishes by storing the claimed sequence plus one into the slot — the
// release point a consumer's acquire-load on the same field synchronizes
// with. Returns ErrQueueFull only when the queue has no free slot (spec.md §4.2).
func (q *OrderQueue) TryPush(req frame.OrderRequest) error {
	for {
		head := q.head.Load()
		slot := &q.slots[head&q.mask]

		seq := slot.seq.Load()
		if seq < head {
			// Slot not yet freed by the consumer: queue is full for this head.
			return ErrQueueFull
		}
		if seq > head {
			continue // another producer already published at head, reload it
		}
		if !q.head.CompareAndSwap(head, head+1) {
			continue // another producer won the race, retry
		}

		slot.request = req
		slot.seq.Store(head + 1)
		return nil
	}
}

// TryPop drains the next request in FIFO order if one is ready. Single
// consumer only — concurrent callers would race on q.tail.
func (q *OrderQueue) TryPop(out *frame.OrderRequest) bool {
	slot := &q.slots[q.tail&q.mask]
	if slot.seq.Load() != q.tail+1 {
		return false
	}
	*out = slot.request
	slot.seq.Store(q.tail + q.capacity) // mark free for reuse at generation+1
	q.tail++
	return true
}
