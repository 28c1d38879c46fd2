package longpoll

import (
	"container/heap"
	"crypto/sha512"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/talerforge/merchant/internal/amount"
)

// EventKind says why a suspended connection was resumed.
type EventKind int

const (
	// EventPaid: the order the waiter watches was paid.
	EventPaid EventKind = iota
	// EventRefund: the order's refund total crossed the waiter's threshold.
	EventRefund
	// EventTimeout: the waiter's own deadline passed.
	EventTimeout
	// EventShutdown: the backend is shutting down; the handler must drop
	// the connection without a regular reply.
	EventShutdown
)

// Event is delivered exactly once per waiter.
type Event struct {
	Kind         EventKind
	RefundAmount *amount.Amount
}

// Waiter is one suspended connection. The handler blocks on C until the
// hub resumes it.
type Waiter struct {
	C <-chan Event

	ch        chan Event
	key       bucketKey
	deadline  time.Time
	minRefund *amount.Amount
	index     int // heap index, -1 once resumed
}

type bucketKey [sha512.Size]byte

func keyFor(orderID, merchantPub string) bucketKey {
	h := sha512.New()
	h.Write([]byte(orderID))
	h.Write([]byte{0})
	h.Write([]byte(merchantPub))
	var k bucketKey
	copy(k[:], h.Sum(nil))
	return k
}

// Hub tracks suspended long-poll connections. Two views share one lock:
// buckets by H(order_id ‖ merchant_pub) for resume, and a deadline
// min-heap feeding the sweeper's next-wake timer.
type Hub struct {
	mu       sync.Mutex
	buckets  map[bucketKey]map[*Waiter]struct{}
	heap     waiterHeap
	wake     chan struct{}
	closed   bool
	log      zerolog.Logger
	onResize func(n int)
}

// New creates a hub and starts its expiry sweeper.
func New(log zerolog.Logger) *Hub {
	h := &Hub{
		buckets: make(map[bucketKey]map[*Waiter]struct{}),
		wake:    make(chan struct{}, 1),
		log:     log,
	}
	go h.sweep()
	return h
}

// OnSizeChange registers a callback observing the number of suspended
// connections (metrics wiring).
func (h *Hub) OnSizeChange(fn func(n int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResize = fn
}

// Suspend registers a waiter for (orderID, merchantPub). A non-nil
// minRefund makes the waiter a refund watcher: it resumes only when the
// refund total exceeds that threshold. The deadline bounds the wait.
func (h *Hub) Suspend(orderID, merchantPub string, minRefund *amount.Amount, deadline time.Time) *Waiter {
	w := &Waiter{
		ch:        make(chan Event, 1),
		key:       keyFor(orderID, merchantPub),
		deadline:  deadline,
		minRefund: minRefund,
	}
	w.C = w.ch

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		w.index = -1
		w.ch <- Event{Kind: EventShutdown}
		close(w.ch)
		return w
	}
	bucket, ok := h.buckets[w.key]
	if !ok {
		bucket = make(map[*Waiter]struct{})
		h.buckets[w.key] = bucket
	}
	bucket[w] = struct{}{}
	heap.Push(&h.heap, w)
	h.notifyResize()
	h.mu.Unlock()

	h.kick()
	return w
}

// Resume wakes every waiter registered under (orderID, merchantPub)
// that is either not refund-watching, or whose threshold is strictly
// below refund. Each waiter resumes exactly once.
func (h *Hub) Resume(orderID, merchantPub string, refund *amount.Amount) {
	key := keyFor(orderID, merchantPub)

	h.mu.Lock()
	var resumed []*Waiter
	for w := range h.buckets[key] {
		if w.minRefund != nil {
			if refund == nil {
				continue
			}
			cmp, err := refund.Cmp(*w.minRefund)
			if err != nil || cmp <= 0 {
				continue
			}
		}
		h.removeLocked(w)
		resumed = append(resumed, w)
	}
	h.notifyResize()
	h.mu.Unlock()

	kind := EventPaid
	if refund != nil {
		kind = EventRefund
	}
	for _, w := range resumed {
		w.ch <- Event{Kind: kind, RefundAmount: refund}
		close(w.ch)
	}
}

// Cancel removes a waiter that no longer needs resuming (its handler
// returned for another reason). Safe to call after resume.
func (h *Hub) Cancel(w *Waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w.index < 0 {
		return
	}
	h.removeLocked(w)
	h.notifyResize()
}

// Shutdown resumes every suspended connection with EventShutdown. After
// shutdown no waiter remains registered and new Suspend calls resume
// immediately.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Waiter
	for _, bucket := range h.buckets {
		for w := range bucket {
			all = append(all, w)
		}
	}
	h.buckets = make(map[bucketKey]map[*Waiter]struct{})
	h.heap = nil
	for _, w := range all {
		w.index = -1
	}
	h.notifyResize()
	h.mu.Unlock()

	h.kick()
	for _, w := range all {
		w.ch <- Event{Kind: EventShutdown}
		close(w.ch)
	}
	h.log.Info().Int("resumed", len(all)).Msg("longpoll.shutdown")
}

// Len reports the number of suspended connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heap.Len()
}

func (h *Hub) removeLocked(w *Waiter) {
	if bucket, ok := h.buckets[w.key]; ok {
		delete(bucket, w)
		if len(bucket) == 0 {
			delete(h.buckets, w.key)
		}
	}
	if w.index >= 0 {
		heap.Remove(&h.heap, w.index)
		w.index = -1
	}
}

func (h *Hub) notifyResize() {
	if h.onResize != nil {
		h.onResize(h.heap.Len())
	}
}

func (h *Hub) kick() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// sweep expires waiters whose deadline passed. It sleeps until the
// earliest registered deadline, recomputing on every membership change.
func (h *Hub) sweep() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		var expired []*Waiter
		now := time.Now()
		for h.heap.Len() > 0 && !h.heap[0].deadline.After(now) {
			w := h.heap[0]
			h.removeLocked(w)
			expired = append(expired, w)
		}
		next := time.Hour
		if h.heap.Len() > 0 {
			next = time.Until(h.heap[0].deadline)
		}
		h.notifyResize()
		h.mu.Unlock()

		for _, w := range expired {
			w.ch <- Event{Kind: EventTimeout}
			close(w.ch)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
		select {
		case <-timer.C:
		case <-h.wake:
		}
	}
}

// waiterHeap orders waiters by deadline.
type waiterHeap []*Waiter

func (q waiterHeap) Len() int            { return len(q) }
func (q waiterHeap) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q waiterHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *waiterHeap) Push(x interface{}) { w := x.(*Waiter); w.index = len(*q); *q = append(*q, w) }
func (q *waiterHeap) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}
