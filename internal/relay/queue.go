package relay

import (
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// sendQueue is a length-bounded FIFO of outbound envelopes.
//
// Routing never blocks on a slow receiver: Enqueue fails when the queue is
// full and the hub drops that connection instead.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxLen int
	items  []signaling.Envelope

	drops atomic.Uint64
}

func newSendQueue(maxLen int) *sendQueue {
	q := &sendQueue{maxLen: maxLen}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends env if there is room. It never blocks.
func (q *sendQueue) Enqueue(env signaling.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.maxLen {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, env)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an envelope is available or the queue is closed.
// Items still queued at Close are discarded.
func (q *sendQueue) Dequeue() (signaling.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return signaling.Envelope{}, false
	}
	env := q.items[0]
	q.items[0] = signaling.Envelope{}
	q.items = q.items[1:]
	return env, true
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
