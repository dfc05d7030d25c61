package treenet

import (
	"sync"
)

// packetQueue is the unbounded FIFO between a connection's reader and its
// dispatcher.
type packetQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Packet
	closed bool
}

func newPacketQueue() *packetQueue {
	q := &packetQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// put appends p. It returns false once the queue is closed.
func (q *packetQueue) put(p Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, p)
	q.cond.Signal()
	return true
}

// get blocks until a packet is available. ok is false when the queue is closed
// and drained.
func (q *packetQueue) get() (p Packet, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	p = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

func (q *packetQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *packetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
