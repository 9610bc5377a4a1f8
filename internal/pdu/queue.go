package pdu

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of PDUs. Add never blocks; Take blocks until a
// PDU is available or the queue is closed.
type Queue struct {
	mu     sync.Mutex
	items  []*PDU
	closed bool

	ready chan struct{}
	done  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Add appends p. The caller gives up p.
func (q *Queue) Add(p *PDU) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.signal()
}

// Take removes and returns the oldest PDU. It returns false once the queue is
// closed or ctx is done.
func (q *Queue) Take(ctx context.Context) (*PDU, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return p, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close wakes every Take and discards queued PDUs. It is safe to call more
// than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

// Len returns the number of queued PDUs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
