package eventsource

import "sync"

// signalQueue is an unbounded FIFO in front of a channel, so a slow consumer never
// stalls the read loop.
type signalQueue struct {
	out chan Signal

	mu     sync.Mutex
	items  []Signal
	closed bool
	wake   chan struct{}
}

func newSignalQueue() *signalQueue {
	q := &signalQueue{
		out:  make(chan Signal),
		wake: make(chan struct{}, 1),
	}
	go q.forward()
	return q
}

func (q *signalQueue) push(s Signal) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, s)
	q.mu.Unlock()
	q.notify()
}

// close lets the forwarder drain what is queued and then close out.
func (q *signalQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *signalQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *signalQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		next := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- next
	}
}
