package queue

import "sync"

// Queue is an unbounded FIFO whose items are delivered in order on a channel.
// Push never blocks, so producers on other goroutines can hand work to a single consumer
// without ever waiting on it.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	notify   chan struct{}
	out      chan T
	stop     chan struct{}
	stopOnce sync.Once
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		stop:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. It returns false if the queue has been closed or stopped.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Out returns the channel items are delivered on. It is closed once the queue is closed and drained, or stopped.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of items not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Items already queued are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Stop closes the queue and drops anything not yet delivered.
func (q *Queue[T]) Stop() {
	q.Close()
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			select {
			case <-q.notify:
			case <-q.stop:
				return
			}
			q.mu.Lock()
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.stop:
			return
		}
	}
}
