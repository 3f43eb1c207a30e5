// Package updatequeue is a bounded queue fed and drained through channels.
// When full it drops the oldest item, so a slow reader never blocks writers.
package updatequeue

import "sync/atomic"

// Queue holds at most a fixed number of items between In and Out.
// T should be small; use pointers for large objects.
type Queue[T any] struct {
	in       chan T
	out      chan T
	queue    []T
	capacity int
	dropped  atomic.Int64
}

// New creates a Queue holding at most capacity items and starts its goroutine.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		in:       make(chan T),
		out:      make(chan T),
		queue:    make([]T, 0, capacity),
		capacity: capacity,
	}
	go q.run()
	return q
}

func (q *Queue[T]) push(val T) {
	if len(q.queue) == q.capacity {
		q.queue = q.queue[1:]
		q.dropped.Add(1)
	}
	q.queue = append(q.queue, val)
}

func (q *Queue[T]) run() {
	for {
		if len(q.queue) == 0 {
			val, ok := <-q.in
			if !ok {
				close(q.out)
				return
			}
			q.push(val)
			continue
		}
		select {
		case q.out <- q.queue[0]:
			q.queue = q.queue[1:]
		case val, ok := <-q.in:
			if !ok {
				// Deliver what is left, then close.
				for _, item := range q.queue {
					q.out <- item
				}
				close(q.out)
				return
			}
			q.push(val)
		}
	}
}

// In returns the input channel. Closing it drains the queue and closes Out.
func (q *Queue[T]) In() chan<- T {
	return q.in
}

// Out returns the output channel.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Dropped returns how many items were discarded because the queue was full.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}
