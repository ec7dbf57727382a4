package events

import "sync/atomic"

const defaultQueueSize = 256

// Queue is a Dispatcher backed by a buffered channel. Dispatch never blocks;
// events are dropped when the buffer is full.
type Queue struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewQueue returns a queue with the given buffer size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{ch: make(chan Event, size)}
}

// Dispatch implements the Dispatcher interface.
func (q *Queue) Dispatch(ev Event) {
	if q == nil || ev == nil {
		return
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

// Events exposes the receive side of the queue.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
