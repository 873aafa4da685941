// Package queue holds the pending-request FIFO shared between caller
// goroutines and the single dispatch worker. The mutex is held only for
// the duration of an append or remove, never across process spawns or I/O.
package queue

import (
	"sync"

	"github.com/mattjoyce/webrelay/internal/webreq"
)

// Queue is a thread-safe FIFO of pending request records with a wake
// signal for the worker.
type Queue struct {
	mu     sync.Mutex
	items  []*webreq.Record
	closed bool
	wake   chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Push appends a record and signals the worker. Never blocks. Returns
// false once the queue has been drained for shutdown: a push racing the
// final drain must not leave a record behind undelivered.
func (q *Queue) Push(rec *webreq.Record) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, rec)
	q.mu.Unlock()

	// Coalesced wake: one pending signal is enough, the worker drains
	// the queue until empty.
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the oldest record. Returns (nil, false) when
// the queue is empty.
func (q *Queue) Pop() (*webreq.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	rec := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return rec, true
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake returns the channel the worker blocks on while the queue is empty.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Drain removes and returns all pending records, oldest first, and
// closes the queue to further pushes. Used at shutdown so queued
// requests can be failed rather than silently dropped.
func (q *Queue) Drain() []*webreq.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := q.items
	q.items = nil
	return out
}
