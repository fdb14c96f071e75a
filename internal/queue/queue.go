// Package queue is the bounded multi-producer single-consumer diff queue
// between producers and the engine. Producers block for space rather than
// drop; the consumer can push a rate-limited diff back to the head.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/marcus/taskmirror/internal/model"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("queue closed")

// Item is one pending diff for a canonical task.
type Item struct {
	TaskID string
	Diff   model.Diff
}

// Queue is a bounded FIFO with a small head buffer for requeues. The head
// buffer is only touched by the single consumer, so Get sees requeued
// items strictly before channel items.
type Queue struct {
	ch chan Item

	mu     sync.Mutex
	closed bool

	front []Item
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Item, capacity)}
}

// Put appends an item, blocking for space. It returns ErrClosed after
// Close and ctx.Err() on cancellation.
func (q *Queue) Put(ctx context.Context, it Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.ch <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutFront re-enqueues an item at the head. Only the consumer calls this
// (for rate-limited retries), so it never blocks: the item was just taken
// off the queue and net occupancy does not grow.
func (q *Queue) PutFront(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.front = append([]Item{it}, q.front...)
}

// Get blocks for the next item. ok is false when the queue is closed and
// fully drained, or the context is cancelled.
func (q *Queue) Get(ctx context.Context) (Item, bool) {
	if it, ok := q.popFront(); ok {
		return it, true
	}
	select {
	case it, ok := <-q.ch:
		return it, ok
	case <-ctx.Done():
		return Item{}, false
	}
}

// TryGet returns the next item without blocking.
func (q *Queue) TryGet() (Item, bool) {
	if it, ok := q.popFront(); ok {
		return it, true
	}
	select {
	case it, ok := <-q.ch:
		return it, ok
	default:
		return Item{}, false
	}
}

func (q *Queue) popFront() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.front) == 0 {
		return Item{}, false
	}
	it := q.front[0]
	q.front = q.front[1:]
	return it, true
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front) + len(q.ch)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting new items. Pending items remain retrievable until
// drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
