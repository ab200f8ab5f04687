// Package memory provides the in-process ready queue workers pull from.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

// ErrQueueFull is returned when an Enqueue would exceed capacity.
var ErrQueueFull = errors.New("ready queue is full")

// Queue is a bounded in-memory priority queue with context-aware dequeue.
// Items are served highest priority first, FIFO within equal priority.
type Queue struct {
	mu       sync.Mutex
	items    []entry
	seq      uint64
	capacity int
	paused   bool
	closed   bool
	notify   chan struct{}
	done     chan struct{}
}

type entry struct {
	item analysis.QueueItem
	seq  uint64
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue inserts the item at its priority rank. It returns ErrQueueFull
// rather than blocking so submission stays non-blocking.
func (q *Queue) Enqueue(ctx context.Context, item analysis.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("ready queue closed")
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	e := entry{item: item, seq: q.seq}
	idx := sort.Search(len(q.items), func(i int) bool {
		if q.items[i].item.Priority != e.item.Priority {
			return q.items[i].item.Priority < e.item.Priority
		}
		return q.items[i].seq > e.seq
	})
	q.items = append(q.items, entry{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = e
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the next ready item, blocking until one is available, the
// queue closes, or the context ends. A paused queue holds items back.
func (q *Queue) Dequeue(ctx context.Context) (analysis.QueueItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return analysis.QueueItem{}, errors.New("ready queue closed")
		}
		if !q.paused && len(q.items) > 0 {
			item := q.items[0].item
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return analysis.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return analysis.QueueItem{}, errors.New("ready queue closed")
		case <-q.notify:
		}
	}
}

// Remove deletes a waiting item by job ID.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].item.JobID == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Waiting returns the queued items in dequeue order.
func (q *Queue) Waiting() []analysis.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]analysis.QueueItem, len(q.items))
	for i := range q.items {
		out[i] = q.items[i].item
	}
	return out
}

// Pause stops dequeues; queued and newly enqueued items are held.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dequeues and wakes a blocked worker.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Close wakes all blocked dequeuers for shutdown. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
