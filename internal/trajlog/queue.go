package trajlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Overflow policies.
const (
	PolicyDropOldest = "drop_oldest"
	PolicyReject     = "reject"
)

var (
	ErrQueueFull   = errors.New("trajectory queue is full")
	ErrQueueClosed = errors.New("trajectory queue is closed")
)

// Queue is a bounded FIFO of records. Put never blocks: on overflow it either
// evicts the oldest record or rejects the new one, depending on policy.
type Queue struct {
	mu       sync.Mutex
	items    []Record
	capacity int
	policy   string
	dropped  uint64
	closed   bool
	notify   chan struct{}
}

// NewQueue creates a queue with the given capacity and overflow policy.
func NewQueue(capacity int, policy string) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be greater than zero")
	}
	if policy != PolicyDropOldest && policy != PolicyReject {
		return nil, fmt.Errorf("policy must be %q or %q, got %q", PolicyDropOldest, PolicyReject, policy)
	}
	return &Queue{
		items:    make([]Record, 0, capacity),
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
	}, nil
}

// Put inserts rec. With the reject policy a full queue returns ErrQueueFull
// and counts the record as dropped.
func (q *Queue) Put(rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		q.dropped++
		if q.policy == PolicyReject {
			return ErrQueueFull
		}
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, rec)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Take blocks until at least one record is queued and returns up to limit of
// them, oldest first. It returns ErrQueueClosed once the queue is closed and
// empty, or the context error.
func (q *Queue) Take(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1
	}
	for {
		q.mu.Lock()
		if n := len(q.items); n > 0 {
			if n > limit {
				n = limit
			}
			out := make([]Record, n)
			copy(out, q.items[:n])
			q.items = append(q.items[:0], q.items[n:]...)
			q.mu.Unlock()
			return out, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops further inserts and wakes a blocked Take. Queued records can
// still be taken.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Capacity() int {
	return q.capacity
}

func (q *Queue) Policy() string {
	return q.policy
}

// Dropped returns how many records were lost to overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
