// Package queue provides the bounded in-memory buffer between probe
// execution and reply publication.
package queue

import (
	"sync"

	"github.com/perigeehq/perigee/internal/reply"
)

// ReplyQueue is a bounded FIFO of reply records. When full, the oldest
// record is dropped: stalling the probing path would distort the
// measurements it is buffering.
type ReplyQueue struct {
	mu       sync.Mutex
	capacity int
	items    []reply.Reply
	dropped  uint64
}

// NewReplyQueue builds a queue holding at most capacity records.
func NewReplyQueue(capacity int) *ReplyQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReplyQueue{
		capacity: capacity,
		items:    make([]reply.Reply, 0, capacity),
	}
}

// Enqueue appends a record, evicting the oldest one if the queue is
// full. It reports whether an eviction happened.
func (q *ReplyQueue) Enqueue(r reply.Reply) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, r)
	return dropped
}

// Drain removes and returns up to max records in FIFO order; max <= 0
// drains everything.
func (q *ReplyQueue) Drain(max int) []reply.Reply {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	drained := make([]reply.Reply, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	return drained
}

// Len returns the number of buffered records.
func (q *ReplyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats reports the current depth and the total evictions.
type Stats struct {
	Len     int
	Dropped uint64
}

func (q *ReplyQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Len: len(q.items), Dropped: q.dropped}
}
