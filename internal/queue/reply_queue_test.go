package queue

import (
	"testing"

	"github.com/perigeehq/perigee/internal/reply"
)

func record(ttl uint8) reply.Reply {
	return reply.Reply{ProbeTTL: ttl}
}

func TestEnqueueDrainFIFO(t *testing.T) {
	q := NewReplyQueue(8)
	for ttl := uint8(1); ttl <= 3; ttl++ {
		if q.Enqueue(record(ttl)) {
			t.Fatalf("unexpected drop at ttl %d", ttl)
		}
	}
	drained := q.Drain(0)
	if len(drained) != 3 {
		t.Fatalf("expected 3 records, got %d", len(drained))
	}
	for i, r := range drained {
		if r.ProbeTTL != uint8(i+1) {
			t.Fatalf("record %d out of order: ttl %d", i, r.ProbeTTL)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not emptied")
	}
}

func TestDrainRespectsMax(t *testing.T) {
	q := NewReplyQueue(8)
	for ttl := uint8(1); ttl <= 5; ttl++ {
		q.Enqueue(record(ttl))
	}
	first := q.Drain(2)
	if len(first) != 2 || first[0].ProbeTTL != 1 || first[1].ProbeTTL != 2 {
		t.Fatalf("unexpected first drain %+v", first)
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 remaining, got %d", q.Len())
	}
}

func TestEnqueueEvictsOldestWhenFull(t *testing.T) {
	q := NewReplyQueue(2)
	q.Enqueue(record(1))
	q.Enqueue(record(2))
	if !q.Enqueue(record(3)) {
		t.Fatalf("expected eviction on full queue")
	}
	drained := q.Drain(0)
	if len(drained) != 2 || drained[0].ProbeTTL != 2 || drained[1].ProbeTTL != 3 {
		t.Fatalf("oldest record not evicted: %+v", drained)
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("eviction not counted")
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	q := NewReplyQueue(4)
	if got := q.Drain(0); got != nil {
		t.Fatalf("expected nil drain on empty queue, got %v", got)
	}
}
