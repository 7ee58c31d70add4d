// Package samplequeue implements the bounded per-Subscription FIFO from
// spec §4.1 (I5). It is adapted from the teacher's
// internal/adapters/queue.MemQueue: same bounded-slice-plus-mutex shape,
// but overflow behaviour is drop-from-the-back-then-append rather than
// reject-when-full, since a Subscription must always accept the newest
// sample.
package samplequeue

import (
	"sync"

	"github.com/beamsync/bsas/internal/domain"
)

// Queue is a bounded FIFO of Samples. When a push would exceed limit, the
// newest already-queued entries are dropped from the back until there is
// room (spec I5: "overflow drops from the tail-end"). Overflow accounting
// is the caller's responsibility (Subscription.onEvent compares queue
// length before/after Push into its own Counters.Overflows, which is what
// the STS status table and bsasStatReset actually observe), so Queue
// itself keeps no overflow counter.
type Queue struct {
	mu    sync.Mutex
	data  []*domain.Sample
	limit int
}

// New creates a Queue with the given initial limit.
func New(limit int) *Queue {
	if limit < 1 {
		limit = 1
	}
	return &Queue{limit: limit}
}

// SetLimit adjusts the bound in effect for future pushes (spec §4.1's
// dynamic queue sizing). It never truncates the current contents; the
// next push enforces the new limit.
func (q *Queue) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

// Push appends s, evicting from the back first if the queue is at
// capacity. It reports whether the queue was empty before the push, so
// the caller can edge-trigger a wakeup.
func (q *Queue) Push(s *domain.Sample) (wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wasEmpty = len(q.data) == 0
	for len(q.data) >= q.limit {
		q.data = q.data[:len(q.data)-1]
	}
	q.data = append(q.data, s)
	return wasEmpty
}

// Pop removes and returns the oldest Sample, or nil if the queue is empty.
func (q *Queue) Pop() *domain.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	s := q.data[0]
	q.data = q.data[1:]
	return s
}

// Len returns the number of samples currently buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Truncate shrinks the queue to at most n oldest entries, dropping the
// rest from the tail. Used by the Collector's overflow-shedding path
// (spec §4.2 "truncate every Subscription's queue to 4 samples").
func (q *Queue) Truncate(n int) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) <= n {
		return 0
	}
	dropped = len(q.data) - n
	q.data = q.data[:n]
	return dropped
}

