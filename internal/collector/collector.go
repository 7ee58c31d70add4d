// Package collector implements spec §4.2: the single-writer worker that
// drains every column's Subscription, assembles per-timestamp rows, and
// emits completed slices to registered Receivers in strictly increasing
// key order.
package collector

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamsync/bsas/internal/domain"
	"github.com/beamsync/bsas/internal/ports"
	"github.com/beamsync/bsas/internal/subscription"
)

// maxCarriedPartials bounds how many still-incomplete slices the worker
// keeps waiting behind the oldest blocker (spec I4's "trim events to at
// most 4 carried-over partial slices").
const maxCarriedPartials = 4

// truncateOverflowDepth is how far a Subscription's queue is shed when
// the pending-slice map overflows (spec §4.2 dequeue phase).
const truncateOverflowDepth = 4

type pvState struct {
	sub   *subscription.Subscription
	ready bool
}

// Collector drains all Subscriptions, indexes samples by timestamp key,
// and publishes completed slices in key order to every registered
// Receiver.
type Collector struct {
	obs    ports.Observability
	policy ports.Policy

	mu        sync.Mutex
	pvs       []*pvState
	names     []string
	receivers map[ports.Receiver]struct{}
	waiting   bool
	run       bool

	wakeupCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}

	// worker-local state, touched only by the run() goroutine.
	events           map[domain.Key]*ports.Row
	keysAsc          []domain.Key
	oldestEmittedKey domain.Key
	nOverflow        atomic.Uint64
}

// New creates one Subscription per name, opens it against client, and
// starts the worker goroutine. priority is accepted for interface parity
// with the original worker-priority knob; Go's scheduler gives no
// equivalent lever, so it is advisory only and surfaced via a log line.
func New(client ports.SubscriptionClient, names []string, policy ports.Policy, obs ports.Observability, priority int) (*Collector, error) {
	c := &Collector{
		obs:              obs,
		policy:           policy,
		names:            append([]string(nil), names...),
		receivers:        make(map[ports.Receiver]struct{}),
		wakeupCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		events:           make(map[domain.Key]*ports.Row),
		oldestEmittedKey: domain.Key(math.MinInt64),
		run:              true,
	}

	c.pvs = make([]*pvState, len(names))
	for i, name := range names {
		idx := i
		sub := subscription.New(name, client, policy, obs, func() { c.notEmpty(idx) })
		c.pvs[i] = &pvState{sub: sub}
	}

	for i, pv := range c.pvs {
		if err := pv.sub.Open(); err != nil {
			for j := 0; j < i; j++ {
				c.pvs[j].sub.Close()
			}
			return nil, err
		}
	}

	if obs != nil {
		obs.LogInfo("collector_started", ports.Field{Key: "columns", Value: len(names)}, ports.Field{Key: "priority", Value: priority})
	}

	go c.run_()
	return c, nil
}

// Names returns the column names this Collector was constructed with.
func (c *Collector) Names() []string { return append([]string(nil), c.names...) }

// Subscription exposes column i's Subscription, or nil if i is out of
// range; used by tests and by the Coordinator's status table.
func (c *Collector) Subscription(i int) *subscription.Subscription {
	if i < 0 || i >= len(c.pvs) {
		return nil
	}
	return c.pvs[i].sub
}

// notEmpty is the callback a Subscription invokes on an empty->non-empty
// transition (spec §4.1/§4.2).
func (c *Collector) notEmpty(column int) {
	c.mu.Lock()
	c.pvs[column].ready = true
	wasWaiting := c.waiting
	c.waiting = false
	c.mu.Unlock()

	if wasWaiting {
		select {
		case c.wakeupCh <- struct{}{}:
		default:
		}
	}
}

// AddReceiver registers r and immediately, synchronously, and outside the
// lock, calls r.Names(current column names).
func (c *Collector) AddReceiver(r ports.Receiver) {
	c.mu.Lock()
	c.receivers[r] = struct{}{}
	names := append([]string(nil), c.names...)
	c.mu.Unlock()
	r.Names(names)
}

// RemoveReceiver unregisters r.
func (c *Collector) RemoveReceiver(r ports.Receiver) {
	c.mu.Lock()
	delete(c.receivers, r)
	c.mu.Unlock()
}

// Close stops the worker, joins it, and closes every Subscription. It is
// safe to call once; subsequent calls are no-ops.
func (c *Collector) Close() {
	c.mu.Lock()
	if !c.run {
		c.mu.Unlock()
		return
	}
	c.run = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh

	for _, pv := range c.pvs {
		pv.sub.Close()
	}
}

func (c *Collector) receiverSnapshot() []ports.Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.Receiver, 0, len(c.receivers))
	for r := range c.receivers {
		out = append(out, r)
	}
	return out
}

func (c *Collector) run_() {
	defer close(c.doneCh)

	for {
		c.mu.Lock()
		running := c.run
		c.mu.Unlock()
		if !running {
			return
		}

		c.dequeue()
		completed := c.test()

		if len(completed) > 0 {
			for _, r := range c.receiverSnapshot() {
				r.Slices(completed)
			}
		}
		if c.obs != nil {
			c.obs.SetGauge("bsas_pending_slices", float64(len(c.events)))
		}

		select {
		case <-time.After(c.policy.FlushPeriod):
		case <-c.stopCh:
			return
		}

		c.mu.Lock()
		waiting := c.waiting
		c.mu.Unlock()
		if waiting {
			select {
			case <-c.wakeupCh:
			case <-c.stopCh:
				return
			}
		}
	}
}

// dequeue implements the round-robin drain phase (spec §4.2 step 1).
func (c *Collector) dequeue() {
	for {
		popped := 0
		for i, pv := range c.pvs {
			c.mu.Lock()
			ready := pv.ready
			c.mu.Unlock()
			if !ready {
				continue
			}
			s := pv.sub.Pop()
			if s == nil {
				c.mu.Lock()
				pv.ready = false
				c.mu.Unlock()
				continue
			}
			popped++
			c.applySample(i, s)
		}

		if popped == 0 {
			c.mu.Lock()
			c.waiting = true
			c.mu.Unlock()
			return
		}

		if len(c.events) >= c.policy.PendingLimit() {
			c.nOverflow.Add(1)
			if c.obs != nil {
				c.obs.IncCounter("bsas_overflows_total", 1)
			}
			for _, pv := range c.pvs {
				pv.sub.TruncateOverflow(truncateOverflowDepth)
			}
			return
		}
	}
}

func (c *Collector) applySample(column int, s *domain.Sample) {
	pv := c.pvs[column]

	if s.Key <= c.oldestEmittedKey {
		// Leftover: a key at or before the emission watermark can never
		// be inserted again (I5/P5).
		return
	}

	row, ok := c.events[s.Key]
	if !ok {
		row = &ports.Row{Key: s.Key, Cells: make([]*domain.Sample, len(c.pvs))}
		c.events[s.Key] = row
		c.insertSortedKey(s.Key)
	}
	if row.Cells[column] != nil {
		// I3: duplicate write into an occupied cell is dropped with a
		// counter increment.
		if c.obs != nil {
			c.obs.LogInfo("collector_duplicate_key_dropped",
				ports.Field{Key: "column", Value: column}, ports.Field{Key: "key", Value: int64(s.Key)})
		}
		pv.sub.RecordDuplicate()
		return
	}
	row.Cells[column] = s
}

func (c *Collector) insertSortedKey(k domain.Key) {
	i := sort.Search(len(c.keysAsc), func(i int) bool { return c.keysAsc[i] >= k })
	c.keysAsc = append(c.keysAsc, 0)
	copy(c.keysAsc[i+1:], c.keysAsc[i:])
	c.keysAsc[i] = k
}

// test implements spec §4.2 step 2: find the newest blocking slice
// (incomplete, or too old — in which case the block dissolves and
// everything at or below it force-flushes) and move everything strictly
// older into the completed batch, in ascending key order.
func (c *Collector) test() []ports.Row {
	now := domain.KeyFromTime(time.Now())
	n := len(c.keysAsc)

	partialIdx := -1
	for i := n - 1; i >= 0; i-- {
		key := c.keysAsc[i]
		if key.Age(now) >= c.policy.MaxEventAge {
			partialIdx = -1
			c.nOverflow.Add(1)
			if c.obs != nil {
				c.obs.IncCounter("bsas_overflows_total", 1)
			}
			break
		}
		if c.isIncomplete(c.events[key]) {
			partialIdx = i
			break
		}
	}

	cutoff := n
	if partialIdx != -1 {
		cutoff = partialIdx
	}

	completed := make([]ports.Row, 0, cutoff)
	for i := 0; i < cutoff; i++ {
		key := c.keysAsc[i]
		completed = append(completed, *c.events[key])
		delete(c.events, key)
		if key > c.oldestEmittedKey {
			c.oldestEmittedKey = key
		}
		if c.obs != nil {
			c.obs.ObserveLatency("bsas_flush_latency_seconds", key.Age(now).Seconds())
		}
	}
	c.keysAsc = c.keysAsc[cutoff:]

	if len(c.keysAsc) > maxCarriedPartials {
		excess := len(c.keysAsc) - maxCarriedPartials
		for i := 0; i < excess; i++ {
			delete(c.events, c.keysAsc[i])
		}
		c.keysAsc = c.keysAsc[excess:]
		c.nOverflow.Add(uint64(excess))
		if c.obs != nil {
			c.obs.IncCounter("bsas_overflows_total", float64(excess))
		}
	}

	return completed
}

// isIncomplete implements the completeness test from spec §4.2 with the
// generalized startup gating from Open Question (a): a column that has
// never connected blocks completion while absent, exactly like a
// currently-connected column; only a column that has connected before and
// is now disconnected tolerates absence. Connection state is read live
// off each column's Subscription rather than cached from popped samples,
// since a disconnect is a connection-state transition, not a data event
// (ground truth collector.cpp only ever updates pv.connected from it and
// writes no cell).
func (c *Collector) isIncomplete(row *ports.Row) bool {
	for i, pv := range c.pvs {
		if row.Cells[i] != nil {
			continue
		}
		if !pv.sub.EverConnected() {
			return true
		}
		if pv.sub.Connected() {
			return true
		}
	}
	return false
}

// Overflows returns the cumulative pending-slice overflow counter.
func (c *Collector) Overflows() uint64 {
	return c.nOverflow.Load()
}
