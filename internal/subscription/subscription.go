// Package subscription implements spec §4.1: a per-column buffer between
// the southbound subscription-client callback thread and the Collector
// worker.
package subscription

import (
	"sync"

	"github.com/beamsync/bsas/internal/adapters/samplequeue"
	"github.com/beamsync/bsas/internal/domain"
	"github.com/beamsync/bsas/internal/ports"
)

// Counters mirrors the STS status-table columns for one column (spec §6).
type Counters struct {
	Updates     uint64
	UpdateBytes uint64
	Disconnects uint64
	Errors      uint64
	Overflows   uint64
}

// Subscription buffers per-signal updates for one column and exposes the
// counters the Coordinator's status table snapshots.
type Subscription struct {
	client ports.SubscriptionClient
	policy ports.Policy
	obs    ports.Observability
	name   string

	notify func() // edge-triggered wakeup, called on empty->non-empty

	queue *samplequeue.Queue

	mu            sync.Mutex
	connected     bool
	everConnected bool
	limit         int
	counters      Counters

	ch     ports.ChannelHandle
	sub    ports.SubHandle
	opened bool
}

// New creates a Subscription for name. It does not open the channel;
// call Open to do so.
func New(name string, client ports.SubscriptionClient, policy ports.Policy, obs ports.Observability, notify func()) *Subscription {
	limit := policy.ScalarQueueDepth
	if limit < 4 {
		limit = 4
	}
	return &Subscription{
		client: client,
		policy: policy,
		obs:    obs,
		name:   name,
		notify: notify,
		queue:  samplequeue.New(limit),
		limit:  limit,
	}
}

// Name returns the bound signal name.
func (s *Subscription) Name() string { return s.name }

// Open subscribes to the source: value+alarm monitor, connect callbacks.
func (s *Subscription) Open() error {
	ch, err := s.client.OpenChannel(s.name, s.onConnect)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	sub, err := s.client.Subscribe(ch, s.onEvent)
	if err != nil {
		_ = s.client.CloseChannel(ch)
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.opened = true
	s.mu.Unlock()
	return nil
}

// Close cancels the subscription and closes the channel. It guarantees
// no callback is in progress once it returns, per spec §4.1 and §5.
func (s *Subscription) Close() {
	s.mu.Lock()
	opened := s.opened
	ch, sub := s.ch, s.sub
	s.opened = false
	s.mu.Unlock()
	if !opened {
		return
	}
	_ = s.client.Cancel(sub)
	_ = s.client.CloseChannel(ch)
}

// onConnect implements on_connect_up / on_connect_down (spec §4.1). A
// connection-state change is not itself a data event: the ground-truth
// collector (collector.cpp) folds a disconnect's bad severity into
// pv.connected and otherwise ignores it, writing no cell. Rather than
// fabricate a wall-clock-keyed Sample to carry that flag through the
// data queue (which would create a slice no EPICS-timestamped data can
// ever align with), the Collector reads Connected/EverConnected here
// directly.
func (s *Subscription) onConnect(up bool) {
	if up {
		s.mu.Lock()
		s.connected = true
		s.everConnected = true
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.connected = false
	s.counters.Disconnects++
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.IncCounter("bsas_disconnects_total", 1)
	}
}

// onEvent implements push_internal (spec §4.1): unsupported types are
// rejected, the queue is resized dynamically, overflow is counted, and
// the Collector is woken on empty->non-empty transitions.
func (s *Subscription) onEvent(ev ports.Event) {
	if ev.ElementType == domain.ElementString {
		s.mu.Lock()
		s.counters.Errors++
		s.counters.Overflows++
		s.mu.Unlock()
		if s.obs != nil {
			s.obs.LogError("subscription_unsupported_type", errUnsupportedString(s.name))
			s.obs.IncCounter("bsas_errors_total", 1)
		}
		return
	}

	limit := s.policy.ScalarQueueDepth
	if ev.Count > 16 {
		limit = s.policy.ArrayQueueDepth
	}
	if limit < 4 {
		limit = 4
	}
	s.mu.Lock()
	s.limit = limit
	s.mu.Unlock()
	s.queue.SetLimit(limit)

	sample := &domain.Sample{
		Key:         domain.KeyFromTime(ev.Timestamp),
		Severity:    ev.Severity,
		Status:      ev.Status,
		Count:       ev.Count,
		ElementType: ev.ElementType,
		Buffer:      ev.Payload,
	}

	before := s.queue.Len()
	wasEmpty := s.queue.Push(sample)
	after := s.queue.Len()

	s.mu.Lock()
	s.counters.Updates++
	s.counters.UpdateBytes += uint64(payloadBytes(ev))
	if after <= before {
		// Push evicted at least one entry to stay within limit.
		s.counters.Overflows += uint64(before - after + 1)
	}
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.IncCounter("bsas_events_total", 1)
	}

	if wasEmpty && s.notify != nil {
		s.notify()
	}
}

// Pop atomically removes and returns the oldest Sample, or nil if empty.
func (s *Subscription) Pop() *domain.Sample { return s.queue.Pop() }

// RecordDuplicate accounts for a duplicate write into an already-occupied
// cell (I3: "dropped with a counter increment"). STS has no dedicated
// duplicate column, so it folds into #Error alongside the wire-layer
// errors onEvent already counts there.
func (s *Subscription) RecordDuplicate() {
	s.mu.Lock()
	s.counters.Errors++
	s.mu.Unlock()
	if s.obs != nil {
		s.obs.IncCounter("bsas_errors_total", 1)
	}
}

// Ready reports whether the queue currently has data to drain.
func (s *Subscription) Ready() bool { return s.queue.Len() > 0 }

// TruncateOverflow shreds the queue down to n entries during the
// Collector's overflow-shedding path (spec §4.2).
func (s *Subscription) TruncateOverflow(n int) {
	dropped := s.queue.Truncate(n)
	if dropped > 0 {
		s.mu.Lock()
		s.counters.Overflows += uint64(dropped)
		s.mu.Unlock()
	}
}

// Connected reports the last-known connection state.
func (s *Subscription) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// EverConnected reports whether this column has ever gone connected,
// used to gate startup completeness (spec §4.2 Open Question (a)).
func (s *Subscription) EverConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everConnected
}

// Snapshot returns a copy of the current counters for the status table.
func (s *Subscription) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// ResetCounters zeroes all counters (bsasStatReset).
func (s *Subscription) ResetCounters() {
	s.mu.Lock()
	s.counters = Counters{}
	s.mu.Unlock()
}

func payloadBytes(ev ports.Event) int {
	n := int(ev.Count)
	if n == 0 {
		n = 1
	}
	switch ev.ElementType {
	case domain.ElementByte:
		return n
	case domain.ElementShort, domain.ElementEnum:
		return n * 2
	case domain.ElementInt, domain.ElementFloat:
		return n * 4
	case domain.ElementDouble:
		return n * 8
	default:
		return n
	}
}

type unsupportedTypeError struct{ name string }

func (e unsupportedTypeError) Error() string {
	return "subscription " + e.name + ": string fields are unsupported"
}

func errUnsupportedString(name string) error { return unsupportedTypeError{name: name} }
