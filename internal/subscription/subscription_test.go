package subscription

import (
	"testing"
	"time"

	"github.com/beamsync/bsas/internal/domain"
	"github.com/beamsync/bsas/internal/ports"
)

type fakeClient struct {
	onConnect func(bool)
	onEvent   func(ports.Event)
	closed    bool
	cancelled bool
}

func (f *fakeClient) OpenChannel(name string, onConnect func(bool)) (ports.ChannelHandle, error) {
	f.onConnect = onConnect
	return ports.ChannelHandle(1), nil
}

func (f *fakeClient) Subscribe(ch ports.ChannelHandle, onEvent func(ports.Event)) (ports.SubHandle, error) {
	f.onEvent = onEvent
	return ports.SubHandle(1), nil
}

func (f *fakeClient) Cancel(sub ports.SubHandle) error {
	f.cancelled = true
	return nil
}

func (f *fakeClient) CloseChannel(ch ports.ChannelHandle) error {
	f.closed = true
	return nil
}

type fakeObs struct{ errors []string }

func (o *fakeObs) LogInfo(msg string, fields ...ports.Field)               {}
func (o *fakeObs) LogError(msg string, err error, fields ...ports.Field)   { o.errors = append(o.errors, msg) }
func (o *fakeObs) LogCritical(msg string, err error, fields ...ports.Field) {}
func (o *fakeObs) IncCounter(name string, v float64)                       {}
func (o *fakeObs) ObserveLatency(name string, v float64)                   {}
func (o *fakeObs) SetGauge(name string, v float64)                         {}

func testPolicy() ports.Policy {
	return ports.Policy{
		ScalarQueueDepth: 4,
		ArrayQueueDepth:  4,
	}
}

func TestOpenSubscribesAndTracksHandles(t *testing.T) {
	client := &fakeClient{}
	sub := New("sig1", client, testPolicy(), &fakeObs{}, nil)
	if err := sub.Open(); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if client.onConnect == nil || client.onEvent == nil {
		t.Fatalf("Open() should register connect/event callbacks")
	}
}

func TestCloseCancelsAndClosesChannel(t *testing.T) {
	client := &fakeClient{}
	sub := New("sig1", client, testPolicy(), &fakeObs{}, nil)
	_ = sub.Open()
	sub.Close()
	if !client.cancelled || !client.closed {
		t.Fatalf("Close() should cancel the subscription and close the channel")
	}
	// A second close should be a no-op, not double-cancel.
	client.cancelled, client.closed = false, false
	sub.Close()
	if client.cancelled || client.closed {
		t.Fatalf("Close() called twice should not re-cancel/re-close")
	}
}

func TestOnConnectUpMarksConnected(t *testing.T) {
	client := &fakeClient{}
	sub := New("sig1", client, testPolicy(), &fakeObs{}, nil)
	_ = sub.Open()
	client.onConnect(true)
	if !sub.Connected() {
		t.Fatalf("expected Connected() == true after onConnect(true)")
	}
}

func TestOnConnectDownFlipsConnectedWithoutQueueing(t *testing.T) {
	client := &fakeClient{}
	notified := false
	sub := New("sig1", client, testPolicy(), &fakeObs{}, func() { notified = true })
	_ = sub.Open()
	client.onConnect(true)
	if !sub.EverConnected() {
		t.Fatalf("expected EverConnected() == true after onConnect(true)")
	}
	client.onConnect(false)

	if sub.Connected() {
		t.Fatalf("expected Connected() == false after onConnect(false)")
	}
	if !sub.EverConnected() {
		t.Fatalf("expected EverConnected() to stay true across a later disconnect")
	}
	// A connect-down is a connection-state transition, not a data event
	// (ground truth collector.cpp never queues one): it must not wake the
	// Collector or occupy a queue slot.
	if notified {
		t.Fatalf("expected notify() not to fire on a disconnect")
	}
	if sub.Ready() {
		t.Fatalf("expected no sample queued by a disconnect")
	}
	if sub.Snapshot().Disconnects != 1 {
		t.Fatalf("Disconnects counter = %d, want 1", sub.Snapshot().Disconnects)
	}
}

func TestOnEventRejectsStringType(t *testing.T) {
	client := &fakeClient{}
	obs := &fakeObs{}
	sub := New("sig1", client, testPolicy(), obs, nil)
	_ = sub.Open()

	client.onEvent(ports.Event{ElementType: domain.ElementString, Count: 1, Timestamp: time.Now()})

	if sub.Ready() {
		t.Fatalf("string-typed events must not be queued")
	}
	snap := sub.Snapshot()
	if snap.Errors != 1 || snap.Overflows != 1 {
		t.Fatalf("snapshot = %+v, want Errors=1 Overflows=1", snap)
	}
	if len(obs.errors) != 1 {
		t.Fatalf("expected one LogError call, got %d", len(obs.errors))
	}
}

func TestOnEventQueuesSampleAndNotifiesOnFirstArrival(t *testing.T) {
	client := &fakeClient{}
	notified := false
	sub := New("sig1", client, testPolicy(), &fakeObs{}, func() { notified = true })
	_ = sub.Open()

	client.onEvent(ports.Event{
		ElementType: domain.ElementDouble,
		Count:       1,
		Severity:    domain.SeverityNone,
		Timestamp:   time.Now(),
		Payload:     []float64{3.14},
	})

	if !notified {
		t.Fatalf("expected notify() on first arrival")
	}
	if !sub.Ready() {
		t.Fatalf("expected a sample to be queued")
	}
	s := sub.Pop()
	if s == nil || s.ElementType != domain.ElementDouble {
		t.Fatalf("unexpected sample: %+v", s)
	}
	if sub.Snapshot().Updates != 1 {
		t.Fatalf("Updates = %d, want 1", sub.Snapshot().Updates)
	}
}

func TestOnEventUsesArrayQueueDepthForLargeCounts(t *testing.T) {
	client := &fakeClient{}
	policy := ports.Policy{ScalarQueueDepth: 130, ArrayQueueDepth: 4}
	sub := New("sig1", client, policy, &fakeObs{}, nil)
	_ = sub.Open()

	for i := 0; i < 6; i++ {
		client.onEvent(ports.Event{
			ElementType: domain.ElementDouble,
			Count:       20, // > 16, routes to ArrayQueueDepth
			Timestamp:   time.Now(),
			Payload:     make([]float64, 20),
		})
	}

	if got := sub.Snapshot().Overflows; got == 0 {
		t.Fatalf("expected overflow accounting once array queue depth (4) is exceeded by 6 pushes")
	}
}

func TestTruncateOverflowCountsDrops(t *testing.T) {
	client := &fakeClient{}
	sub := New("sig1", client, testPolicy(), &fakeObs{}, nil)
	_ = sub.Open()
	for i := 0; i < 4; i++ {
		client.onEvent(ports.Event{ElementType: domain.ElementDouble, Count: 1, Timestamp: time.Now(), Payload: []float64{float64(i)}})
	}
	sub.TruncateOverflow(1)
	if sub.Snapshot().Overflows != 3 {
		t.Fatalf("Overflows = %d, want 3", sub.Snapshot().Overflows)
	}
}

func TestResetCounters(t *testing.T) {
	client := &fakeClient{}
	sub := New("sig1", client, testPolicy(), &fakeObs{}, nil)
	_ = sub.Open()
	client.onConnect(false)
	sub.ResetCounters()
	if snap := sub.Snapshot(); snap != (Counters{}) {
		t.Fatalf("Snapshot() after ResetCounters = %+v, want zero value", snap)
	}
}
