package collector

import (
	"sync"
	"testing"
	"time"

	"github.com/beamsync/bsas/internal/domain"
	"github.com/beamsync/bsas/internal/ports"
)

// fakeClient is a minimal in-process ports.SubscriptionClient: each
// column's OpenChannel/Subscribe callbacks are captured and can be
// driven directly by test code via connect/send.
type fakeClient struct {
	mu        sync.Mutex
	next      uint64
	handles   map[string]ports.ChannelHandle
	onConnect map[ports.ChannelHandle]func(bool)
	onEvent   map[ports.ChannelHandle]func(ports.Event)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handles:   make(map[string]ports.ChannelHandle),
		onConnect: make(map[ports.ChannelHandle]func(bool)),
		onEvent:   make(map[ports.ChannelHandle]func(ports.Event)),
	}
}

func (f *fakeClient) OpenChannel(name string, onConnect func(bool)) (ports.ChannelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := ports.ChannelHandle(f.next)
	f.handles[name] = h
	f.onConnect[h] = onConnect
	return h, nil
}

func (f *fakeClient) Subscribe(ch ports.ChannelHandle, onEvent func(ports.Event)) (ports.SubHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent[ch] = onEvent
	return ports.SubHandle(ch), nil
}

func (f *fakeClient) Cancel(sub ports.SubHandle) error { return nil }

func (f *fakeClient) CloseChannel(ch ports.ChannelHandle) error { return nil }

func (f *fakeClient) connect(name string, up bool) {
	f.mu.Lock()
	h := f.handles[name]
	cb := f.onConnect[h]
	f.mu.Unlock()
	cb(up)
}

func (f *fakeClient) send(name string, ev ports.Event) {
	f.mu.Lock()
	h := f.handles[name]
	cb := f.onEvent[h]
	f.mu.Unlock()
	cb(ev)
}

type fakeObs struct{}

func (fakeObs) LogInfo(msg string, fields ...ports.Field)                {}
func (fakeObs) LogError(msg string, err error, fields ...ports.Field)    {}
func (fakeObs) LogCritical(msg string, err error, fields ...ports.Field) {}
func (fakeObs) IncCounter(name string, v float64)                       {}
func (fakeObs) ObserveLatency(name string, v float64)                   {}
func (fakeObs) SetGauge(name string, v float64)                         {}

// fakeReceiver collects every batch handed to it on a channel so tests
// can wait on delivery instead of polling.
type fakeReceiver struct {
	batches chan []ports.Row
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{batches: make(chan []ports.Row, 16)}
}

func (r *fakeReceiver) Names(names []string) {}
func (r *fakeReceiver) Slices(batch []ports.Row) {
	r.batches <- batch
}

func testPolicy() ports.Policy {
	return ports.Policy{
		MaxEventRate:     20,
		MaxEventAge:      200 * time.Millisecond,
		FlushPeriod:      2 * time.Millisecond,
		ScalarQueueDepth: 130,
		ArrayQueueDepth:  15,
	}
}

func waitBatch(t *testing.T, r *fakeReceiver) []ports.Row {
	t.Helper()
	select {
	case b := <-r.batches:
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a slice batch")
		return nil
	}
}

func expectNoBatch(t *testing.T, r *fakeReceiver) {
	t.Helper()
	select {
	case b := <-r.batches:
		t.Fatalf("expected no batch, got %v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func doubleEvent(seconds int64, v float64) ports.Event {
	return ports.Event{
		ElementType: domain.ElementDouble,
		Count:       1,
		Severity:    domain.SeverityNone,
		Timestamp:   time.Unix(seconds, 0),
		Payload:     []float64{v},
	}
}

func TestCollectorBlocksUntilEveryColumnHasEverConnected(t *testing.T) {
	client := newFakeClient()
	recv := newFakeReceiver()
	col, err := New(client, []string{"a", "b"}, testPolicy(), fakeObs{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer col.Close()
	col.AddReceiver(recv)

	client.connect("a", true)
	client.connect("b", true)
	// A key a minute ahead of now stays clear of the MaxEventAge force-flush,
	// so only b's absence can hold the slice back.
	ts := time.Now().Unix() + 60
	client.send("a", doubleEvent(ts, 1.0))

	expectNoBatch(t, recv)

	client.send("b", doubleEvent(ts, 2.0))

	batch := waitBatch(t, recv)
	if len(batch) != 1 {
		t.Fatalf("batch length = %d, want 1", len(batch))
	}
	if batch[0].Cells[0] == nil || batch[0].Cells[1] == nil {
		t.Fatalf("expected both cells populated, got %+v", batch[0])
	}
}

func TestCollectorEmitsAfterAConnectedColumnGoesDisconnected(t *testing.T) {
	client := newFakeClient()
	recv := newFakeReceiver()
	col, err := New(client, []string{"a", "b"}, testPolicy(), fakeObs{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer col.Close()
	col.AddReceiver(recv)

	client.connect("a", true)
	client.connect("b", true)
	client.send("a", doubleEvent(2000, 1.0))
	client.send("b", doubleEvent(2000, 2.0))
	waitBatch(t, recv)

	client.send("a", doubleEvent(2001, 3.0))
	client.connect("b", false)
	// b's connect-down flips its live Connected() state immediately; the
	// slice at 2001 stops waiting on b and completes with b's cell absent.
	batch := waitBatch(t, recv)
	if len(batch) == 0 {
		t.Fatalf("expected at least one row once column b is a known disconnect")
	}
}

func TestCollectorDropsDuplicateWriteToOccupiedCell(t *testing.T) {
	client := newFakeClient()
	recv := newFakeReceiver()
	col, err := New(client, []string{"a"}, testPolicy(), fakeObs{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer col.Close()
	col.AddReceiver(recv)

	client.connect("a", true)
	client.send("a", doubleEvent(3000, 1.0))
	client.send("a", doubleEvent(3000, 2.0)) // duplicate key, same column

	batch := waitBatch(t, recv)
	if len(batch) != 1 {
		t.Fatalf("batch length = %d, want 1", len(batch))
	}
	got := batch[0].Cells[0].Buffer.([]float64)[0]
	if got != 1.0 {
		t.Fatalf("cell value = %v, want the first write (1.0) preserved over the duplicate", got)
	}
	if errs := col.Subscription(0).Snapshot().Errors; errs != 1 {
		t.Fatalf("Errors counter = %d, want 1 after the duplicate write is dropped", errs)
	}
}

func TestCollectorDisconnectLeavesCellAbsentRatherThanWritingASentinel(t *testing.T) {
	client := newFakeClient()
	recv := newFakeReceiver()
	col, err := New(client, []string{"a", "b"}, testPolicy(), fakeObs{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer col.Close()
	col.AddReceiver(recv)

	client.connect("a", true)
	client.connect("b", true)
	client.send("a", doubleEvent(4000, 1.0))
	client.send("b", doubleEvent(4000, 2.0))
	waitBatch(t, recv)

	client.connect("b", true) // no-op re-affirm, keeps everConnected true
	client.connect("b", false)
	client.send("a", doubleEvent(4001, 9.0))

	// A disconnect is a connection-state transition, not a data event
	// (ground truth collector.cpp: pv.connected flips, no cell is ever
	// written for it). Column b's cell at 4001 stays nil; completeness
	// tolerates its absence because b is a known, ever-connected disconnect.
	batch := waitBatch(t, recv)
	row := batch[0]
	if row.Cells[1] != nil {
		t.Fatalf("expected column b's cell to stay absent on disconnect, got %+v", row.Cells[1])
	}
	if !col.Subscription(1).EverConnected() {
		t.Fatalf("EverConnected() should remain true once a column has connected at least once")
	}
	if col.Subscription(1).Connected() {
		t.Fatalf("Connected() should be false after connect(b, false)")
	}
}

func TestCollectorNamesAndSubscriptionAccessors(t *testing.T) {
	client := newFakeClient()
	col, err := New(client, []string{"a", "b"}, testPolicy(), fakeObs{}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer col.Close()

	if got := col.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names() = %v, want [a b]", got)
	}
	if col.Subscription(0) == nil || col.Subscription(1) == nil {
		t.Fatalf("Subscription(i) should return non-nil for every configured column")
	}
}
