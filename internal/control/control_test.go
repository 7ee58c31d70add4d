package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beamsync/bsas/internal/adapters/localpublisher"
	"github.com/beamsync/bsas/internal/coordinator"
	"github.com/beamsync/bsas/internal/ports"
)

type fakeClient struct{}

func (fakeClient) OpenChannel(name string, onConnect func(bool)) (ports.ChannelHandle, error) {
	return 1, nil
}
func (fakeClient) Subscribe(ch ports.ChannelHandle, onEvent func(ports.Event)) (ports.SubHandle, error) {
	return ports.SubHandle(ch), nil
}
func (fakeClient) Cancel(sub ports.SubHandle) error         { return nil }
func (fakeClient) CloseChannel(ch ports.ChannelHandle) error { return nil }

type fakeObs struct{}

func (fakeObs) LogInfo(msg string, fields ...ports.Field)                {}
func (fakeObs) LogError(msg string, err error, fields ...ports.Field)    {}
func (fakeObs) LogCritical(msg string, err error, fields ...ports.Field) {}
func (fakeObs) IncCounter(name string, v float64)                       {}
func (fakeObs) ObserveLatency(name string, v float64)                   {}
func (fakeObs) SetGauge(name string, v float64)                         {}

func testPolicy() ports.Policy {
	return ports.Policy{
		MaxEventRate:     20,
		MaxEventAge:      200 * time.Millisecond,
		FlushPeriod:      2 * time.Millisecond,
		ScalarQueueDepth: 130,
		ArrayQueueDepth:  15,
	}
}

func newCoordinator(t *testing.T, pub *localpublisher.Publisher, prefix string, names []string) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New(coordinator.Config{
		Prefix:  prefix,
		Names:   names,
		Client:  fakeClient{},
		Policy:  testPolicy(),
		Obs:     fakeObs{},
		Pub:     pub,
		Control: pub.AsControlPoint(),
	})
	if err != nil {
		t.Fatalf("coordinator.New(%s): %v", prefix, err)
	}
	return c
}

func TestTableAddRejectsAfterStart(t *testing.T) {
	pub := localpublisher.New()
	r := NewRegistry()
	c1 := newCoordinator(t, pub, "foo", []string{"a"})
	if err := r.TableAdd("foo", c1); err != nil {
		t.Fatalf("TableAdd before start: %v", err)
	}
	r.Start()
	defer r.Close()

	c2 := newCoordinator(t, pub, "bar", []string{"b"})
	if err := r.TableAdd("bar", c2); err == nil {
		t.Fatalf("expected TableAdd to be rejected after Start")
	}
}

func TestTableAddRejectsDuplicatePrefix(t *testing.T) {
	pub := localpublisher.New()
	r := NewRegistry()
	c1 := newCoordinator(t, pub, "foo", []string{"a"})
	if err := r.TableAdd("foo", c1); err != nil {
		t.Fatalf("TableAdd: %v", err)
	}
	// A separate publisher, since "fooSIG" is already open on pub.
	c2 := newCoordinator(t, localpublisher.New(), "foo", []string{"b"})
	if err := r.TableAdd("foo", c2); err == nil {
		t.Fatalf("expected an error registering a duplicate prefix")
	}
}

func TestPrefixesReturnsRegistrationOrder(t *testing.T) {
	pub := localpublisher.New()
	r := NewRegistry()
	_ = r.TableAdd("foo", newCoordinator(t, pub, "foo", []string{"a"}))
	_ = r.TableAdd("bar", newCoordinator(t, pub, "bar", []string{"b"}))

	got := r.Prefixes()
	if len(got) != 2 || got[0] != "foo" || got[1] != "bar" {
		t.Fatalf("Prefixes() = %v, want [foo bar]", got)
	}
}

func waitForSnapshot(t *testing.T, pub *localpublisher.Publisher, table string) ports.TableSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := pub.Snapshot(table); ok {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a snapshot of %s", table)
	return ports.TableSnapshot{}
}

func TestStartRunsEveryRegisteredCoordinator(t *testing.T) {
	pub := localpublisher.New()
	r := NewRegistry()
	_ = r.TableAdd("foo", newCoordinator(t, pub, "foo", []string{"a"}))
	_ = r.TableAdd("bar", newCoordinator(t, pub, "bar", []string{"b"}))
	r.Start()
	defer r.Close()

	waitForSnapshot(t, pub, "fooSIG")
	waitForSnapshot(t, pub, "barSIG")
}

func TestStatResetSinglePrefixAndAll(t *testing.T) {
	pub := localpublisher.New()
	r := NewRegistry()
	_ = r.TableAdd("foo", newCoordinator(t, pub, "foo", []string{"a"}))
	r.Start()
	defer r.Close()

	if err := r.StatReset(nil); err != nil {
		t.Fatalf("StatReset(nil): %v", err)
	}
	prefix := "foo"
	if err := r.StatReset(&prefix); err != nil {
		t.Fatalf("StatReset(&foo): %v", err)
	}
	unknown := "missing"
	if err := r.StatReset(&unknown); err == nil {
		t.Fatalf("expected an error resetting an unknown prefix")
	}
}

func TestTableSetReadsFileAndPushesNames(t *testing.T) {
	pub := localpublisher.New()
	r := NewRegistry()
	_ = r.TableAdd("foo", newCoordinator(t, pub, "foo", []string{"a"}))
	r.Start()
	defer r.Close()
	waitForSnapshot(t, pub, "fooSIG")

	dir := t.TempDir()
	path := filepath.Join(dir, "signals.txt")
	content := "# comment\n\n  sig1  \nsig2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write signal file: %v", err)
	}

	if err := r.TableSet("foo", path); err != nil {
		t.Fatalf("TableSet: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var lines []coordinator.ReportLine
	for time.Now().Before(deadline) {
		lines = r.Report(3)
		if len(lines) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(lines) != 2 || lines[0].Name != "sig1" || lines[1].Name != "sig2" {
		t.Fatalf("Report(3) after TableSet = %+v, want sig1/sig2 (comment and blank line skipped)", lines)
	}
}

func TestTableSetUnknownPrefix(t *testing.T) {
	r := NewRegistry()
	if err := r.TableSet("missing", "/nonexistent"); err == nil {
		t.Fatalf("expected an error for an unknown prefix")
	}
}

func TestReportLevelZeroReturnsNil(t *testing.T) {
	pub := localpublisher.New()
	r := NewRegistry()
	_ = r.TableAdd("foo", newCoordinator(t, pub, "foo", []string{"a"}))
	if got := r.Report(0); got != nil {
		t.Fatalf("Report(0) = %v, want nil", got)
	}
}

func TestCloseShutsDownEveryCoordinator(t *testing.T) {
	pub := localpublisher.New()
	r := NewRegistry()
	_ = r.TableAdd("foo", newCoordinator(t, pub, "foo", []string{"a"}))
	r.Start()
	waitForSnapshot(t, pub, "fooSIG")

	r.Close()

	if err := pub.Write("fooSIG", []string{"x"}); err == nil {
		t.Fatalf("expected the SIG control point to be closed after registry Close")
	}
}
