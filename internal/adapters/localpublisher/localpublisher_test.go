package localpublisher

import (
	"testing"
	"time"

	"github.com/beamsync/bsas/internal/ports"
)

func TestOpenPostSnapshot(t *testing.T) {
	p := New()
	desc := ports.TableDescriptor{Labels: []string{"v"}, IsArray: []bool{false}, ScalarTag: []string{"double"}}
	h, err := p.Open("fooTBL", desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, ok := p.Snapshot("fooTBL"); ok {
		t.Fatalf("Snapshot before any Post should report ok=false")
	}

	snap := ports.TableSnapshot{Descriptor: desc, Columns: []any{[]float64{1.5}}, SecondsPastEpoch: []int64{1}, Nanoseconds: []int64{2}}
	if err := p.Post(h, snap, nil); err != nil {
		t.Fatalf("Post: %v", err)
	}

	got, ok := p.Snapshot("fooTBL")
	if !ok {
		t.Fatalf("expected a snapshot after Post")
	}
	if got.Columns[0].([]float64)[0] != 1.5 {
		t.Fatalf("Snapshot columns = %v, want [1.5]", got.Columns)
	}
}

func TestPostOnClosedHandleIsSilentlyIgnored(t *testing.T) {
	p := New()
	desc := ports.TableDescriptor{Labels: []string{"v"}}
	h, _ := p.Open("fooTBL", desc)
	_ = p.Close(h)

	if err := p.Post(h, ports.TableSnapshot{}, nil); err != nil {
		t.Fatalf("Post on a closed handle should return nil, got %v", err)
	}
	if _, ok := p.Snapshot("fooTBL"); ok {
		t.Fatalf("Snapshot should report absent after Close")
	}
}

func TestOpenSameNameTwiceRetiresOldHandle(t *testing.T) {
	p := New()
	desc := ports.TableDescriptor{Labels: []string{"v"}}
	h1, _ := p.Open("fooTBL", desc)
	h2, _ := p.Open("fooTBL", desc)

	if err := p.Post(h1, ports.TableSnapshot{Columns: []any{"stale"}}, nil); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, ok := p.Snapshot("fooTBL"); ok {
		t.Fatalf("posting to a retired handle must not resurrect the table")
	}
	if err := p.Post(h2, ports.TableSnapshot{Columns: []any{"fresh"}}, nil); err != nil {
		t.Fatalf("Post: %v", err)
	}
	got, ok := p.Snapshot("fooTBL")
	if !ok || got.Columns[0] != "fresh" {
		t.Fatalf("Snapshot = %+v, want the value posted through the newer handle", got)
	}
}

func TestSubscribeReceivesFuturePosts(t *testing.T) {
	p := New()
	desc := ports.TableDescriptor{Labels: []string{"v"}}
	h, _ := p.Open("fooTBL", desc)

	ch, unsubscribe := p.Subscribe("fooTBL")
	defer unsubscribe()

	if err := p.Post(h, ports.TableSnapshot{Columns: []any{"a"}}, nil); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case snap := <-ch:
		if snap.Columns[0] != "a" {
			t.Fatalf("received %v, want a", snap.Columns)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a subscribed update")
	}
}

func TestSubscribeUnknownTableReturnsClosedChannel(t *testing.T) {
	p := New()
	ch, _ := p.Subscribe("missing")
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected a closed channel for an unknown table")
		}
	default:
		t.Fatalf("expected the channel to be immediately closed, not block")
	}
}

func TestControlPointOpenWriteClose(t *testing.T) {
	p := New()
	var got []string
	if err := p.OpenControl("fooSIG", func(list []string) error {
		got = list
		return nil
	}); err != nil {
		t.Fatalf("OpenControl: %v", err)
	}

	if err := p.Write("fooSIG", []string{"a", "b"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("onSet received %v, want [a b]", got)
	}

	if err := p.CloseControl("fooSIG"); err != nil {
		t.Fatalf("CloseControl: %v", err)
	}
	if err := p.Write("fooSIG", []string{"c"}); err == nil {
		t.Fatalf("expected an error writing to a closed control point")
	}
}

func TestOpenControlRejectsDuplicateName(t *testing.T) {
	p := New()
	noop := func([]string) error { return nil }
	if err := p.OpenControl("fooSIG", noop); err != nil {
		t.Fatalf("OpenControl: %v", err)
	}
	if err := p.OpenControl("fooSIG", noop); err == nil {
		t.Fatalf("expected an error opening the same control point name twice")
	}
}

func TestAsControlPointDelegatesToPublisher(t *testing.T) {
	p := New()
	cp := p.AsControlPoint()
	var got []string
	if err := cp.Open("fooSIG", func(list []string) error { got = list; return nil }); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Write("fooSIG", []string{"z"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 1 || got[0] != "z" {
		t.Fatalf("got = %v, want [z]", got)
	}
	if err := cp.Close("fooSIG"); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
