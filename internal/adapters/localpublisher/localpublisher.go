// Package localpublisher implements ports.Publisher and ports.ControlPoint
// as an in-process, atomic-swap broadcast store. It is adapted from the
// teacher's pkg/aegisflow.channelSink: the same "latest value plus a set
// of subscriber channels" shape, generalized from one sink's batch stream
// to many independently-opened named tables, and paired with a control
// side (channelSink has no equivalent — the teacher never accepts writes
// back from a consumer) so a same-process caller can drive the SIG write
// path without a network hop.
package localpublisher

import (
	"fmt"
	"sync"

	"github.com/beamsync/bsas/internal/ports"
)

type entry struct {
	mu     sync.RWMutex
	name   string
	desc   ports.TableDescriptor
	latest ports.TableSnapshot
	has    bool
	subs   map[chan ports.TableSnapshot]struct{}
}

func (e *entry) post(snap ports.TableSnapshot) {
	e.mu.Lock()
	e.latest = snap
	e.has = true
	subs := make([]chan ports.TableSnapshot, 0, len(e.subs))
	for ch := range e.subs {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default: // slow subscriber misses an update rather than blocking the publisher
		}
	}
}

// Publisher is an in-memory Publisher/ControlPoint pair keyed by table
// name. Every open table's latest snapshot is retained for late
// subscribers (used heavily by tests and the example programs).
type Publisher struct {
	mu       sync.Mutex
	byName   map[string]*entry
	byHandle map[ports.PublishHandle]*entry
	control  map[string]func([]string) error
	next     uint64
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{
		byName:   make(map[string]*entry),
		byHandle: make(map[ports.PublishHandle]*entry),
		control:  make(map[string]func([]string) error),
	}
}

// Open implements ports.Publisher.
func (p *Publisher) Open(name string, desc ports.TableDescriptor) (ports.PublishHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.byName[name]; ok {
		for h, e := range p.byHandle {
			if e == old {
				delete(p.byHandle, h)
			}
		}
	}

	p.next++
	h := ports.PublishHandle(p.next)
	e := &entry{name: name, desc: desc, subs: make(map[chan ports.TableSnapshot]struct{})}
	p.byName[name] = e
	p.byHandle[h] = e
	return h, nil
}

// Post implements ports.Publisher. Posting on a handle that has since
// been closed is silently ignored (spec §7 "Publish race").
func (p *Publisher) Post(h ports.PublishHandle, snapshot ports.TableSnapshot, changedColumns []bool) error {
	p.mu.Lock()
	e, ok := p.byHandle[h]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	e.post(snapshot)
	return nil
}

// Close implements ports.Publisher.
func (p *Publisher) Close(h ports.PublishHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byHandle[h]
	if !ok {
		return nil
	}
	delete(p.byHandle, h)
	if p.byName[e.name] == e {
		delete(p.byName, e.name)
	}
	return nil
}

// Snapshot returns the most recently posted value for name, if any.
func (p *Publisher) Snapshot(name string) (ports.TableSnapshot, bool) {
	p.mu.Lock()
	e, ok := p.byName[name]
	p.mu.Unlock()
	if !ok {
		return ports.TableSnapshot{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest, e.has
}

// Subscribe returns a channel of future posts to the table currently open
// under name and an unsubscribe function. The channel holds up to 4
// snapshots; a post that finds it full is dropped for that subscriber
// rather than stalling the publisher. If name is not open, the returned
// channel is already closed. Re-opening name starts a new entry, and
// existing subscribers receive no posts made to it.
func (p *Publisher) Subscribe(name string) (<-chan ports.TableSnapshot, func()) {
	p.mu.Lock()
	e, ok := p.byName[name]
	p.mu.Unlock()
	if !ok {
		ch := make(chan ports.TableSnapshot)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan ports.TableSnapshot, 4)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		delete(e.subs, ch)
		e.mu.Unlock()
	}
}

// OpenControl registers onSet under name; it backs the Open method of the
// ports.ControlPoint returned by AsControlPoint.
func (p *Publisher) OpenControl(name string, onSet func([]string) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.control[name]; exists {
		return fmt.Errorf("localpublisher: control point %q already open", name)
	}
	p.control[name] = onSet
	return nil
}

// CloseControl removes the control point name; it backs the Close method of
// the ports.ControlPoint returned by AsControlPoint.
func (p *Publisher) CloseControl(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.control, name)
	return nil
}

// Write drives a control point exactly as an external write to SIG
// would: used by pkg/bsas and by tests.
func (p *Publisher) Write(name string, list []string) error {
	p.mu.Lock()
	onSet, ok := p.control[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("localpublisher: no control point named %q", name)
	}
	return onSet(list)
}

// controlPoint adapts Publisher's OpenControl/CloseControl to the
// ports.ControlPoint interface without exposing the whole Publisher API
// where a caller only needs write access.
type controlPoint struct{ p *Publisher }

// AsControlPoint returns a ports.ControlPoint view of this Publisher.
func (p *Publisher) AsControlPoint() ports.ControlPoint { return controlPoint{p: p} }

func (c controlPoint) Open(name string, onSet func([]string) error) error {
	return c.p.OpenControl(name, onSet)
}
func (c controlPoint) Close(name string) error { return c.p.CloseControl(name) }

var (
	_ ports.Publisher    = (*Publisher)(nil)
	_ ports.ControlPoint = controlPoint{}
)
