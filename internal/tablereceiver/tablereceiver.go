// Package tablereceiver implements spec §4.4: a schema-adaptive Receiver
// that maintains a columnar NTTable-shaped snapshot, re-typing the whole
// table atomically whenever a sample reveals an unexpected scalar type or
// array-ness.
package tablereceiver

import (
	"sync"

	"github.com/beamsync/bsas/internal/domain"
	"github.com/beamsync/bsas/internal/ports"
)

// posixEpochOffset is POSIX_TIME_AT_EPICS_EPOCH from spec §4.4: the
// number of POSIX seconds at the engine's internal (1990-based) epoch.
const posixEpochOffset int64 = 631152000

type state uint8

const (
	stateNeedRetype state = iota
	stateRun
)

type column struct {
	name        string
	elementType domain.ElementType
	isArray     bool
	stickyArray bool // once true, this column is never treated as scalar again
	connected   bool // last-known connection state, carried across batches for array backfill
	copier      *columnCopier
}

// TableReceiver publishes a columnar snapshot of the slice stream through
// a Publisher, re-typing atomically on schema surprise.
type TableReceiver struct {
	name      string
	publisher ports.Publisher
	obs       ports.Observability

	mu      sync.Mutex
	st      state
	columns []column
	handle  ports.PublishHandle
	opened  bool
}

// New creates a TableReceiver that will publish under name through pub.
func New(name string, pub ports.Publisher, obs ports.Observability) *TableReceiver {
	return &TableReceiver{
		name:      name,
		publisher: pub,
		obs:       obs,
		st:        stateNeedRetype,
	}
}

// Names implements ports.Receiver: (re)initializes column assumptions,
// optimistically typed as scalar double until a real sample proves
// otherwise, and forces a retype.
func (t *TableReceiver) Names(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cols := make([]column, len(names))
	for i, n := range names {
		cols[i] = column{name: n, elementType: domain.ElementDouble, isArray: false, connected: true}
	}
	t.columns = cols
	t.st = stateNeedRetype
}

// Slices implements ports.Receiver (spec §4.4 "Publication").
func (t *TableReceiver) Slices(batch []ports.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	// A schema surprise anywhere in the batch aborts publication of the
	// whole batch (I6): scan the whole batch first, updating each column's
	// assumed type, before any copier builds output for it.
	if surprised := t.detectSurprises(batch); surprised {
		t.st = stateNeedRetype
		if t.obs != nil {
			t.obs.IncCounter("bsas_retypes_total", 1)
		}
		return
	}

	if t.st == stateNeedRetype {
		if err := t.rebuild(); err != nil {
			if t.obs != nil {
				t.obs.LogError("tablereceiver_rebuild_failed", err, ports.Field{Key: "table", Value: t.name})
			}
			return
		}
		t.st = stateRun
	}

	snapshot, changed, retype := t.buildSnapshot(batch)
	if retype {
		t.st = stateNeedRetype
		if t.obs != nil {
			t.obs.IncCounter("bsas_retypes_total", 1)
		}
		return
	}

	if !t.opened {
		return // publish race: never opened yet, silently ignore (spec §7).
	}
	if err := t.publisher.Post(t.handle, snapshot, changed); err != nil && t.obs != nil {
		t.obs.LogError("tablereceiver_post_failed", err, ports.Field{Key: "table", Value: t.name})
	}
}

// Close retires the published table if one is open. Safe to call more
// than once.
func (t *TableReceiver) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.opened {
		return
	}
	_ = t.publisher.Close(t.handle)
	t.opened = false
}

// detectSurprises reports whether any sample in batch disagrees with its
// column's current assumed (elementType, isArray) pair, updating the
// assumption in place (spec §4.4: "record the new assumed type, set
// NeedRetype").
func (t *TableReceiver) detectSurprises(batch []ports.Row) bool {
	surprised := false
	for _, row := range batch {
		for i := range t.columns {
			s := row.Cells[i]
			if s == nil || s.Severity == domain.SeverityDisconnected {
				continue // disconnect markers carry no type information
			}
			col := &t.columns[i]
			isArray := s.IsArray() || col.stickyArray
			if s.IsArray() {
				col.stickyArray = true
			}
			if s.ElementType != col.elementType || isArray != col.isArray {
				col.elementType = s.ElementType
				col.isArray = isArray
				surprised = true
			}
		}
	}
	return surprised
}

// rebuild installs a fresh publishable structure for the current column
// assumptions: build new, close old, open new (spec §9 "Retype as atomic
// swap").
func (t *TableReceiver) rebuild() error {
	desc := ports.TableDescriptor{
		Labels:    make([]string, len(t.columns)),
		IsArray:   make([]bool, len(t.columns)),
		ScalarTag: make([]string, len(t.columns)),
	}
	for i, c := range t.columns {
		desc.Labels[i] = c.name
		desc.IsArray[i] = c.isArray
		desc.ScalarTag[i] = c.elementType.String()
		t.columns[i].copier = newCopier(c.elementType, c.isArray)
	}

	if t.opened {
		_ = t.publisher.Close(t.handle)
		t.opened = false
	}
	h, err := t.publisher.Open(t.name, desc)
	if err != nil {
		return err
	}
	t.handle = h
	t.opened = true
	return nil
}

// buildSnapshot fills every column's output vector plus the split
// timestamp columns for one batch.
func (t *TableReceiver) buildSnapshot(batch []ports.Row) (ports.TableSnapshot, []bool, bool) {
	n := len(batch)
	rows := make([]rowInput, n)
	seconds := make([]int64, n)
	nanos := make([]int64, n)
	for i, row := range batch {
		s, ns := row.Key.Split()
		seconds[i] = s + posixEpochOffset
		nanos[i] = ns
		connected := make([]bool, len(t.columns))
		for c := range t.columns {
			if cell := row.Cells[c]; cell != nil {
				t.columns[c].connected = cell.Severity != domain.SeverityDisconnected
			}
			connected[c] = t.columns[c].connected
		}
		rows[i] = rowInput{cells: row.Cells, connected: connected}
	}

	cols := make([]any, len(t.columns))
	changed := make([]bool, len(t.columns))
	for i := range t.columns {
		values, retype := t.columns[i].copier.fill(i, rows)
		if retype {
			return ports.TableSnapshot{}, nil, true
		}
		cols[i] = values
		changed[i] = true
	}

	desc := ports.TableDescriptor{
		Labels:    make([]string, len(t.columns)),
		IsArray:   make([]bool, len(t.columns)),
		ScalarTag: make([]string, len(t.columns)),
	}
	for i, c := range t.columns {
		desc.Labels[i] = c.name
		desc.IsArray[i] = c.isArray
		desc.ScalarTag[i] = c.elementType.String()
	}

	return ports.TableSnapshot{
		Descriptor:       desc,
		Columns:          cols,
		SecondsPastEpoch: seconds,
		Nanoseconds:      nanos,
	}, changed, false
}
