// Package coordinator implements spec §4.5: one Coordinator per table
// prefix, gluing a mutable signal list to a Collector/Table Receiver
// pair, a periodic status table, and a control point for rewriting the
// signal list. Adapted from the teacher's goroutine-worker-plus-mutex
// shape and grounded on original_source/bsasApp/src/coordinator.cpp's
// Coordinator::handle loop for the change/expire/wait state machine.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/beamsync/bsas/internal/adapters/signalstore"
	"github.com/beamsync/bsas/internal/collector"
	"github.com/beamsync/bsas/internal/domain"
	"github.com/beamsync/bsas/internal/ports"
	"github.com/beamsync/bsas/internal/tablereceiver"
)

const statusExpiry = time.Second

// statusLabels mirrors the STS column set from spec §6.
var statusLabels = []string{"PV", "connected", "#Event", "#Bytes", "#Discon", "#Error", "#OFlow"}

// Config bundles everything one Coordinator needs to build its
// Collector/Table Receiver pair and announce its three northbound
// entities. Priority is carried through to collector.New unchanged.
type Config struct {
	Prefix   string
	Names    []string
	Client   ports.SubscriptionClient
	Policy   ports.Policy
	Obs      ports.Observability
	Pub      ports.Publisher
	Control  ports.ControlPoint
	Store    *signalstore.Store // optional; nil disables persisted signal-list history
	Priority int
	// Receiver is an optional extra Receiver registered on every rebuilt
	// Collector alongside the Table Receiver, e.g. an archiver.
	Receiver ports.Receiver
}

// Coordinator owns one Collector+TableReceiver pipeline for one table
// prefix, rebuilding it whenever the signal list changes and publishing
// a status table on a 1 s expiry.
type Coordinator struct {
	client   ports.SubscriptionClient
	policy   ports.Policy
	obs      ports.Observability
	pub      ports.Publisher
	control  ports.ControlPoint
	store    *signalstore.Store
	priority int
	prefix   string
	receiver ports.Receiver

	mu             sync.Mutex
	names          []string
	namesChanged   bool
	collector      *collector.Collector
	tableReceiver  *tablereceiver.TableReceiver
	sigHandle      ports.PublishHandle
	sigOpen        bool
	statusHandle   ports.PublishHandle
	statusOpen     bool
	running        bool

	wakeupCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Coordinator and opens its control point, but does not
// start the background loop; call Start to do that.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("coordinator: prefix must not be empty")
	}
	names := cfg.Names
	if cfg.Store != nil {
		if last := cfg.Store.Latest(); len(last) > 0 {
			names = last
		}
	}
	c := &Coordinator{
		client:       cfg.Client,
		policy:       cfg.Policy,
		obs:          cfg.Obs,
		pub:          cfg.Pub,
		control:      cfg.Control,
		store:        cfg.Store,
		priority:     cfg.Priority,
		receiver:     cfg.Receiver,
		prefix:       cfg.Prefix,
		names:        append([]string(nil), names...),
		namesChanged: true,
		wakeupCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	if c.control != nil {
		if err := c.control.Open(c.prefix+"SIG", c.onSignalsWrite); err != nil {
			return nil, fmt.Errorf("coordinator %s: open control point: %w", c.prefix, err)
		}
	}
	return c, nil
}

// Start launches the status/rebuild loop. It must be called at most once.
func (c *Coordinator) Start() {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	go c.run()
}

// onSignalsWrite is the control point's onSet callback: it stages a new
// signal list and wakes the loop, exactly like Coordinator::SignalsHandler
// ::onPut signaling Coordinator::wakeup in the original.
func (c *Coordinator) onSignalsWrite(list []string) error {
	c.mu.Lock()
	c.names = append([]string(nil), list...)
	c.namesChanged = true
	c.mu.Unlock()
	c.wake()
	return nil
}

// SetNames is the programmatic equivalent of a SIG write (used by
// TableSet and by pkg/bsas callers), taking the same path as an external
// control-point write.
func (c *Coordinator) SetNames(list []string) error { return c.onSignalsWrite(list) }

// Names returns the currently configured signal list.
func (c *Coordinator) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func (c *Coordinator) wake() {
	select {
	case c.wakeupCh <- struct{}{}:
	default:
	}
}

// run is Coordinator::handle translated to a goroutine: on each wakeup or
// 1 s timeout, rebuild the pipeline if the signal list changed, then
// publish (or republish) the status table.
func (c *Coordinator) run() {
	defer close(c.doneCh)
	timer := time.NewTimer(statusExpiry)
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.wakeupCh:
			c.tick(false)
		case <-timer.C:
			c.tick(true)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(statusExpiry)
	}
}

func (c *Coordinator) tick(expired bool) {
	c.mu.Lock()
	changing := c.namesChanged
	c.namesChanged = false
	names := append([]string(nil), c.names...)
	c.mu.Unlock()

	if changing {
		c.rebuild(names)
		c.publishSignals(names)
	}
	if changing || expired {
		c.publishStatus(names)
	}
}

// publishSignals (re)announces the SIG entity's readback: the current
// signal list, as a single-column table of strings. This is the
// consumer-facing counterpart of the SIG control point.
func (c *Coordinator) publishSignals(names []string) {
	desc := ports.TableDescriptor{
		Labels:    []string{"value"},
		IsArray:   []bool{true},
		ScalarTag: []string{"string"},
	}
	now := domain.KeyFromTime(time.Now())
	secs, nanos := now.Split()
	snapshot := ports.TableSnapshot{
		Descriptor:       desc,
		Columns:          []any{append([]string(nil), names...)},
		SecondsPastEpoch: []int64{secs},
		Nanoseconds:      []int64{nanos},
	}

	c.mu.Lock()
	if !c.sigOpen {
		h, err := c.pub.Open(c.prefix+"SIG", desc)
		if err != nil {
			c.mu.Unlock()
			if c.obs != nil {
				c.obs.LogError("coordinator_signals_open_failed", err, ports.Field{Key: "prefix", Value: c.prefix})
			}
			return
		}
		c.sigHandle = h
		c.sigOpen = true
	}
	handle := c.sigHandle
	c.mu.Unlock()

	if err := c.pub.Post(handle, snapshot, nil); err != nil && c.obs != nil {
		c.obs.LogError("coordinator_signals_post_failed", err, ports.Field{Key: "prefix", Value: c.prefix})
	}
}

// rebuild replaces the Collector/Table Receiver pair, matching
// Coordinator::handle's "changing" branch: the old Table Receiver and
// Collector are closed first and the new pair is built afterwards, so the
// TBL entity is briefly absent between the two Publisher calls (Open
// Question (c)).
func (c *Coordinator) rebuild(names []string) {
	c.mu.Lock()
	oldCollector := c.collector
	oldTBL := c.tableReceiver
	c.mu.Unlock()

	if oldTBL != nil {
		oldTBL.Close()
	}
	if oldCollector != nil {
		oldCollector.Close()
	}

	col, err := collector.New(c.client, names, c.policy, c.obs, c.priority)
	if err != nil {
		if c.obs != nil {
			c.obs.LogError("coordinator_collector_build_failed", err, ports.Field{Key: "prefix", Value: c.prefix})
		}
		return
	}
	tbl := tablereceiver.New(c.prefix+"TBL", c.pub, c.obs)
	col.AddReceiver(tbl)
	if c.receiver != nil {
		c.receiver.Names(names)
		col.AddReceiver(c.receiver)
	}

	c.mu.Lock()
	c.collector = col
	c.tableReceiver = tbl
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Append(names); err != nil && c.obs != nil {
			c.obs.LogError("coordinator_signalstore_append_failed", err, ports.Field{Key: "prefix", Value: c.prefix})
		}
	}
	if c.obs != nil {
		c.obs.LogInfo("coordinator_rebuilt", ports.Field{Key: "prefix", Value: c.prefix}, ports.Field{Key: "signals", Value: len(names)})
	}
}

// publishStatus snapshots every Subscription's counters into the STS
// table and posts it, resetting counters after each snapshot per spec
// §4.5.
func (c *Coordinator) publishStatus(names []string) {
	c.mu.Lock()
	col := c.collector
	c.mu.Unlock()
	if col == nil {
		return
	}

	n := len(names)
	pvNames := make([]string, n)
	connected := make([]bool, n)
	events := make([]uint64, n)
	bytesCol := make([]uint64, n)
	discons := make([]uint64, n)
	errs := make([]uint64, n)
	oflows := make([]uint64, n)

	for i := 0; i < n; i++ {
		pvNames[i] = names[i]
		sub := col.Subscription(i)
		if sub == nil {
			continue
		}
		connected[i] = sub.Connected()
		snap := sub.Snapshot()
		events[i] = snap.Updates
		bytesCol[i] = snap.UpdateBytes
		discons[i] = snap.Disconnects
		errs[i] = snap.Errors
		oflows[i] = snap.Overflows
		sub.ResetCounters()
	}

	now := domain.KeyFromTime(time.Now())
	secs, nanos := now.Split()

	desc := ports.TableDescriptor{
		Labels:    statusLabels,
		IsArray:   make([]bool, len(statusLabels)),
		ScalarTag: []string{"string", "bool", "uint64", "uint64", "uint64", "uint64", "uint64"},
	}
	snapshot := ports.TableSnapshot{
		Descriptor:       desc,
		Columns:          []any{pvNames, connected, events, bytesCol, discons, errs, oflows},
		SecondsPastEpoch: []int64{secs},
		Nanoseconds:      []int64{nanos},
	}

	c.mu.Lock()
	if !c.statusOpen {
		h, err := c.pub.Open(c.prefix+"STS", desc)
		if err != nil {
			c.mu.Unlock()
			if c.obs != nil {
				c.obs.LogError("coordinator_status_open_failed", err, ports.Field{Key: "prefix", Value: c.prefix})
			}
			return
		}
		c.statusHandle = h
		c.statusOpen = true
	}
	handle := c.statusHandle
	c.mu.Unlock()

	if err := c.pub.Post(handle, snapshot, nil); err != nil && c.obs != nil {
		c.obs.LogError("coordinator_status_post_failed", err, ports.Field{Key: "prefix", Value: c.prefix})
	}
}

// ResetCounters zeroes every Subscription's counters immediately,
// independent of the 1 s status cycle (bsasStatReset).
func (c *Coordinator) ResetCounters() {
	c.mu.Lock()
	col := c.collector
	names := c.names
	c.mu.Unlock()
	if col == nil {
		return
	}
	for i := range names {
		if sub := col.Subscription(i); sub != nil {
			sub.ResetCounters()
		}
	}
}

// ReportLine is one row of a control-surface report (spec §6 "Report
// callback levels").
type ReportLine struct {
	Prefix      string
	Name        string
	Connected   bool
	Overflows   uint64
	Disconnects uint64
}

// Report builds report lines for this Coordinator at the given level:
// 0 = prefix only (nil lines), 1 = signals with overflows, 2 = signals
// with overflows or disconnects, >=3 = all signals.
func (c *Coordinator) Report(level int) []ReportLine {
	if level <= 0 {
		return nil
	}
	c.mu.Lock()
	col := c.collector
	names := append([]string(nil), c.names...)
	c.mu.Unlock()
	if col == nil {
		return nil
	}

	lines := make([]ReportLine, 0, len(names))
	for i, name := range names {
		sub := col.Subscription(i)
		if sub == nil {
			continue
		}
		snap := sub.Snapshot()
		line := ReportLine{
			Prefix:      c.prefix,
			Name:        name,
			Connected:   sub.Connected(),
			Overflows:   snap.Overflows,
			Disconnects: snap.Disconnects,
		}
		switch {
		case level >= 3:
			lines = append(lines, line)
		case level == 2:
			if snap.Overflows > 0 || snap.Disconnects > 0 {
				lines = append(lines, line)
			}
		case level == 1:
			if snap.Overflows > 0 {
				lines = append(lines, line)
			}
		}
	}
	return lines
}

// Close implements the critical shutdown order from spec §4.5: stop the
// status loop, close the control point, drop the Table Receiver, drop
// the Collector (which cancels subscriptions and joins the worker).
// Dropping the subscription-client context itself is the caller's
// responsibility (it is shared across Coordinators).
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh

	if c.control != nil {
		_ = c.control.Close(c.prefix + "SIG")
	}

	c.mu.Lock()
	tbl := c.tableReceiver
	col := c.collector
	statusOpen := c.statusOpen
	statusHandle := c.statusHandle
	sigOpen := c.sigOpen
	sigHandle := c.sigHandle
	c.tableReceiver = nil
	c.collector = nil
	c.statusOpen = false
	c.sigOpen = false
	c.mu.Unlock()

	if statusOpen {
		_ = c.pub.Close(statusHandle)
	}
	if sigOpen {
		_ = c.pub.Close(sigHandle)
	}
	if tbl != nil {
		tbl.Close()
	}
	if col != nil {
		col.Close()
	}
}
