package bsas

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beamsync/bsas/internal/adapters/archiver"
	"github.com/beamsync/bsas/internal/adapters/httppublish"
	"github.com/beamsync/bsas/internal/adapters/localpublisher"
	"github.com/beamsync/bsas/internal/adapters/observability"
	"github.com/beamsync/bsas/internal/adapters/opcuabus"
	"github.com/beamsync/bsas/internal/adapters/signalstore"
	"github.com/beamsync/bsas/internal/control"
	"github.com/beamsync/bsas/internal/coordinator"
	"github.com/beamsync/bsas/internal/ports"

	_ "github.com/lib/pq"
)

// Runtime wires one process's worth of Coordinators to a shared OPC UA
// bus, an HTTP-published northbound surface, Prometheus observability
// and, if configured, a Timescale archiver — the same top-level
// wiring the teacher's pkg/aegisflow.Flow does for its WAL/queue/sink
// pipeline, generalized to BSAS's per-prefix Coordinators.
type Runtime struct {
	cfg      *Config
	bus      *opcuabus.Bus
	obs      *observability.PromObs
	pub      *localpublisher.Publisher
	http     *httppublish.Server
	registry *control.Registry
	db       *sql.DB
	store    []*signalstore.Store
}

// New builds every adapter named in cfg and registers one Coordinator
// per configured prefix, but does not connect the bus or start any
// background loop; call Start for that.
func New(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bsas: config is required")
	}

	bus, err := opcuabus.New(cfg.OPCUA)
	if err != nil {
		return nil, fmt.Errorf("bsas: build opcua bus: %w", err)
	}

	obs := observability.NewPromObs()
	pub := localpublisher.New()
	httpSrv := httppublish.New(cfg.Metrics.Addr, pub)

	rt := &Runtime{
		cfg:      cfg,
		bus:      bus,
		obs:      obs,
		pub:      pub,
		http:     httpSrv,
		registry: control.NewRegistry(),
	}

	if cfg.ArchiverEnabled() {
		db, err := sql.Open("postgres", cfg.Timescale.ConnString)
		if err != nil {
			return nil, fmt.Errorf("bsas: open timescale: %w", err)
		}
		rt.db = db
	}

	for _, pc := range cfg.Prefixes {
		var store *signalstore.Store
		if cfg.SignalDir != "" {
			store, err = signalstore.Open(cfg.SignalDir, pc.Prefix)
			if err != nil {
				return nil, fmt.Errorf("bsas: open signal store for %s: %w", pc.Prefix, err)
			}
			rt.store = append(rt.store, store)
		}

		var recv ports.Receiver
		if rt.db != nil {
			// Each prefix gets its own Archiver instance (same db, same
			// table) since Archiver.Names is per-instance state and
			// prefixes rebuild independently.
			recv = archiver.AsReceiver(archiver.New(rt.db, cfg.Timescale.Table), obs)
		}

		coord, err := coordinator.New(coordinator.Config{
			Prefix:   pc.Prefix,
			Names:    pc.Signals,
			Client:   bus,
			Policy:   pc.Policy,
			Obs:      obs,
			Pub:      pub,
			Control:  pub.AsControlPoint(),
			Store:    store,
			Receiver: recv,
		})
		if err != nil {
			return nil, fmt.Errorf("bsas: build coordinator %s: %w", pc.Prefix, err)
		}
		if err := rt.registry.TableAdd(pc.Prefix, coord); err != nil {
			return nil, fmt.Errorf("bsas: register prefix %s: %w", pc.Prefix, err)
		}
	}

	return rt, nil
}

// Start connects the southbound bus, launches the HTTP surface, and
// starts every registered Coordinator. Coordinators must all be
// registered (via New) before Start is called — bsasTableAdd is
// rejected afterward.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.bus.Connect(ctx); err != nil {
		return fmt.Errorf("bsas: connect opcua bus: %w", err)
	}
	r.http.Start()
	r.registry.Start()
	return nil
}

// Subscribe returns a channel of future snapshots posted to the named
// table (e.g. "<prefix>TBL" or "<prefix>STS") while it stays open, and an
// unsubscribe function, the same channel-fanout shape the teacher's
// NewChannelSink gives external callers over its batch stream. The channel
// is already closed if the table is not open yet, and it receives nothing
// after the table is re-opened (as a TBL retype does); see
// localpublisher.Publisher.Subscribe.
func (r *Runtime) Subscribe(table string) (<-chan TableSnapshot, func()) {
	return r.pub.Subscribe(table)
}

// Snapshot returns the most recently posted value for table, if any.
func (r *Runtime) Snapshot(table string) (TableSnapshot, bool) {
	return r.pub.Snapshot(table)
}

// Registry exposes the control surface (bsasTableAdd/bsasStatReset/
// bsasTableSet/Report) for callers that need it after Start, e.g. a CLI
// wiring signal files or serving report requests.
func (r *Runtime) Registry() *control.Registry { return r.registry }

// Close shuts every adapter down in the reverse order Start brought
// them up: every Coordinator, then the HTTP listener, southbound bus,
// archiver connection pool, and signal-list stores.
func (r *Runtime) Close(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.registry.Close()
	record(r.http.Shutdown(ctx))
	record(r.bus.Close())
	if r.db != nil {
		record(r.db.Close())
	}
	for _, s := range r.store {
		record(s.Close())
	}
	return firstErr
}
