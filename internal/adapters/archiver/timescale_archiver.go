// Package archiver implements ports.Receiver over a Timescale/Postgres
// table, adapted from the teacher's internal/adapters/sink.TimescaleSink:
// same database/sql + lib/pq driver, same string-builder batch-insert
// shape with positional placeholders and ON CONFLICT DO NOTHING for
// idempotent replays. It is registered as an ordinary Receiver alongside
// a Table Receiver, not as the Collector's only sink — persistence here
// is an optional downstream consumer, not part of the core's own state.
package archiver

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beamsync/bsas/internal/ports"
)

// Archiver persists every slice's populated cells as one row per
// (column, key) pair.
type Archiver struct {
	db        *sql.DB
	tableName string
	names     []string
}

// New wraps db, targeting table for inserts. Names must be called
// (normally by Collector.AddReceiver) before the first Slices call.
func New(db *sql.DB, table string) *Archiver {
	return &Archiver{db: db, tableName: table}
}

func (a *Archiver) Names(names []string) {
	a.names = append([]string(nil), names...)
}

// Slices implements ports.Receiver: batch-insert every non-nil cell
// across the batch in one statement.
func (a *Archiver) Slices(batch []ports.Row) error {
	if len(batch) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(a.tableName)
	b.WriteString(" (signal, seconds_past_epoch, nanoseconds, severity, status, count, element_type, value) VALUES ")

	args := make([]any, 0, len(batch)*len(a.names)*8)
	nRows := 0
	for _, row := range batch {
		seconds, nanos := row.Key.Split()
		for i, cell := range row.Cells {
			if cell == nil {
				continue
			}
			if i >= len(a.names) {
				continue
			}
			valueJSON, err := json.Marshal(cell.Buffer)
			if err != nil {
				return fmt.Errorf("archiver: marshal value: %w", err)
			}
			if nRows > 0 {
				b.WriteString(",")
			}
			base := len(args)
			fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
			args = append(args,
				a.names[i],
				seconds,
				nanos,
				uint8(cell.Severity),
				cell.Status,
				cell.Count,
				cell.ElementType.String(),
				valueJSON,
			)
			nRows++
		}
	}
	if nRows == 0 {
		return nil
	}

	b.WriteString(" ON CONFLICT (signal, seconds_past_epoch, nanoseconds) DO NOTHING")

	_, err := a.db.Exec(b.String(), args...)
	return err
}

// receiverAdapter satisfies ports.Receiver's Slices(batch) (no error
// return) by logging archiver errors through Observability instead of
// propagating them, matching the Collector's fire-and-forget dispatch to
// every registered Receiver.
type receiverAdapter struct {
	*Archiver
	obs ports.Observability
}

// AsReceiver wraps a to satisfy ports.Receiver, routing write failures to
// obs instead of the Collector (which has no error channel from
// Receiver.Slices by design — a slow or failing Receiver must not stall
// the worker).
func AsReceiver(a *Archiver, obs ports.Observability) ports.Receiver {
	return receiverAdapter{Archiver: a, obs: obs}
}

func (r receiverAdapter) Names(names []string) { r.Archiver.Names(names) }

func (r receiverAdapter) Slices(batch []ports.Row) {
	if err := r.Archiver.Slices(batch); err != nil && r.obs != nil {
		r.obs.LogError("archiver_write_failed", err)
	}
}

var _ ports.Receiver = receiverAdapter{}
