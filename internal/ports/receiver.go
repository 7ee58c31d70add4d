package ports

import "github.com/beamsync/bsas/internal/domain"

// Row is one timestamped assembly of at most one Sample per column. A nil
// entry means no sample for that column at this key (an absence marker,
// not a value): the column is disconnected, or the slice was emitted
// before its sample arrived.
type Row struct {
	Key   domain.Key
	Cells []*domain.Sample
}

// Receiver is the abstract downstream sink a Collector publishes
// completed slices to (spec §4.3). Calls to Names and Slices are
// serialized with respect to a single Receiver; they are never
// concurrent for the same instance.
type Receiver interface {
	// Names is called once on registration and again whenever the
	// column set changes. Implementations rebuild any column-indexed
	// state in response.
	Names(names []string)
	// Slices is called with a non-empty, strictly key-ascending batch
	// that is guaranteed to follow every previously delivered batch in
	// key order.
	Slices(batch []Row)
}
