package ports

// TableDescriptor describes the schema of a published table: one label
// per column plus the implicit secondsPastEpoch/nanoseconds columns
// (spec §4.4's NTTable shape).
type TableDescriptor struct {
	Labels    []string
	IsArray   []bool
	ScalarTag []string // element type tag per column, e.g. "double", "int"
}

// TableSnapshot is one fully-built publishable root: parallel column
// arrays plus the split timestamp columns, ready to post atomically.
type TableSnapshot struct {
	Descriptor      TableDescriptor
	Columns         []any // one entry per column, shape per Descriptor
	SecondsPastEpoch []int64
	Nanoseconds     []int64
}

// PublishHandle identifies one open publishable entity.
type PublishHandle uint64

// Publisher is the northbound publish surface a Table Receiver (or the
// Coordinator's status table) posts through. It stands in for the
// out-of-scope network-visible name service / wire protocol described in
// spec §1: only open/post/close matter to the core.
type Publisher interface {
	// Open makes name visible to subscribers with the given schema and
	// returns a handle for subsequent posts. Opening a name that is
	// already open first closes the previous handle (spec §4.4's atomic
	// swap: build new, close old, open new).
	Open(name string, descriptor TableDescriptor) (PublishHandle, error)
	// Post publishes a new snapshot on an open handle. changedColumns
	// identifies which columns differ from the previous post (nil means
	// "assume everything changed"). Posting to a handle that was never
	// successfully opened is a race the publisher must tolerate silently
	// (spec §7, "Publish race").
	Post(h PublishHandle, snapshot TableSnapshot, changedColumns []bool) error
	// Close retires a handle, making name invisible to subscribers.
	Close(h PublishHandle) error
}
