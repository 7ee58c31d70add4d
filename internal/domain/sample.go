// Package domain holds the value types shared by every BSAS core
// component: the packed timestamp Key and the immutable per-signal
// Sample.
package domain

// Severity mirrors the alarm severity carried alongside a sample value.
// Severity 4 ("Disconnected") never arrives over the wire; it is only
// built locally, by Disconnect.
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityInvalid
	SeverityDisconnected
)

// Connected reports whether a cell carrying this severity should be
// treated as live data (severity <= 3) rather than an absence marker.
func (s Severity) Connected() bool { return s <= SeverityInvalid }

// ElementType tags the scalar type carried by a Sample's buffer. String
// is part of the closed set the southbound contract can report, but is
// never actually populated into a Sample — it is rejected at the
// Subscription layer (spec §4.1 "Unsupported types").
type ElementType uint8

const (
	ElementByte ElementType = iota
	ElementShort
	ElementInt
	ElementFloat
	ElementDouble
	ElementEnum
	ElementString
)

func (t ElementType) String() string {
	switch t {
	case ElementByte:
		return "byte"
	case ElementShort:
		return "short"
	case ElementInt:
		return "int"
	case ElementFloat:
		return "float"
	case ElementDouble:
		return "double"
	case ElementEnum:
		return "enum"
	case ElementString:
		return "string"
	default:
		return "unknown"
	}
}

// Sample is one immutable update for one column: a timestamp key, an
// alarm severity/status pair, an element count, and a typed buffer
// holding Count elements of ElementType. Samples are never mutated after
// construction; they are shared by reference as they move from
// Subscription queue to Collector slice map to Receiver.
type Sample struct {
	Key         Key
	Severity    Severity
	Status      uint16
	Count       uint32
	ElementType ElementType
	// Buffer holds Count elements of ElementType as a typed slice
	// ([]byte, []int16, []int32, []float32, []float64) or nil for a
	// disconnect sample (Severity == SeverityDisconnected, Count == 0).
	Buffer any
}

// IsArray reports whether the sample represents an array (Count != 1) as
// opposed to a scalar update. A disconnect sample (Count == 0) is treated
// as scalar for retyping purposes since it carries no shape information.
func (s *Sample) IsArray() bool { return s.Count > 1 }

// Disconnect builds a sentinel Sample carrying severity 4 and an empty
// buffer at the given key: the shape a Row's cell takes when something
// downstream of the Collector (a Table Receiver, a future Receiver) needs
// to represent "known disconnected at this key" explicitly, as opposed to
// "no sample has arrived yet" (a nil cell). The Collector's own
// Subscription never enqueues one of these for a live connect-down; it
// tracks connectedness directly (Subscription.Connected/EverConnected).
func Disconnect(now Key) *Sample {
	return &Sample{
		Key:      now,
		Severity: SeverityDisconnected,
	}
}
