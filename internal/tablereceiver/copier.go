package tablereceiver

import (
	"math"

	"github.com/beamsync/bsas/internal/domain"
)

// copierKind is the tagged variant spec §9 asks for in place of an
// open-ended copier class hierarchy.
type copierKind uint8

const (
	copierScalarByte copierKind = iota
	copierScalarShort
	copierScalarInt
	copierScalarFloat
	copierScalarDouble
	copierArray
)

func kindFor(t domain.ElementType, isArray bool) copierKind {
	if isArray {
		return copierArray
	}
	switch t {
	case domain.ElementByte:
		return copierScalarByte
	case domain.ElementShort, domain.ElementEnum:
		return copierScalarShort
	case domain.ElementInt:
		return copierScalarInt
	case domain.ElementFloat:
		return copierScalarFloat
	default:
		return copierScalarDouble
	}
}

// arrayCell is one element of an array column's per-row union: a typed
// array copied out of the sample buffer at the time the column was
// filled.
type arrayCell struct {
	ElementType domain.ElementType
	Values      any
}

// columnCopier fills one column's output vector from a batch of rows. It
// implements spec §4.4's scalar/array copier split and detects schema
// surprises (a runtime (elementType,isArray) pair that disagrees with the
// column's current assumption).
type columnCopier struct {
	kind        copierKind
	elementType domain.ElementType
	isArray     bool

	// lastArray carries the previous slice's array value forward for one
	// step when the current cell is absent but the column is still
	// connected (spec §4.4 "Backfill policy").
	lastArray *arrayCell
}

func newCopier(elementType domain.ElementType, isArray bool) *columnCopier {
	return &columnCopier{
		kind:        kindFor(elementType, isArray),
		elementType: elementType,
		isArray:     isArray,
	}
}

// fill builds the output vector for one column across a batch of rows.
// It returns (values, retype) where retype means a schema surprise
// occurred and the caller must abort publication of this batch.
func (c *columnCopier) fill(column int, rows []rowInput) (any, bool) {
	if c.isArray {
		return c.fillArray(column, rows)
	}
	return c.fillScalar(column, rows)
}

func (c *columnCopier) fillScalar(column int, rows []rowInput) (any, bool) {
	n := len(rows)
	switch c.kind {
	case copierScalarByte:
		out := make([]byte, n)
		for i, r := range rows {
			s := r.cells[column]
			if s == nil || s.Severity == domain.SeverityDisconnected {
				continue // no backfill for scalars (spec §4.4)
			}
			if s.IsArray() || s.ElementType != domain.ElementByte {
				return nil, true
			}
			out[i] = scalarByte(s)
		}
		return out, false
	case copierScalarShort:
		out := make([]int16, n)
		for i, r := range rows {
			s := r.cells[column]
			if s == nil || s.Severity == domain.SeverityDisconnected {
				continue
			}
			if s.IsArray() || (s.ElementType != domain.ElementShort && s.ElementType != domain.ElementEnum) {
				return nil, true
			}
			out[i] = scalarShort(s)
		}
		return out, false
	case copierScalarInt:
		out := make([]int32, n)
		for i, r := range rows {
			s := r.cells[column]
			if s == nil || s.Severity == domain.SeverityDisconnected {
				continue
			}
			if s.IsArray() || s.ElementType != domain.ElementInt {
				return nil, true
			}
			out[i] = scalarInt(s)
		}
		return out, false
	case copierScalarFloat:
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(math.NaN())
		}
		for i, r := range rows {
			s := r.cells[column]
			if s == nil || s.Severity == domain.SeverityDisconnected {
				continue
			}
			if s.IsArray() || s.ElementType != domain.ElementFloat {
				return nil, true
			}
			out[i] = scalarFloat(s)
		}
		return out, false
	default: // copierScalarDouble
		out := make([]float64, n)
		for i := range out {
			out[i] = math.NaN()
		}
		for i, r := range rows {
			s := r.cells[column]
			if s == nil || s.Severity == domain.SeverityDisconnected {
				continue
			}
			if s.IsArray() || s.ElementType != domain.ElementDouble {
				return nil, true
			}
			out[i] = scalarDouble(s)
		}
		return out, false
	}
}

func (c *columnCopier) fillArray(column int, rows []rowInput) (any, bool) {
	out := make([]arrayCell, len(rows))
	for i, r := range rows {
		s := r.cells[column]
		if s == nil || s.Severity == domain.SeverityDisconnected {
			if s == nil && c.lastArray != nil && r.connected[column] {
				out[i] = *c.lastArray
				c.lastArray = nil // carried for one step only
			} else if s != nil {
				c.lastArray = nil // known disconnect: stop backfilling until fresh data arrives
			}
			continue
		}
		if s.ElementType != c.elementType {
			return nil, true
		}
		cell := arrayCell{ElementType: s.ElementType, Values: s.Buffer}
		out[i] = cell
		c.lastArray = &cell
	}
	return out, false
}

// rowInput is the per-batch context a copier needs: the row's cells plus
// which columns are currently connected (for array backfill).
type rowInput struct {
	cells     []*domain.Sample
	connected []bool
}

func scalarByte(s *domain.Sample) byte {
	if v, ok := s.Buffer.([]byte); ok && len(v) > 0 {
		return v[0]
	}
	return 0
}

func scalarShort(s *domain.Sample) int16 {
	if v, ok := s.Buffer.([]int16); ok && len(v) > 0 {
		return v[0]
	}
	return 0
}

func scalarInt(s *domain.Sample) int32 {
	if v, ok := s.Buffer.([]int32); ok && len(v) > 0 {
		return v[0]
	}
	return 0
}

func scalarFloat(s *domain.Sample) float32 {
	if v, ok := s.Buffer.([]float32); ok && len(v) > 0 {
		return v[0]
	}
	return float32(math.NaN())
}

func scalarDouble(s *domain.Sample) float64 {
	if v, ok := s.Buffer.([]float64); ok && len(v) > 0 {
		return v[0]
	}
	return math.NaN()
}
