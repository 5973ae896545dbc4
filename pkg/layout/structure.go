// Package layout models synthesized composite structures: the in-memory
// field arrangement recovered for a class.
//
// A Structure is a sparse, ordered list of non-overlapping fields. Overlap
// resolution follows one rule: scalar placeholders in the way of a new field
// are cleared, named sub-object structures are never destroyed.
package layout

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

var (
	// ErrOverlap is returned when an insert would intersect an existing field.
	ErrOverlap = errors.New("field overlap")
	// ErrNamedOverlap is returned when clearing a region would destroy a
	// named sub-object structure field. Callers are expected to detect this
	// and skip, not to force the write.
	ErrNamedOverlap = errors.New("region holds a named sub-object")
)

// DataType is a component type placed into a structure.
type DataType interface {
	TypeName() string
	Length() int64
}

// Primitive is a scalar component type of fixed width.
type Primitive struct {
	name string
	size int64
}

func (p Primitive) TypeName() string { return p.name }
func (p Primitive) Length() int64    { return p.size }

// Undefined returns a placeholder scalar of the given width, the type raw
// discovered bytes carry before analysis names them.
func Undefined(size int64) Primitive {
	return Primitive{name: fmt.Sprintf("undefined%d", size), size: size}
}

// Pointer returns a pointer primitive of the given width.
func Pointer(size int64) Primitive {
	return Primitive{name: "pointer", size: size}
}

// NewPrimitive returns a named scalar of the given width.
func NewPrimitive(name string, size int64) Primitive {
	return Primitive{name: name, size: size}
}

// Field is one component of a structure.
type Field struct {
	Name   string
	Offset int64
	Type   DataType
}

// Length returns the field's byte length.
func (f Field) Length() int64 { return f.Type.Length() }

// End returns the first byte offset past the field.
func (f Field) End() int64 { return f.Offset + f.Type.Length() }

var nextStructID atomic.Int64

// Structure is a synthesized aggregate type.
type Structure struct {
	id     int64
	name   string
	fields []Field // sorted by offset, pairwise disjoint
}

// NewStructure creates an empty structure with a process-unique identity.
func NewStructure(name string) *Structure {
	return &Structure{id: nextStructID.Add(1), name: name}
}

// ID returns the structure's identity. IDs are allocated per process and are
// only meaningful within the session that built the structure; they are not
// comparable across runs.
func (s *Structure) ID() int64 { return s.id }

func (s *Structure) TypeName() string { return s.name }

// Length returns the structure's byte length: the end of its last field.
func (s *Structure) Length() int64 {
	if len(s.fields) == 0 {
		return 0
	}
	return s.fields[len(s.fields)-1].End()
}

// Fields returns a copy of the field list in offset order.
func (s *Structure) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// FieldAt returns the field covering the given byte offset, or nil.
func (s *Structure) FieldAt(offset int64) *Field {
	for i := range s.fields {
		if offset >= s.fields[i].Offset && offset < s.fields[i].End() {
			return &s.fields[i]
		}
	}
	return nil
}

// InsertAt places a new field at the given offset. The target region must be
// empty; callers clear it first (see ClearRegion).
func (s *Structure) InsertAt(offset int64, dt DataType, name string) error {
	if offset < 0 {
		return fmt.Errorf("negative field offset %d", offset)
	}
	end := offset + dt.Length()
	for i := range s.fields {
		if offset < s.fields[i].End() && s.fields[i].Offset < end {
			return fmt.Errorf("inserting %s at [%d,%d) over %s at [%d,%d): %w",
				name, offset, end,
				s.fields[i].Name, s.fields[i].Offset, s.fields[i].End(), ErrOverlap)
		}
	}
	s.fields = append(s.fields, Field{Name: name, Offset: offset, Type: dt})
	sort.Slice(s.fields, func(i, j int) bool { return s.fields[i].Offset < s.fields[j].Offset })
	return nil
}

// ClearRegion removes components from offset until length bytes are covered,
// the controlled overlap-resolution transaction. Scalar placeholders are
// deleted; a named sub-object structure in the region fails the whole call
// with ErrNamedOverlap and the structure is left unchanged.
func (s *Structure) ClearRegion(offset, length int64) error {
	end := offset + length
	keep := s.fields[:0:0]
	for _, f := range s.fields {
		if f.End() <= offset || f.Offset >= end {
			keep = append(keep, f)
			continue
		}
		if _, isStruct := f.Type.(*Structure); isStruct && f.Name != "" {
			return fmt.Errorf("clearing [%d,%d) would destroy %s: %w",
				offset, end, f.Name, ErrNamedOverlap)
		}
	}
	s.fields = keep
	return nil
}

// Replace clears length bytes at offset and inserts the new field in one
// step, with ClearRegion's failure semantics.
func (s *Structure) Replace(offset int64, dt DataType, name string) error {
	if err := s.ClearRegion(offset, dt.Length()); err != nil {
		return err
	}
	return s.InsertAt(offset, dt, name)
}

// Validate checks the pairwise non-overlap invariant.
func (s *Structure) Validate() error {
	for i := 1; i < len(s.fields); i++ {
		if s.fields[i].Offset < s.fields[i-1].End() {
			return fmt.Errorf("%s at [%d,%d) overlaps %s at [%d,%d): %w",
				s.fields[i].Name, s.fields[i].Offset, s.fields[i].End(),
				s.fields[i-1].Name, s.fields[i-1].Offset, s.fields[i-1].End(), ErrOverlap)
		}
	}
	return nil
}
