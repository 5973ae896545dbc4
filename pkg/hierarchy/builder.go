package hierarchy

import (
	"fmt"
	"strings"

	"github.com/apex/log"

	"github.com/binrec/cppclass/internal/names"
	"github.com/binrec/cppclass/pkg/layout"
	"github.com/binrec/cppclass/pkg/program"
	"github.com/binrec/cppclass/pkg/typeinfo"
	"github.com/binrec/cppclass/pkg/vtable"
)

const vptrField = "_vptr"

// Builder synthesizes composite structures: base sub-objects at resolved
// offsets, virtual bases spliced once at the most-derived level, and the
// virtual pointer at offset 0 when the class owns a non-empty vtable.
type Builder struct {
	reg     *typeinfo.Registry
	res     *Resolver
	vt      *vtable.Model
	ptrSize int64
}

// NewBuilder creates a builder; prog supplies the pointer size.
func NewBuilder(reg *typeinfo.Registry, res *Resolver, vt *vtable.Model, prog program.Model) *Builder {
	size := 8
	if prog != nil {
		size = prog.PointerSize()
	}
	return &Builder{reg: reg, res: res, vt: vt, ptrSize: int64(size)}
}

// Build synthesizes the full composite structure of a class, including its
// virtual bases. Suitable for wiring into Registry.SetBuilder.
func (b *Builder) Build(key int64) (*layout.Structure, error) {
	t, err := b.reg.Lookup(key)
	if err != nil {
		return nil, err
	}
	s := layout.NewStructure(names.Leaf(t.Name))
	seenVirtual := make(map[int64]bool)
	if err := b.spliceBases(s, t, seenVirtual, true); err != nil {
		return nil, fmt.Errorf("building %s: %w", t.Name, err)
	}
	if err := b.addVptr(s, t); err != nil {
		return nil, fmt.Errorf("building %s: %w", t.Name, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("building %s: %w", t.Name, err)
	}
	return s, nil
}

// embedded synthesizes the base-in-derived representation of a class: its
// non-virtual layout only. Virtual bases are never embedded through a base
// sub-object; the most-derived class splices each shared base exactly once.
func (b *Builder) embedded(t *typeinfo.ClassType) (*layout.Structure, error) {
	s := layout.NewStructure(names.Leaf(t.Name))
	if err := b.spliceBases(s, t, nil, false); err != nil {
		return nil, err
	}
	if err := b.addVptr(s, t); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *Builder) spliceBases(s *layout.Structure, t *typeinfo.ClassType, seenVirtual map[int64]bool, top bool) error {
	bases, err := b.res.Bases(t)
	if err != nil {
		return err
	}
	for _, base := range bases {
		if base.Virtual {
			if !top {
				continue
			}
			if seenVirtual[base.Key] {
				continue
			}
			seenVirtual[base.Key] = true
		}
		bt, err := b.reg.Lookup(base.Key)
		if err != nil {
			return err
		}
		bs, err := b.embedded(bt)
		if err != nil {
			return err
		}
		if bs.Length() == 0 {
			log.Debugf("skipping empty base %s of %s", bt.Name, t.Name)
			continue
		}
		if err := s.InsertAt(base.Offset, bs, names.SuperField(bt.Name)); err != nil {
			return fmt.Errorf("splicing base %s at offset %d: %w", bt.Name, base.Offset, err)
		}
	}
	return nil
}

// addVptr reserves the pointer-sized field at offset 0 when the class owns a
// non-empty vtable. An existing base sub-object at offset 0 already carries
// its own virtual pointer and is left untouched.
func (b *Builder) addVptr(s *layout.Structure, t *typeinfo.ClassType) error {
	if !t.HasVtable() {
		return nil
	}
	v, err := b.vt.Get(t.VtableKey)
	if err != nil {
		return err
	}
	if len(v.Prefixes) == 0 || len(v.Prefixes[0].Functions) == 0 {
		return nil
	}
	if f := s.FieldAt(0); f != nil {
		if strings.HasPrefix(f.Name, "super_") {
			return nil
		}
		if err := s.ClearRegion(0, b.ptrSize); err != nil {
			return err
		}
	}
	return s.InsertAt(0, layout.Pointer(b.ptrSize), vptrField)
}
