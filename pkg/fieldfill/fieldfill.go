// Package fieldfill discovers member sub-objects by walking destructor
// bodies with constant propagation.
//
// A destructor tears its members down through direct calls to their own
// destructors, with `this` advanced to the member's offset. Propagating the
// seeded `this` register forward and sampling it at each such call site
// recovers the member offsets, and the callee identifies the member type.
package fieldfill

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"

	"github.com/binrec/cppclass/internal/names"
	"github.com/binrec/cppclass/internal/store"
	"github.com/binrec/cppclass/pkg/layout"
	"github.com/binrec/cppclass/pkg/program"
	"github.com/binrec/cppclass/pkg/typeinfo"
	"github.com/binrec/cppclass/pkg/vtable"
)

// maxMemberOffset bounds plausible this-relative member offsets; larger
// propagated values are addresses or garbage, not members.
const maxMemberOffset = 0x10000

// DestructorPredicate recognizes destructor functions in the host model.
type DestructorPredicate func(fn *program.Function) bool

// NameBasedDestructor is the default predicate: the demangled name carries
// a destructor marker.
func NameBasedDestructor(fn *program.Function) bool {
	return fn != nil && strings.Contains(fn.Name, "~")
}

// Analyzer runs the member discovery pass over one class at a time.
type Analyzer struct {
	reg          *typeinfo.Registry
	vt           *vtable.Model
	prog         program.Model
	newProp      program.PropagatorFactory
	isDestructor DestructorPredicate

	// Counters for the pass summary.
	MembersAdded    int
	SitesSkipped    int
	ClassesAnalyzed int
}

// NewAnalyzer wires a member discovery analyzer. isDestructor may be nil to
// use the name-based default.
func NewAnalyzer(reg *typeinfo.Registry, vt *vtable.Model, prog program.Model,
	newProp program.PropagatorFactory, isDestructor DestructorPredicate) *Analyzer {
	if isDestructor == nil {
		isDestructor = NameBasedDestructor
	}
	return &Analyzer{reg: reg, vt: vt, prog: prog, newProp: newProp, isDestructor: isDestructor}
}

// FillClass analyzes one class's destructor (vtable slot 0 of the primary
// table) and splices discovered members into its composite structure.
// Errors are per-item: the caller logs and moves to the next class.
func (a *Analyzer) FillClass(ctx context.Context, t *typeinfo.ClassType) error {
	if !t.HasVtable() {
		return nil
	}
	tables, err := a.vt.FunctionTables(t.VtableKey)
	if err != nil {
		return err
	}
	if len(tables) == 0 || len(tables[0]) == 0 {
		return nil
	}
	dtor := tables[0][0]
	if dtor == nil || !a.isDestructor(dtor) {
		return nil
	}
	a.ClassesAnalyzed++
	return a.analyzeDestructor(ctx, t, dtor)
}

func (a *Analyzer) analyzeDestructor(ctx context.Context, t *typeinfo.ClassType, dtor *program.Function) error {
	if dtor.ThisRegister == "" {
		return fmt.Errorf("destructor %s has no register info for its this parameter", dtor.Name)
	}
	v, err := a.vt.Get(t.VtableKey)
	if err != nil {
		return err
	}

	// Bind this to the first table address as a representative value, so
	// propagated this-relative adjustments surface as small constants.
	prop := a.newProp()
	prop.Seed(dtor.ThisRegister, v.Prefixes[0].Addr)
	if err := prop.Flow(ctx, dtor.Entry); err != nil {
		return fmt.Errorf("constant propagation over %s: %w", dtor.Name, err)
	}

	insts, err := a.prog.Instructions(dtor)
	if err != nil {
		return fmt.Errorf("no instruction stream for %s: %w", dtor.Name, err)
	}
	st, err := a.reg.ClassDataType(t.Key)
	if err != nil {
		return err
	}

	for _, inst := range insts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !inst.IsCall || inst.Computed {
			continue
		}
		callee, err := a.prog.EnsureFunction(inst.Target)
		if err != nil {
			continue
		}
		if !a.isDestructor(callee) {
			continue
		}
		site := inst.Next
		if site == 0 {
			site = inst.Addr
		}
		val, ok := prop.Value(site, dtor.ThisRegister)
		if !ok || val <= 0 || val > maxMemberOffset {
			continue
		}
		member := a.memberType(callee)
		if member == nil {
			a.SitesSkipped++
			continue
		}
		if err := a.insertMember(st, val, member, t); err != nil {
			return err
		}
	}
	return nil
}

// memberType resolves the member structure for a destructor callee: the
// pointee of its first parameter where the host has a typed signature, else
// the structure already known for the callee's enclosing class scope.
func (a *Analyzer) memberType(callee *program.Function) *layout.Structure {
	name := callee.ParamStructName
	if name == "" {
		name = names.Namespace(callee.Name)
	}
	if name == "" {
		return nil
	}
	mt, err := a.reg.LookupByName(name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Debugf("member type %q lookup failed: %v", name, err)
		}
		return nil
	}
	st, err := a.reg.ClassDataType(mt.Key)
	if err != nil {
		log.Debugf("member type %q has no buildable structure: %v", name, err)
		return nil
	}
	return st
}

func (a *Analyzer) insertMember(st *layout.Structure, offset int64, member *layout.Structure, t *typeinfo.ClassType) error {
	if f := st.FieldAt(offset); f != nil {
		if _, isStruct := f.Type.(*layout.Structure); isStruct {
			// Already resolved by a prior, more specific pass.
			a.SitesSkipped++
			return nil
		}
	}
	// Clear the whole target region: placeholders anywhere in it go, not
	// just one covering the start offset.
	if err := st.ClearRegion(offset, member.Length()); err != nil {
		if errors.Is(err, layout.ErrNamedOverlap) {
			log.WithField("class", t.Name).Debugf(
				"member %s at offset %#x conflicts with placed sub-object, skipping",
				member.TypeName(), offset)
			a.SitesSkipped++
			return nil
		}
		return err
	}
	if err := st.InsertAt(offset, member, names.Leaf(member.TypeName())); err != nil {
		if errors.Is(err, layout.ErrOverlap) {
			a.SitesSkipped++
			return nil
		}
		return err
	}
	a.MembersAdded++
	log.WithField("class", t.Name).Debugf("added member %s at offset %#x",
		member.TypeName(), offset)
	return nil
}
