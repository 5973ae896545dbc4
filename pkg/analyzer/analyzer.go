// Package analyzer drives the full class reconstruction pass: vtable
// validation, structure synthesis in most-derived order, and the optional
// constructor/destructor and field-filling analyses.
//
// The pass is cooperative single-writer batch processing: cancellation is
// polled once per class, per vtable, and per instruction (inside fieldfill),
// and everything persisted before a cancellation remains valid, so an
// interrupted pass is resumable.
package analyzer

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"github.com/binrec/cppclass/internal/names"
	"github.com/binrec/cppclass/pkg/fieldfill"
	"github.com/binrec/cppclass/pkg/hierarchy"
	"github.com/binrec/cppclass/pkg/program"
	"github.com/binrec/cppclass/pkg/typeinfo"
	"github.com/binrec/cppclass/pkg/vtable"
)

// Options selects the optional analysis passes.
type Options struct {
	// LocateConstructors labels destructors (and their constructor
	// counterparts where recognizable) found through vtable slot 0.
	LocateConstructors bool
	// FillClassFields runs the destructor-driven member discovery pass.
	FillClassFields bool
}

// Counters summarizes one pass for the log and for callers.
type Counters struct {
	Classes          int
	VtablesValidated int
	VtablesInvalid   int
	StructuresBuilt  int
	StructureErrors  int
	DtorsLabeled     int
	MembersAdded     int
}

// Analyzer owns one reconstruction pass over a registry.
type Analyzer struct {
	reg     *typeinfo.Registry
	vt      *vtable.Model
	res     *hierarchy.Resolver
	prog    program.Model
	newProp program.PropagatorFactory
	isDtor  fieldfill.DestructorPredicate
	opts    Options
}

// New wires an analyzer over the shared models and injects the layout
// builder into the registry.
func New(reg *typeinfo.Registry, vt *vtable.Model, res *hierarchy.Resolver,
	bld *hierarchy.Builder, prog program.Model, newProp program.PropagatorFactory,
	opts Options) *Analyzer {
	reg.SetBuilder(bld.Build)
	return &Analyzer{
		reg:     reg,
		vt:      vt,
		res:     res,
		prog:    prog,
		newProp: newProp,
		isDtor:  fieldfill.NameBasedDestructor,
		opts:    opts,
	}
}

// SetDestructorPredicate overrides the destructor recognizer.
func (a *Analyzer) SetDestructorPredicate(p fieldfill.DestructorPredicate) {
	if p != nil {
		a.isDtor = p
	}
}

// Run executes the pass. A context cancellation unwinds promptly and is
// returned as-is; per-class failures are logged and skipped.
func (a *Analyzer) Run(ctx context.Context) (*Counters, error) {
	var c Counters

	var keys []int64
	err := a.reg.ForEach(func(t *typeinfo.ClassType) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys = append(keys, t.Key)
		return nil
	})
	if err != nil {
		return &c, err
	}
	c.Classes = len(keys)
	log.Infof("analyzing %d classes", len(keys))

	withVtables, err := a.validateVtables(ctx, keys, &c)
	if err != nil {
		return &c, err
	}

	ordered, err := a.res.SortMostDerived(keys)
	if err != nil {
		return &c, fmt.Errorf("most-derived ordering failed: %w", err)
	}

	if a.opts.LocateConstructors {
		if err := a.labelDestructors(ctx, ordered, &c); err != nil {
			return &c, err
		}
	}

	if err := a.repairInheritance(ctx, ordered, &c); err != nil {
		return &c, err
	}

	if a.opts.FillClassFields {
		if err := a.fillStructures(ctx, withVtables, &c); err != nil {
			return &c, err
		}
	}

	log.Infof("pass done: %d vtables validated (%d invalid), %d structures built (%d failed), %d members added",
		c.VtablesValidated, c.VtablesInvalid, c.StructuresBuilt, c.StructureErrors, c.MembersAdded)
	return &c, nil
}

// validateVtables decodes every searched class's vtable record, dropping
// classes whose stored vtable no longer decodes from further vtable work.
func (a *Analyzer) validateVtables(ctx context.Context, keys []int64, c *Counters) ([]int64, error) {
	var ok []int64
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := a.reg.Lookup(key)
		if err != nil {
			return nil, err
		}
		if !t.HasVtable() {
			continue
		}
		if _, err := a.vt.Get(t.VtableKey); err != nil {
			log.WithField("class", t.Name).Debugf("stored vtable %d invalid: %v", t.VtableKey, err)
			c.VtablesInvalid++
			continue
		}
		c.VtablesValidated++
		ok = append(ok, key)
	}
	return ok, nil
}

// labelDestructors walks classes from least derived and labels the slot-0
// function of each primary table as the class destructor.
func (a *Analyzer) labelDestructors(ctx context.Context, ordered []int64, c *Counters) error {
	for _, key := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := a.reg.Lookup(key)
		if err != nil {
			return err
		}
		if !t.HasVtable() {
			continue
		}
		tables, err := a.vt.FunctionTables(t.VtableKey)
		if err != nil || len(tables) == 0 || len(tables[0]) == 0 {
			continue
		}
		dtor := tables[0][0]
		if dtor == nil {
			continue
		}
		leaf := names.Leaf(t.Name)
		if err := a.prog.EnsureLabel(dtor.Entry, "~"+leaf, t.Name); err != nil {
			log.WithField("class", t.Name).Debugf("failed to label destructor: %v", err)
			continue
		}
		c.DtorsLabeled++
	}
	return nil
}

// repairInheritance builds every class's composite structure in
// most-derived order so bases are memoized before their derived classes
// request them. Per-class failures are logged and skipped.
func (a *Analyzer) repairInheritance(ctx context.Context, ordered []int64, c *Counters) error {
	for _, key := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.reg.ClassDataType(key); err != nil {
			t, lerr := a.reg.Lookup(key)
			name := fmt.Sprintf("class %d", key)
			if lerr == nil {
				name = t.Name
			}
			log.Infof("unable to resolve inheritance model for %s: %v", name, err)
			c.StructureErrors++
			continue
		}
		c.StructuresBuilt++
	}
	return nil
}

// fillStructures runs the member discovery pass over every class with a
// destructor in vtable slot 0.
func (a *Analyzer) fillStructures(ctx context.Context, withVtables []int64, c *Counters) error {
	if a.newProp == nil {
		log.Warn("field filling requested but no constant propagation engine wired, skipping")
		return nil
	}
	ff := fieldfill.NewAnalyzer(a.reg, a.vt, a.prog, a.newProp, a.isDtor)
	for _, key := range withVtables {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := a.reg.Lookup(key)
		if err != nil {
			return err
		}
		if err := ff.FillClass(ctx, t); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.WithField("class", t.Name).Debugf("field filling skipped: %v", err)
		}
	}
	c.MembersAdded = ff.MembersAdded
	if ff.ClassesAnalyzed > 0 {
		log.Infof("field filling: %d destructors analyzed, %d members added, %d sites skipped",
			ff.ClassesAnalyzed, ff.MembersAdded, ff.SitesSkipped)
	}
	return nil
}
