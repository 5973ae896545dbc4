// Package hierarchy derives inheritance structure from registered type
// descriptors and validated vtables: base offsets per inheritance scheme,
// abstractness, most-derived ordering, and composite structure synthesis.
package hierarchy

import (
	"fmt"

	"github.com/dominikbraun/graph"

	"github.com/binrec/cppclass/pkg/typeinfo"
	"github.com/binrec/cppclass/pkg/vtable"
)

// Base is one resolved base-class link: the base's registry key, its byte
// offset inside the derived class, and whether the link is virtual.
type Base struct {
	Key     int64
	Offset  int64
	Virtual bool
}

// Resolver computes base linkage from the scheme discriminator and, for
// virtual inheritance, from the vtable's own this-adjustment entries.
type Resolver struct {
	reg *typeinfo.Registry
	vt  *vtable.Model
}

// NewResolver creates a resolver over the registry and vtable model.
func NewResolver(reg *typeinfo.Registry, vt *vtable.Model) *Resolver {
	return &Resolver{reg: reg, vt: vt}
}

// Bases returns the ordered base links of a class. A virtual base reachable
// through more than one path appears exactly once.
func (r *Resolver) Bases(t *typeinfo.ClassType) ([]Base, error) {
	switch t.Scheme {
	case typeinfo.SchemeSingle:
		if len(t.Bases.Keys) == 0 {
			return nil, nil
		}
		return []Base{{Key: t.Bases.Keys[0], Offset: 0}}, nil

	case typeinfo.SchemeMultiple, typeinfo.SchemeWrapped:
		bases := make([]Base, len(t.Bases.Keys))
		for i, k := range t.Bases.Keys {
			bases[i] = Base{Key: k, Offset: t.Bases.Offsets[i], Virtual: t.Bases.Virtual[i]}
		}
		return dedupVirtual(bases), nil

	case typeinfo.SchemeVirtual:
		return r.virtualBases(t)

	case typeinfo.SchemeImported:
		// Opaque leaf: descriptor only, no offsets known locally.
		return nil, nil
	}
	return nil, fmt.Errorf("class %s: %w: %d", t.Name, typeinfo.ErrUnknownScheme, byte(t.Scheme))
}

// virtualBases reads non-virtual offsets from the descriptor and virtual
// offsets from the vtable's secondary prefix tables, which carry the actual
// this-adjustment for each shared sub-object.
func (r *Resolver) virtualBases(t *typeinfo.ClassType) ([]Base, error) {
	var vt *vtable.Vtable
	if t.HasVtable() {
		var err error
		vt, err = r.vt.Get(t.VtableKey)
		if err != nil {
			return nil, err
		}
	}
	bases := make([]Base, len(t.Bases.Keys))
	prefix := 1 // prefix 0 is the primary table
	for i, k := range t.Bases.Keys {
		b := Base{Key: k, Offset: t.Bases.Offsets[i], Virtual: t.Bases.Virtual[i]}
		if b.Virtual && vt != nil && prefix < len(vt.Prefixes) {
			if offs := vt.Prefixes[prefix].Offsets; len(offs) > 0 {
				b.Offset = offs[0]
			}
			prefix++
		}
		bases[i] = b
	}
	return dedupVirtual(bases), nil
}

func dedupVirtual(bases []Base) []Base {
	seen := make(map[int64]bool, len(bases))
	out := bases[:0:0]
	for _, b := range bases {
		if b.Virtual {
			if seen[b.Key] {
				continue
			}
			seen[b.Key] = true
		}
		out = append(out, b)
	}
	return out
}

// BaseOffsets maps each base key to its byte offset in the class.
func (r *Resolver) BaseOffsets(t *typeinfo.ClassType) (map[int64]int64, error) {
	bases, err := r.Bases(t)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]int64, len(bases))
	for _, b := range bases {
		m[b.Key] = b.Offset
	}
	return m, nil
}

// IsAbstract reports whether the class's own vtable carries a pure-virtual
// (null) slot in any prefix. A class without its own vtable inherits the
// primary base's abstractness. Covariant return slots and thunk entries are
// not distinguished here; a null entry counts.
func (r *Resolver) IsAbstract(key int64) (bool, error) {
	return r.isAbstract(key, make(map[int64]bool))
}

func (r *Resolver) isAbstract(key int64, visiting map[int64]bool) (bool, error) {
	if visiting[key] {
		return false, fmt.Errorf("inheritance cycle through class %d", key)
	}
	visiting[key] = true
	defer delete(visiting, key)

	t, err := r.reg.Lookup(key)
	if err != nil {
		return false, err
	}
	if t.HasVtable() {
		v, err := r.vt.Get(t.VtableKey)
		if err != nil {
			return false, err
		}
		return v.HasNullSlot(), nil
	}
	bases, err := r.Bases(t)
	if err != nil {
		return false, err
	}
	for _, b := range bases {
		if b.Offset == 0 && !b.Virtual {
			return r.isAbstract(b.Key, visiting)
		}
	}
	return false, nil
}

// SortMostDerived orders the given classes so that no class precedes any of
// its bases; ties among unrelated classes break by ascending discovery
// address for determinism.
func (r *Resolver) SortMostDerived(keys []int64) ([]int64, error) {
	addrs := make(map[int64]uint64, len(keys))
	inSet := make(map[int64]bool, len(keys))
	for _, k := range keys {
		inSet[k] = true
	}

	hash := func(k int64) int64 { return k }
	g := graph.New(hash, graph.Directed(), graph.PreventCycles())

	for _, k := range keys {
		t, err := r.reg.Lookup(k)
		if err != nil {
			return nil, err
		}
		addrs[k] = t.Addr
		if err := g.AddVertex(k); err != nil && err != graph.ErrVertexAlreadyExists {
			return nil, err
		}
	}
	for _, k := range keys {
		t, err := r.reg.Lookup(k)
		if err != nil {
			return nil, err
		}
		bases, err := r.Bases(t)
		if err != nil {
			return nil, err
		}
		for _, b := range bases {
			if !inSet[b.Key] {
				continue
			}
			if err := g.AddEdge(b.Key, k); err != nil &&
				err != graph.ErrEdgeAlreadyExists && err != graph.ErrEdgeCreatesCycle {
				return nil, err
			}
		}
	}

	return graph.StableTopologicalSort(g, func(a, b int64) bool {
		if addrs[a] != addrs[b] {
			return addrs[a] < addrs[b]
		}
		return a < b
	})
}
