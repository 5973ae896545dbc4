// Package typeinfo is the durable registry of discovered class type
// descriptors: stable keys, base-class linkage, vtable association, and the
// memoized composite structure identity.
package typeinfo

import (
	"hash/fnv"

	"github.com/binrec/cppclass/internal/store"
)

// Descriptor is a freshly discovered RTTI class descriptor, before it has a
// registry key.
type Descriptor struct {
	Addr     uint64 // descriptor address, 0 for archived/imported types
	TypeName string // demangled qualified class name
	Scheme   Scheme
	Bases    BaseData
}

// ClassType is a decoded registry record handle.
type ClassType struct {
	Key            int64
	Addr           uint64
	Name           string
	Scheme         Scheme
	VtableSearched bool
	VtableKey      int64
	Bases          BaseData
}

// HasVtable reports whether a validated vtable is linked to the class.
func (t *ClassType) HasVtable() bool {
	return t.VtableKey != store.NoKey
}

// Equal implements registry identity: persisted handles compare by key;
// a handle compared against an external, never-persisted descriptor falls
// back to address identity.
func (t *ClassType) Equal(o *ClassType) bool {
	if o == nil {
		return false
	}
	if t.Key != 0 && o.Key != 0 {
		return t.Key == o.Key
	}
	return t.Addr != 0 && t.Addr == o.Addr
}

// Hash is derived from the type name so it survives key remapping.
func (t *ClassType) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(t.Name))
	return h.Sum64()
}

func (t *ClassType) String() string {
	return t.Name
}
