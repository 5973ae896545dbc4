// Package vtable is the durable model of per-class virtual function tables,
// including the secondary tables virtual and multiple inheritance produce.
//
// Each vtable persists as one record holding an ordered list of prefix
// records: a table address, the this-adjustment offsets for that sub-object,
// and the function entry array. Function entries resolve lazily against the
// host program model so individual slots can be repaired as disassembly
// improves.
package vtable

import (
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/binrec/cppclass/internal/blob"
	"github.com/binrec/cppclass/internal/store"
	"github.com/binrec/cppclass/pkg/program"
	"github.com/binrec/cppclass/pkg/typeinfo"
)

var (
	// ErrPrefixCount reports a prefix-record count that contradicts the
	// owner's inheritance scheme. Nothing is written.
	ErrPrefixCount = errors.New("vtable prefix count does not match inheritance scheme")
	// ErrIndexRange reports an out-of-range prefix or ordinal index.
	ErrIndexRange = errors.New("vtable index out of range")
	// ErrPrefixShape reports a prefix record with no this-adjustment
	// offsets. Nothing is written.
	ErrPrefixShape = errors.New("vtable prefix record has no this-adjustment offsets")
)

// Prefix is one table of a vtable: the primary table, or a secondary table
// for a virtual base sub-object.
type Prefix struct {
	Addr      uint64
	Offsets   []int64  // this-adjustment values for this sub-object
	Functions []uint64 // function entry addresses; 0 marks a null slot
}

// Vtable is a decoded vtable record.
type Vtable struct {
	Key      int64
	OwnerKey int64
	Prefixes []Prefix
}

// Offset returns the this-adjustment at (prefix, ordinal), bounds-checked.
func (v *Vtable) Offset(prefix, ordinal int) (int64, error) {
	if prefix < 0 || prefix >= len(v.Prefixes) {
		return 0, fmt.Errorf("prefix %d of %d: %w", prefix, len(v.Prefixes), ErrIndexRange)
	}
	offs := v.Prefixes[prefix].Offsets
	if ordinal < 0 || ordinal >= len(offs) {
		return 0, fmt.Errorf("ordinal %d of %d in prefix %d: %w",
			ordinal, len(offs), prefix, ErrIndexRange)
	}
	return offs[ordinal], nil
}

// TableAddresses returns the address of every prefix table in order.
func (v *Vtable) TableAddresses() []uint64 {
	addrs := make([]uint64, len(v.Prefixes))
	for i, p := range v.Prefixes {
		addrs[i] = p.Addr
	}
	return addrs
}

// HasNullSlot reports whether any prefix carries an unresolved or
// pure-virtual function entry.
func (v *Vtable) HasNullSlot() bool {
	for _, p := range v.Prefixes {
		for _, fn := range p.Functions {
			if fn == 0 {
				return true
			}
		}
	}
	return false
}

// Model persists and resolves vtables.
type Model struct {
	db   store.Store
	reg  *typeinfo.Registry
	prog program.Model
}

// NewModel creates a vtable model over the shared record store.
func NewModel(db store.Store, reg *typeinfo.Registry, prog program.Model) *Model {
	return &Model{db: db, reg: reg, prog: prog}
}

// Create validates and persists a vtable for the owning class, returning
// its record key. The prefix count must match what the owner's inheritance
// scheme declares, and every prefix must carry at least one this-adjustment
// offset; on either mismatch nothing is written.
func (m *Model) Create(ownerKey int64, prefixes []Prefix) (int64, error) {
	if len(prefixes) == 0 {
		return 0, fmt.Errorf("vtable for class %d has no prefix records: %w", ownerKey, ErrPrefixCount)
	}
	expected, err := m.reg.ExpectedPrefixCount(ownerKey)
	if err != nil {
		return 0, err
	}
	if len(prefixes) != expected {
		return 0, fmt.Errorf("class %d declares %d tables, vtable has %d: %w",
			ownerKey, expected, len(prefixes), ErrPrefixCount)
	}
	for i, p := range prefixes {
		if len(p.Offsets) == 0 {
			return 0, fmt.Errorf("prefix %d of class %d vtable: %w", i, ownerKey, ErrPrefixShape)
		}
	}

	var w blob.Writer
	w.PutUint64(uint64(len(prefixes)))
	for _, p := range prefixes {
		w.PutUint64(p.Addr)
		w.PutInt64Array(p.Offsets)
		w.PutUint64Array(p.Functions)
	}
	rec := &store.VtableRecord{OwnerKey: ownerKey, Data: w.Bytes()}
	if err := m.db.CreateVtable(rec); err != nil {
		return 0, err
	}
	log.WithField("key", rec.Key).Debugf("created vtable for class %d with %d prefix table(s)",
		ownerKey, len(prefixes))
	return rec.Key, nil
}

// Get decodes the vtable record for the given key.
func (m *Model) Get(key int64) (*Vtable, error) {
	rec, err := m.db.GetVtable(key)
	if err != nil {
		return nil, err
	}
	r := blob.NewReader(rec.Data)
	count, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("decoding vtable %d: %w", key, err)
	}
	v := &Vtable{Key: rec.Key, OwnerKey: rec.OwnerKey}
	for i := uint64(0); i < count; i++ {
		addr, err := r.Uint64()
		if err != nil {
			return nil, fmt.Errorf("decoding vtable %d prefix %d: %w", key, i, err)
		}
		offsets, err := r.Int64Array()
		if err != nil {
			return nil, fmt.Errorf("decoding vtable %d prefix %d offsets: %w", key, i, err)
		}
		funcs, err := r.Uint64Array()
		if err != nil {
			return nil, fmt.Errorf("decoding vtable %d prefix %d functions: %w", key, i, err)
		}
		v.Prefixes = append(v.Prefixes, Prefix{Addr: addr, Offsets: offsets, Functions: funcs})
	}
	return v, nil
}

// FunctionTables resolves every stored function entry against the program
// model. Entries with no function defined yet surface as nil slots so
// callers can repair them selectively.
func (m *Model) FunctionTables(key int64) ([][]*program.Function, error) {
	v, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	tables := make([][]*program.Function, len(v.Prefixes))
	for i, p := range v.Prefixes {
		tables[i] = make([]*program.Function, len(p.Functions))
		for j, addr := range p.Functions {
			if addr == 0 {
				continue
			}
			fn, err := m.prog.FunctionAt(addr)
			if err != nil {
				if errors.Is(err, program.ErrNoFunction) {
					continue
				}
				return nil, err
			}
			tables[i][j] = fn
		}
	}
	return tables, nil
}
