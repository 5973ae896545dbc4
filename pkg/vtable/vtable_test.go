package vtable

import (
	"errors"
	"testing"

	"github.com/binrec/cppclass/internal/store"
	"github.com/binrec/cppclass/pkg/program"
	"github.com/binrec/cppclass/pkg/typeinfo"
)

func newTestModel(t *testing.T) (*Model, *typeinfo.Registry, *program.MemoryModel) {
	t.Helper()
	db := store.NewInMemory("")
	if err := db.Connect(); err != nil {
		t.Fatalf("failed to connect store: %v", err)
	}
	prog := program.NewMemoryModel(8)
	reg, err := typeinfo.NewRegistry(db, prog)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return NewModel(db, reg, prog), reg, prog
}

func register(t *testing.T, reg *typeinfo.Registry, d typeinfo.Descriptor) int64 {
	t.Helper()
	key, err := reg.Register(d)
	if err != nil {
		t.Fatalf("failed to register %s: %v", d.TypeName, err)
	}
	return key
}

func TestCreateGetRoundTrip(t *testing.T) {
	m, reg, _ := newTestModel(t)
	owner := register(t, reg, typeinfo.Descriptor{
		Addr: 0x1000, TypeName: "Widget", Scheme: typeinfo.SchemeSingle,
	})

	in := []Prefix{{
		Addr:      0x2000,
		Offsets:   []int64{0},
		Functions: []uint64{0x4000, 0x4100, 0, 0x4200},
	}}
	key, err := m.Create(owner, in)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	v, err := m.Get(key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v.OwnerKey != owner {
		t.Errorf("owner key = %d, want %d", v.OwnerKey, owner)
	}
	if len(v.Prefixes) != 1 {
		t.Fatalf("got %d prefixes, want 1", len(v.Prefixes))
	}
	p := v.Prefixes[0]
	if p.Addr != 0x2000 {
		t.Errorf("table address = %#x, want 0x2000", p.Addr)
	}
	if len(p.Functions) != 4 || p.Functions[2] != 0 {
		t.Errorf("function entries corrupted: %v", p.Functions)
	}
	if !v.HasNullSlot() {
		t.Error("null slot not reported")
	}
	if addrs := v.TableAddresses(); len(addrs) != 1 || addrs[0] != 0x2000 {
		t.Errorf("table addresses = %v", addrs)
	}
}

func TestCreateRejectsPrefixCountMismatch(t *testing.T) {
	m, reg, _ := newTestModel(t)

	// A virtual diamond owner declares one virtual base: two tables expected.
	base := register(t, reg, typeinfo.Descriptor{
		Addr: 0x1000, TypeName: "Base", Scheme: typeinfo.SchemeSingle,
	})
	owner := register(t, reg, typeinfo.Descriptor{
		Addr:     0x1040,
		TypeName: "Derived",
		Scheme:   typeinfo.SchemeVirtual,
		Bases: typeinfo.BaseData{
			Keys:    []int64{base},
			Offsets: []int64{0},
			Virtual: []bool{true},
		},
	})

	_, err := m.Create(owner, []Prefix{{Addr: 0x2000, Functions: []uint64{0x4000}}})
	if !errors.Is(err, ErrPrefixCount) {
		t.Fatalf("got %v, want ErrPrefixCount", err)
	}
	if _, err := m.Create(owner, nil); !errors.Is(err, ErrPrefixCount) {
		t.Fatalf("empty prefixes: got %v, want ErrPrefixCount", err)
	}

	// Nothing may have been written by the failed creates.
	var n int
	err = m.db.ForEachVtable(func(*store.VtableRecord) error { n++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("found %d vtable records after failed create, want 0", n)
	}

	key, err := m.Create(owner, []Prefix{
		{Addr: 0x2000, Offsets: []int64{0}, Functions: []uint64{0x4000}},
		{Addr: 0x2040, Offsets: []int64{16}, Functions: []uint64{0x4100}},
	})
	if err != nil {
		t.Fatalf("matching prefix count rejected: %v", err)
	}
	v, err := m.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Prefixes) != 2 {
		t.Errorf("got %d prefixes, want 2", len(v.Prefixes))
	}
}

func TestCreateRejectsOffsetlessPrefix(t *testing.T) {
	m, reg, _ := newTestModel(t)
	base := register(t, reg, typeinfo.Descriptor{
		Addr: 0x1000, TypeName: "Base", Scheme: typeinfo.SchemeSingle,
	})
	owner := register(t, reg, typeinfo.Descriptor{
		Addr:     0x1040,
		TypeName: "Derived",
		Scheme:   typeinfo.SchemeVirtual,
		Bases: typeinfo.BaseData{
			Keys:    []int64{base},
			Offsets: []int64{0},
			Virtual: []bool{true},
		},
	})

	// The prefix count matches the scheme, but the secondary table carries no
	// this-adjustment offsets.
	_, err := m.Create(owner, []Prefix{
		{Addr: 0x2000, Offsets: []int64{0}, Functions: []uint64{0x4000}},
		{Addr: 0x2040, Functions: []uint64{0x4100}},
	})
	if !errors.Is(err, ErrPrefixShape) {
		t.Fatalf("got %v, want ErrPrefixShape", err)
	}

	var n int
	err = m.db.ForEachVtable(func(*store.VtableRecord) error { n++; return nil })
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("found %d vtable records after failed create, want 0", n)
	}
}

func TestOffsetBounds(t *testing.T) {
	v := &Vtable{Prefixes: []Prefix{{Offsets: []int64{0, 16}}}}

	off, err := v.Offset(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if off != 16 {
		t.Errorf("got offset %d, want 16", off)
	}
	if _, err := v.Offset(1, 0); !errors.Is(err, ErrIndexRange) {
		t.Errorf("prefix out of range: got %v, want ErrIndexRange", err)
	}
	if _, err := v.Offset(0, 2); !errors.Is(err, ErrIndexRange) {
		t.Errorf("ordinal out of range: got %v, want ErrIndexRange", err)
	}
	if _, err := v.Offset(-1, 0); !errors.Is(err, ErrIndexRange) {
		t.Errorf("negative prefix: got %v, want ErrIndexRange", err)
	}
}

func TestFunctionTablesResolvesLazily(t *testing.T) {
	m, reg, prog := newTestModel(t)
	owner := register(t, reg, typeinfo.Descriptor{
		Addr: 0x1000, TypeName: "Widget", Scheme: typeinfo.SchemeSingle,
	})
	prog.AddFunction(program.Function{Entry: 0x4000, End: 0x4040, Name: "Widget::~Widget"}, nil)

	key, err := m.Create(owner, []Prefix{{
		Addr:      0x2000,
		Offsets:   []int64{0},
		Functions: []uint64{0x4000, 0, 0x9000},
	}})
	if err != nil {
		t.Fatal(err)
	}

	tables, err := m.FunctionTables(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || len(tables[0]) != 3 {
		t.Fatalf("unexpected table shape: %v", tables)
	}
	if tables[0][0] == nil || tables[0][0].Name != "Widget::~Widget" {
		t.Errorf("slot 0 did not resolve: %+v", tables[0][0])
	}
	if tables[0][1] != nil {
		t.Error("null slot must stay nil")
	}
	if tables[0][2] != nil {
		t.Error("undefined function entry must stay nil until disassembly improves")
	}

	// Once the host defines the function, the same record resolves further.
	prog.AddFunction(program.Function{Entry: 0x9000, End: 0x9010, Name: "Widget::size"}, nil)
	tables, err = m.FunctionTables(key)
	if err != nil {
		t.Fatal(err)
	}
	if tables[0][2] == nil || tables[0][2].Name != "Widget::size" {
		t.Errorf("slot 2 did not resolve after definition: %+v", tables[0][2])
	}
}
