package fieldfill

import (
	"context"
	"errors"
	"testing"

	"github.com/binrec/cppclass/internal/store"
	"github.com/binrec/cppclass/pkg/layout"
	"github.com/binrec/cppclass/pkg/program"
	"github.com/binrec/cppclass/pkg/typeinfo"
	"github.com/binrec/cppclass/pkg/vtable"
)

type fixture struct {
	db          *store.Memory
	prog        *program.MemoryModel
	reg         *typeinfo.Registry
	vt          *vtable.Model
	owner       int64
	member      int64
	ownerStruct *layout.Structure
}

// newFixture registers an Owner class with a single-entry vtable whose slot 0
// is Owner's destructor, plus a 4-byte Member class, and wires a builder
// serving canned composite structures for both.
func newFixture(t *testing.T) *fixture {
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
	vtm := vtable.NewModel(db, reg, prog)

	ownerKey, err := reg.Register(typeinfo.Descriptor{
		Addr:     0x1000,
		TypeName: "Owner",
		Scheme:   typeinfo.SchemeSingle,
	})
	if err != nil {
		t.Fatalf("failed to register Owner: %v", err)
	}
	memberKey, err := reg.Register(typeinfo.Descriptor{
		Addr:     0x1100,
		TypeName: "Member",
		Scheme:   typeinfo.SchemeSingle,
	})
	if err != nil {
		t.Fatalf("failed to register Member: %v", err)
	}

	vk, err := vtm.Create(ownerKey, []vtable.Prefix{{
		Addr:      0x2000,
		Offsets:   []int64{0},
		Functions: []uint64{0x4000},
	}})
	if err != nil {
		t.Fatalf("failed to create Owner vtable: %v", err)
	}
	if err := reg.SetVtable(ownerKey, vk); err != nil {
		t.Fatalf("failed to link vtable: %v", err)
	}

	ownerStruct := layout.NewStructure("Owner")
	if err := ownerStruct.InsertAt(0, layout.Pointer(8), "_vptr"); err != nil {
		t.Fatalf("failed to place vptr: %v", err)
	}
	if err := ownerStruct.InsertAt(16, layout.Undefined(4), "field_0x10"); err != nil {
		t.Fatalf("failed to place placeholder field: %v", err)
	}
	memberStruct := layout.NewStructure("Member")
	if err := memberStruct.InsertAt(0, layout.Undefined(4), "field_0x0"); err != nil {
		t.Fatalf("failed to place member field: %v", err)
	}
	canned := map[int64]*layout.Structure{
		ownerKey:  ownerStruct,
		memberKey: memberStruct,
	}
	reg.SetBuilder(func(key int64) (*layout.Structure, error) {
		return canned[key], nil
	})

	prog.AddFunction(program.Function{
		Entry:        0x4000,
		End:          0x4040,
		Name:         "Owner::~Owner",
		ThisRegister: "x0",
	}, []program.Instruction{
		{Addr: 0x4010, Next: 0x4014, IsCall: true, Target: 0x5000},
	})
	prog.AddFunction(program.Function{
		Entry:        0x5000,
		End:          0x5010,
		Name:         "Member::~Member",
		ThisRegister: "x0",
	}, nil)

	return &fixture{
		db: db, prog: prog, reg: reg, vt: vtm,
		owner: ownerKey, member: memberKey, ownerStruct: ownerStruct,
	}
}

func (f *fixture) fill(t *testing.T) *Analyzer {
	t.Helper()
	a := NewAnalyzer(f.reg, f.vt, f.prog, f.prog.NewPropagator, nil)
	owner, err := f.reg.Lookup(f.owner)
	if err != nil {
		t.Fatalf("failed to look up Owner: %v", err)
	}
	if err := a.FillClass(context.Background(), owner); err != nil {
		t.Fatalf("FillClass failed: %v", err)
	}
	return a
}

func TestFillClassAddsMemberAtPropagatedOffset(t *testing.T) {
	f := newFixture(t)
	// The destructor advances this by 16 before tearing down the member.
	f.prog.SetValue(0x4014, "x0", 16)

	a := f.fill(t)

	if a.MembersAdded != 1 {
		t.Fatalf("got %d members added, want 1", a.MembersAdded)
	}
	fld := f.ownerStruct.FieldAt(16)
	if fld == nil {
		t.Fatal("no field at offset 16 after fill")
	}
	if fld.Name != "Member" {
		t.Errorf("got field name %q, want Member", fld.Name)
	}
	st, ok := fld.Type.(*layout.Structure)
	if !ok {
		t.Fatalf("field at 16 is %T, want *layout.Structure", fld.Type)
	}
	if st.TypeName() != "Member" {
		t.Errorf("got field type %q, want Member", st.TypeName())
	}
	// The undefined placeholder at [16,20) must be gone, not shadowed.
	for _, fd := range f.ownerStruct.Fields() {
		if fd.Name == "field_0x10" {
			t.Error("undefined placeholder at offset 16 survived the fill")
		}
	}
}

func TestFillClassClearsPartialPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.prog.SetValue(0x4014, "x0", 16)

	// A stray placeholder inside the member region that does not cover the
	// member's start offset must be cleared, not trip an overlap.
	if err := f.ownerStruct.ClearRegion(16, 4); err != nil {
		t.Fatalf("failed to reset placeholder: %v", err)
	}
	if err := f.ownerStruct.InsertAt(18, layout.Undefined(1), "field_0x12"); err != nil {
		t.Fatalf("failed to place partial placeholder: %v", err)
	}

	a := f.fill(t)

	if a.MembersAdded != 1 {
		t.Fatalf("got %d members added, want 1", a.MembersAdded)
	}
	fld := f.ownerStruct.FieldAt(16)
	if fld == nil || fld.Name != "Member" {
		t.Fatalf("no member at offset 16 after fill: %+v", fld)
	}
	for _, fd := range f.ownerStruct.Fields() {
		if fd.Name == "field_0x12" {
			t.Error("partial placeholder survived the fill")
		}
	}
}

func TestFillClassSkipsPlacedSubObject(t *testing.T) {
	f := newFixture(t)
	f.prog.SetValue(0x4014, "x0", 16)

	placed := layout.NewStructure("Base")
	if err := placed.InsertAt(0, layout.Undefined(4), "field_0x0"); err != nil {
		t.Fatalf("failed to build placed type: %v", err)
	}
	if err := f.ownerStruct.Replace(16, placed, "super_Base"); err != nil {
		t.Fatalf("failed to place sub-object: %v", err)
	}

	a := f.fill(t)

	if a.MembersAdded != 0 {
		t.Errorf("got %d members added, want 0", a.MembersAdded)
	}
	if a.SitesSkipped != 1 {
		t.Errorf("got %d sites skipped, want 1", a.SitesSkipped)
	}
	fld := f.ownerStruct.FieldAt(16)
	if fld == nil || fld.Name != "super_Base" {
		t.Fatalf("placed sub-object disturbed: %+v", fld)
	}
}

func TestFillClassIgnoresImplausibleOffsets(t *testing.T) {
	f := newFixture(t)
	f.prog.SetValue(0x4014, "x0", maxMemberOffset+8)

	a := f.fill(t)

	if a.MembersAdded != 0 {
		t.Errorf("got %d members added, want 0", a.MembersAdded)
	}
}

func TestFillClassHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	f.prog.SetValue(0x4014, "x0", 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewAnalyzer(f.reg, f.vt, f.prog, f.prog.NewPropagator, nil)
	owner, err := f.reg.Lookup(f.owner)
	if err != nil {
		t.Fatalf("failed to look up Owner: %v", err)
	}
	if err := a.FillClass(ctx, owner); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestNameBasedDestructor(t *testing.T) {
	if !NameBasedDestructor(&program.Function{Name: "Owner::~Owner"}) {
		t.Error("destructor name not recognized")
	}
	if NameBasedDestructor(&program.Function{Name: "Owner::size"}) {
		t.Error("plain method recognized as destructor")
	}
	if NameBasedDestructor(nil) {
		t.Error("nil function recognized as destructor")
	}
}
