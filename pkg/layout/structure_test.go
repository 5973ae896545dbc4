package layout

import (
	"errors"
	"testing"
)

func TestInsertNoOverlap(t *testing.T) {
	s := NewStructure("IOService")
	if err := s.InsertAt(0, Pointer(8), "_vptr"); err != nil {
		t.Fatalf("InsertAt failed: %v", err)
	}
	if err := s.InsertAt(8, Undefined(4), "field_0x8"); err != nil {
		t.Fatalf("InsertAt failed: %v", err)
	}
	if err := s.InsertAt(4, Undefined(8), "bad"); !errors.Is(err, ErrOverlap) {
		t.Errorf("expected ErrOverlap, got %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if s.Length() != 12 {
		t.Errorf("Length: got %d, want 12", s.Length())
	}
}

func TestFieldAt(t *testing.T) {
	s := NewStructure("OSObject")
	s.InsertAt(0, Pointer(8), "_vptr")
	s.InsertAt(16, Undefined(4), "retainCount")

	if f := s.FieldAt(3); f == nil || f.Name != "_vptr" {
		t.Errorf("FieldAt(3): got %+v, want _vptr", f)
	}
	if f := s.FieldAt(8); f != nil {
		t.Errorf("FieldAt(8) in gap: got %+v, want nil", f)
	}
	if f := s.FieldAt(18); f == nil || f.Name != "retainCount" {
		t.Errorf("FieldAt(18): got %+v, want retainCount", f)
	}
}

func TestClearRegionPlaceholders(t *testing.T) {
	s := NewStructure("Derived")
	s.InsertAt(16, Undefined(1), "undef_0x10")
	s.InsertAt(17, Undefined(1), "undef_0x11")
	s.InsertAt(18, Undefined(2), "undef_0x12")

	if err := s.ClearRegion(16, 4); err != nil {
		t.Fatalf("ClearRegion failed: %v", err)
	}
	if got := len(s.Fields()); got != 0 {
		t.Errorf("fields after clear: got %d, want 0", got)
	}

	member := NewStructure("Member")
	member.InsertAt(0, Undefined(4), "value")
	if err := s.InsertAt(16, member, "member_0x10"); err != nil {
		t.Fatalf("InsertAt member failed: %v", err)
	}
}

func TestClearRegionNamedSubObject(t *testing.T) {
	base := NewStructure("Base")
	base.InsertAt(0, Pointer(8), "_vptr")

	s := NewStructure("Derived")
	if err := s.InsertAt(0, base, "super_Base"); err != nil {
		t.Fatalf("InsertAt base failed: %v", err)
	}

	err := s.ClearRegion(0, 8)
	if !errors.Is(err, ErrNamedOverlap) {
		t.Fatalf("expected ErrNamedOverlap, got %v", err)
	}
	// Failed clear must leave the structure untouched.
	if f := s.FieldAt(0); f == nil || f.Name != "super_Base" {
		t.Errorf("base sub-object lost after failed clear: %+v", f)
	}
}

func TestReplace(t *testing.T) {
	s := NewStructure("IORegistryEntry")
	s.InsertAt(0, Undefined(8), "undef_0x0")
	if err := s.Replace(0, Pointer(8), "_vptr"); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	f := s.FieldAt(0)
	if f == nil || f.Name != "_vptr" {
		t.Errorf("FieldAt(0) after replace: got %+v, want _vptr", f)
	}
}

func TestStructureIdentity(t *testing.T) {
	a := NewStructure("A")
	b := NewStructure("A")
	if a.ID() == b.ID() {
		t.Error("distinct structures share an ID")
	}
	if a.ID() == 0 {
		t.Error("structure ID must be nonzero for the datatype memo column")
	}
}
