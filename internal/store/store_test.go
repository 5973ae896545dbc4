package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestMemoryClassCRUD(t *testing.T) {
	m := NewInMemory("")
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	r := &ClassRecord{
		Addr:      0x1000,
		TypeName:  "IOService",
		SchemeID:  1,
		VtableKey: NoKey,
	}
	if err := m.CreateClass(r); err != nil {
		t.Fatalf("CreateClass failed: %v", err)
	}
	if r.Key == 0 {
		t.Fatal("CreateClass did not assign a key")
	}

	got, err := m.GetClass(r.Key)
	if err != nil {
		t.Fatalf("GetClass failed: %v", err)
	}
	if got.TypeName != "IOService" {
		t.Errorf("TypeName: got %q, want %q", got.TypeName, "IOService")
	}

	byAddr, err := m.GetClassByAddr(0x1000)
	if err != nil {
		t.Fatalf("GetClassByAddr failed: %v", err)
	}
	if byAddr.Key != r.Key {
		t.Errorf("GetClassByAddr key: got %d, want %d", byAddr.Key, r.Key)
	}

	if _, err := m.GetClass(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}
	if _, err := m.GetClassByAddr(0xdead); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing addr, got %v", err)
	}

	got.VtableSearched = true
	got.VtableKey = 7
	if err := m.SaveClass(got); err != nil {
		t.Fatalf("SaveClass failed: %v", err)
	}
	again, _ := m.GetClass(r.Key)
	if !again.VtableSearched || again.VtableKey != 7 {
		t.Errorf("SaveClass not persisted: %+v", again)
	}
}

func TestMemoryClosedRejectsAllAccess(t *testing.T) {
	m := NewInMemory("")
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.CreateClass(&ClassRecord{Addr: 0x1000, TypeName: "IOService", VtableKey: NoKey}); err != nil {
		t.Fatalf("CreateClass failed: %v", err)
	}
	if err := m.CreateVtable(&VtableRecord{OwnerKey: 1}); err != nil {
		t.Fatalf("CreateVtable failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reads and writes alike must refuse a closed store.
	if _, err := m.GetClass(1); !errors.Is(err, ErrClosed) {
		t.Errorf("GetClass after close: got %v, want ErrClosed", err)
	}
	if _, err := m.GetClassByAddr(0x1000); !errors.Is(err, ErrClosed) {
		t.Errorf("GetClassByAddr after close: got %v, want ErrClosed", err)
	}
	if err := m.ForEachClass(func(*ClassRecord) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("ForEachClass after close: got %v, want ErrClosed", err)
	}
	if _, err := m.CountClasses(); !errors.Is(err, ErrClosed) {
		t.Errorf("CountClasses after close: got %v, want ErrClosed", err)
	}
	if _, err := m.GetVtable(1); !errors.Is(err, ErrClosed) {
		t.Errorf("GetVtable after close: got %v, want ErrClosed", err)
	}
	if err := m.ForEachVtable(func(*VtableRecord) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("ForEachVtable after close: got %v, want ErrClosed", err)
	}
	if err := m.CreateClass(&ClassRecord{TypeName: "Late", VtableKey: NoKey}); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateClass after close: got %v, want ErrClosed", err)
	}
	if err := m.Transaction(func(Store) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Transaction after close: got %v, want ErrClosed", err)
	}
}

func TestMemoryTransactionRollback(t *testing.T) {
	m := NewInMemory("")
	r := &ClassRecord{TypeName: "Base", VtableKey: NoKey}
	if err := m.CreateClass(r); err != nil {
		t.Fatalf("CreateClass failed: %v", err)
	}

	boom := errors.New("boom")
	err := m.Transaction(func(tx Store) error {
		rec, err := tx.GetClass(r.Key)
		if err != nil {
			return err
		}
		rec.TypeName = "Mutated"
		if err := tx.SaveClass(rec); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transaction error, got %v", err)
	}

	got, err := m.GetClass(r.Key)
	if err != nil {
		t.Fatalf("GetClass failed: %v", err)
	}
	if got.TypeName != "Base" {
		t.Errorf("failed transaction mutated store: TypeName = %q", got.TypeName)
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.gob")

	m := NewInMemory(path)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.CreateClass(&ClassRecord{TypeName: "OSObject", Addr: 0x2000, VtableKey: NoKey}); err != nil {
		t.Fatalf("CreateClass failed: %v", err)
	}
	if err := m.CreateVtable(&VtableRecord{OwnerKey: 1, Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("CreateVtable failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := NewInMemory(path)
	if err := reopened.Connect(); err != nil {
		t.Fatalf("reopen Connect failed: %v", err)
	}
	got, err := reopened.GetClassByAddr(0x2000)
	if err != nil {
		t.Fatalf("GetClassByAddr after reopen failed: %v", err)
	}
	if got.TypeName != "OSObject" {
		t.Errorf("TypeName after reopen: got %q, want %q", got.TypeName, "OSObject")
	}
	vt, err := reopened.GetVtable(1)
	if err != nil {
		t.Fatalf("GetVtable after reopen failed: %v", err)
	}
	if len(vt.Data) != 3 {
		t.Errorf("vtable blob after reopen: got %d bytes, want 3", len(vt.Data))
	}

	// New keys must not collide with snapshotted ones.
	nr := &ClassRecord{TypeName: "IORegistryEntry", VtableKey: NoKey}
	if err := reopened.CreateClass(nr); err != nil {
		t.Fatalf("CreateClass after reopen failed: %v", err)
	}
	if nr.Key != 2 {
		t.Errorf("key after reopen: got %d, want 2", nr.Key)
	}
}

func TestSqliteCRUD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.db")
	s, err := NewSqlite(path)
	if err != nil {
		t.Fatalf("NewSqlite failed: %v", err)
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	r := &ClassRecord{Addr: 0x3000, TypeName: "IOUserClient", SchemeID: 2, VtableKey: NoKey}
	if err := s.CreateClass(r); err != nil {
		t.Fatalf("CreateClass failed: %v", err)
	}
	got, err := s.GetClassByAddr(0x3000)
	if err != nil {
		t.Fatalf("GetClassByAddr failed: %v", err)
	}
	if got.TypeName != "IOUserClient" {
		t.Errorf("TypeName: got %q, want %q", got.TypeName, "IOUserClient")
	}

	if _, err := s.GetClass(12345); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	boom := errors.New("boom")
	err = s.Transaction(func(tx Store) error {
		rec, err := tx.GetClass(r.Key)
		if err != nil {
			return err
		}
		rec.TypeName = "Mutated"
		if err := tx.SaveClass(rec); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transaction error, got %v", err)
	}
	got, _ = s.GetClass(r.Key)
	if got.TypeName != "IOUserClient" {
		t.Errorf("rolled-back transaction mutated store: TypeName = %q", got.TypeName)
	}
}
