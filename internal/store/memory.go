package store

import (
	"encoding/gob"
	"os"
	"sort"

	"github.com/pkg/errors"
)

type memorySnapshot struct {
	Version  int
	Classes  map[int64]*ClassRecord
	Vtables  map[int64]*VtableRecord
	NextCKey int64
	NextVKey int64
}

// Memory is a store that keeps records in memory, with optional gob
// snapshots on disk so sessions can be resumed.
type Memory struct {
	Path string

	classes  map[int64]*ClassRecord
	vtables  map[int64]*VtableRecord
	nextCKey int64
	nextVKey int64
	closed   bool
}

// NewInMemory creates a new in-memory store. Path may be empty for a purely
// ephemeral store.
func NewInMemory(path string) *Memory {
	return &Memory{
		Path:     path,
		classes:  make(map[int64]*ClassRecord),
		vtables:  make(map[int64]*VtableRecord),
		nextCKey: 1,
		nextVKey: 1,
	}
}

// Connect loads a prior snapshot if one exists at Path.
func (m *Memory) Connect() error {
	if m.Path == "" {
		return nil
	}
	f, err := os.Open(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to open store snapshot")
	}
	defer f.Close()
	var snap memorySnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return errors.Wrap(err, "failed to decode store snapshot")
	}
	if snap.Version != SchemaVersion {
		return errors.Wrapf(ErrSchemaVersion, "snapshot version %d, want %d",
			snap.Version, SchemaVersion)
	}
	m.classes = snap.Classes
	m.vtables = snap.Vtables
	m.nextCKey = snap.NextCKey
	m.nextVKey = snap.NextVKey
	return nil
}

// Close writes a snapshot to Path if one was configured.
func (m *Memory) Close() error {
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	if m.Path == "" {
		return nil
	}
	f, err := os.Create(m.Path)
	if err != nil {
		return errors.Wrap(err, "failed to create store snapshot")
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(memorySnapshot{
		Version:  SchemaVersion,
		Classes:  m.classes,
		Vtables:  m.vtables,
		NextCKey: m.nextCKey,
		NextVKey: m.nextVKey,
	})
}

func (m *Memory) CreateClass(r *ClassRecord) error {
	if m.closed {
		return ErrClosed
	}
	r.Key = m.nextCKey
	m.nextCKey++
	cp := *r
	m.classes[r.Key] = &cp
	return nil
}

func (m *Memory) GetClass(key int64) (*ClassRecord, error) {
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.classes[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "class record %d", key)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) GetClassByAddr(addr uint64) (*ClassRecord, error) {
	if m.closed {
		return nil, ErrClosed
	}
	for _, r := range m.classes {
		if r.Addr != 0 && r.Addr == addr {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "class record at %#x", addr)
}

func (m *Memory) SaveClass(r *ClassRecord) error {
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.classes[r.Key]; !ok {
		return errors.Wrapf(ErrNotFound, "class record %d", r.Key)
	}
	cp := *r
	m.classes[r.Key] = &cp
	return nil
}

func (m *Memory) ForEachClass(fn func(r *ClassRecord) error) error {
	if m.closed {
		return ErrClosed
	}
	keys := make([]int64, 0, len(m.classes))
	for k := range m.classes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		cp := *m.classes[k]
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) CountClasses() (int64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.classes)), nil
}

func (m *Memory) CreateVtable(r *VtableRecord) error {
	if m.closed {
		return ErrClosed
	}
	r.Key = m.nextVKey
	m.nextVKey++
	cp := *r
	m.vtables[r.Key] = &cp
	return nil
}

func (m *Memory) GetVtable(key int64) (*VtableRecord, error) {
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.vtables[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "vtable record %d", key)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) SaveVtable(r *VtableRecord) error {
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.vtables[r.Key]; !ok {
		return errors.Wrapf(ErrNotFound, "vtable record %d", r.Key)
	}
	cp := *r
	m.vtables[r.Key] = &cp
	return nil
}

func (m *Memory) ForEachVtable(fn func(r *VtableRecord) error) error {
	if m.closed {
		return ErrClosed
	}
	keys := make([]int64, 0, len(m.vtables))
	for k := range m.vtables {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		cp := *m.vtables[k]
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

// Transaction runs fn against a deep copy of the store and swaps the copy in
// only when fn succeeds, so a failed transaction leaves no trace.
func (m *Memory) Transaction(fn func(tx Store) error) error {
	if m.closed {
		return ErrClosed
	}
	shadow := &Memory{
		Path:     m.Path,
		classes:  make(map[int64]*ClassRecord, len(m.classes)),
		vtables:  make(map[int64]*VtableRecord, len(m.vtables)),
		nextCKey: m.nextCKey,
		nextVKey: m.nextVKey,
	}
	for k, r := range m.classes {
		cp := *r
		cp.Data = append([]byte(nil), r.Data...)
		shadow.classes[k] = &cp
	}
	for k, r := range m.vtables {
		cp := *r
		cp.Data = append([]byte(nil), r.Data...)
		shadow.vtables[k] = &cp
	}
	if err := fn(shadow); err != nil {
		return err
	}
	m.classes = shadow.classes
	m.vtables = shadow.vtables
	m.nextCKey = shadow.nextCKey
	m.nextVKey = shadow.nextVKey
	return nil
}
