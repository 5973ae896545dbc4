// Package store provides the keyed record store underneath the type and
// vtable models.
//
// Records carry opaque model-specific blobs plus the handful of columns the
// registry indexes on. Two backends are provided: a sqlite database for
// persistent analysis sessions and an in-memory map with gob snapshots.
package store

import "errors"

// SchemaVersion is bumped on any incompatible record layout change.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when no record exists for a key or address.
	ErrNotFound = errors.New("record not found")
	// ErrClosed is returned when the store has already been closed.
	ErrClosed = errors.New("store is closed")
	// ErrSchemaVersion is returned when a store was written by an
	// incompatible schema version.
	ErrSchemaVersion = errors.New("incompatible store schema version")
)

// NoKey marks an unset record reference (e.g. a class without a vtable).
const NoKey int64 = -1

// ClassRecord is the persisted form of a discovered class type descriptor.
type ClassRecord struct {
	Key            int64  `gorm:"primaryKey;autoIncrement"`
	Addr           uint64 `gorm:"index"` // 0 for archived/imported descriptors
	TypeName       string
	SchemeID       byte  // inheritance scheme discriminator
	VtableSearched bool  // a vtable search has been performed
	VtableKey      int64 // NoKey until a vtable is validated
	DataTypeID     int64 // session-scoped structure identity, 0 until first built; stale after restart
	Data           []byte
}

// VtableRecord is the persisted form of a class's virtual function table(s).
type VtableRecord struct {
	Key      int64 `gorm:"primaryKey;autoIncrement"`
	OwnerKey int64 `gorm:"index"`
	Data     []byte // prefix records packed by internal/blob
}

// Meta holds store-wide bookkeeping, currently just the schema version.
type Meta struct {
	ID      uint `gorm:"primaryKey"`
	Version int
}

// Store is the narrow contract the registry and vtable model consume.
//
// Single-writer discipline: analysis is the only writer during a pass;
// concurrent reads are allowed only under that assumption.
type Store interface {
	// Connect opens the backing storage and validates the schema version.
	Connect() error
	// Close flushes and releases the backing storage.
	Close() error

	// CreateClass persists a new class record and assigns its key.
	CreateClass(r *ClassRecord) error
	// GetClass returns the class record for the given key.
	// It returns ErrNotFound if the key does not exist.
	GetClass(key int64) (*ClassRecord, error)
	// GetClassByAddr returns the class record at the given descriptor address.
	// It returns ErrNotFound if no record has that address.
	GetClassByAddr(addr uint64) (*ClassRecord, error)
	// SaveClass overwrites an existing class record.
	SaveClass(r *ClassRecord) error
	// ForEachClass iterates all class records in ascending key order.
	ForEachClass(fn func(r *ClassRecord) error) error
	// CountClasses returns the number of class records.
	CountClasses() (int64, error)

	// CreateVtable persists a new vtable record and assigns its key.
	CreateVtable(r *VtableRecord) error
	// GetVtable returns the vtable record for the given key.
	// It returns ErrNotFound if the key does not exist.
	GetVtable(key int64) (*VtableRecord, error)
	// SaveVtable overwrites an existing vtable record.
	SaveVtable(r *VtableRecord) error
	// ForEachVtable iterates all vtable records in ascending key order.
	ForEachVtable(fn func(r *VtableRecord) error) error

	// Transaction runs fn against a transactional view of the store.
	// If fn returns an error no mutation made inside it is kept.
	Transaction(fn func(tx Store) error) error
}
