package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sqlite is a store backed by a sqlite database file.
type Sqlite struct {
	URL string

	db *gorm.DB
}

// NewSqlite creates a new sqlite-backed store.
func NewSqlite(path string) (*Sqlite, error) {
	if path == "" {
		return nil, fmt.Errorf("'path' is required")
	}
	return &Sqlite{URL: path}, nil
}

// Connect opens the database, migrates the schema and validates the schema
// version against what this build writes.
func (s *Sqlite) Connect() (err error) {
	s.db, err = gorm.Open(sqlite.Open(s.URL), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect sqlite database: %w", err)
	}
	if err := s.db.AutoMigrate(&ClassRecord{}, &VtableRecord{}, &Meta{}); err != nil {
		return fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	var meta Meta
	if err := s.db.First(&meta).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to read store metadata: %w", err)
		}
		return s.db.Create(&Meta{ID: 1, Version: SchemaVersion}).Error
	}
	if meta.Version != SchemaVersion {
		return errors.Wrapf(ErrSchemaVersion, "database version %d, want %d",
			meta.Version, SchemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *Sqlite) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return db.Close()
}

func (s *Sqlite) CreateClass(r *ClassRecord) error {
	if result := s.db.Create(r); result.Error != nil {
		return result.Error
	}
	return nil
}

func (s *Sqlite) GetClass(key int64) (*ClassRecord, error) {
	var r ClassRecord
	if err := s.db.First(&r, key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "class record %d", key)
		}
		return nil, err
	}
	return &r, nil
}

func (s *Sqlite) GetClassByAddr(addr uint64) (*ClassRecord, error) {
	if addr == 0 {
		return nil, errors.Wrap(ErrNotFound, "class record at null address")
	}
	var r ClassRecord
	if err := s.db.Where("addr = ?", addr).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "class record at %#x", addr)
		}
		return nil, err
	}
	return &r, nil
}

func (s *Sqlite) SaveClass(r *ClassRecord) error {
	result := s.db.Model(&ClassRecord{}).Where("key = ?", r.Key).Updates(map[string]any{
		"addr":            r.Addr,
		"type_name":       r.TypeName,
		"scheme_id":       r.SchemeID,
		"vtable_searched": r.VtableSearched,
		"vtable_key":      r.VtableKey,
		"data_type_id":    r.DataTypeID,
		"data":            r.Data,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "class record %d", r.Key)
	}
	return nil
}

func (s *Sqlite) ForEachClass(fn func(r *ClassRecord) error) error {
	var records []ClassRecord
	if err := s.db.Order("key").Find(&records).Error; err != nil {
		return err
	}
	for i := range records {
		if err := fn(&records[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sqlite) CountClasses() (int64, error) {
	var count int64
	if err := s.db.Model(&ClassRecord{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Sqlite) CreateVtable(r *VtableRecord) error {
	if result := s.db.Create(r); result.Error != nil {
		return result.Error
	}
	return nil
}

func (s *Sqlite) GetVtable(key int64) (*VtableRecord, error) {
	var r VtableRecord
	if err := s.db.First(&r, key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "vtable record %d", key)
		}
		return nil, err
	}
	return &r, nil
}

func (s *Sqlite) SaveVtable(r *VtableRecord) error {
	result := s.db.Model(&VtableRecord{}).Where("key = ?", r.Key).Updates(map[string]any{
		"owner_key": r.OwnerKey,
		"data":      r.Data,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "vtable record %d", r.Key)
	}
	return nil
}

func (s *Sqlite) ForEachVtable(fn func(r *VtableRecord) error) error {
	var records []VtableRecord
	if err := s.db.Order("key").Find(&records).Error; err != nil {
		return err
	}
	for i := range records {
		if err := fn(&records[i]); err != nil {
			return err
		}
	}
	return nil
}

// Transaction runs fn inside a database transaction; fn returning an error
// rolls every mutation back.
func (s *Sqlite) Transaction(fn func(tx Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Sqlite{URL: s.URL, db: tx})
	})
}
