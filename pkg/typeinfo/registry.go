package typeinfo

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/binrec/cppclass/internal/names"
	"github.com/binrec/cppclass/internal/store"
	"github.com/binrec/cppclass/pkg/layout"
	"github.com/binrec/cppclass/pkg/program"
)

// ErrRemapIncomplete reports a base key left without a target by a remap
// map. The whole remap is rolled back: a half-remapped hierarchy is worse
// than a stale one.
var ErrRemapIncomplete = errors.New("key remap is missing an entry")

// decodedCacheSize bounds the decoded-record cache; analysis touches
// hierarchies far smaller than this, re-decoding past it is cheap.
const decodedCacheSize = 4096

// BuilderFunc synthesizes a class's composite structure. The layout builder
// is injected at wiring time so the registry never reaches back into the
// packages stacked on top of it.
type BuilderFunc func(key int64) (*layout.Structure, error)

// Registry is the durable store of discovered class type descriptors.
type Registry struct {
	db   store.Store
	prog program.Model

	cache   *lru.Cache[int64, *ClassType]
	structs map[int64]*layout.Structure // composite memo keyed by class key
	byName  map[string]int64
	builder BuilderFunc
}

// NewRegistry creates a registry over the given record store. prog may be
// nil when no symbol table is available (store-only sessions).
func NewRegistry(db store.Store, prog program.Model) (*Registry, error) {
	cache, err := lru.New[int64, *ClassType](decodedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		db:      db,
		prog:    prog,
		cache:   cache,
		structs: make(map[int64]*layout.Structure),
	}, nil
}

// SetBuilder injects the composite structure builder used by ClassDataType.
func (r *Registry) SetBuilder(fn BuilderFunc) {
	r.builder = fn
}

// Register persists a freshly discovered descriptor and returns its stable
// key. Registering the same descriptor address again returns the existing
// key; nothing is rewritten.
func (r *Registry) Register(d Descriptor) (int64, error) {
	if !d.Scheme.Valid() {
		return 0, fmt.Errorf("registering %s: %w: %d", d.TypeName, ErrUnknownScheme, byte(d.Scheme))
	}
	if d.Addr != 0 {
		if existing, err := r.db.GetClassByAddr(d.Addr); err == nil {
			return existing.Key, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}
	data, err := EncodeBases(d.Scheme, d.Bases)
	if err != nil {
		return 0, fmt.Errorf("encoding bases of %s: %w", d.TypeName, err)
	}
	rec := &store.ClassRecord{
		Addr:      d.Addr,
		TypeName:  d.TypeName,
		SchemeID:  byte(d.Scheme),
		VtableKey: store.NoKey,
		Data:      data,
	}
	if err := r.db.CreateClass(rec); err != nil {
		return 0, err
	}
	if r.byName != nil {
		r.byName[d.TypeName] = rec.Key
	}
	if r.prog != nil && d.Addr != 0 {
		// Mark the descriptor with a typeinfo label under the class scope.
		if err := r.prog.EnsureLabel(d.Addr, "typeinfo", d.TypeName); err != nil {
			log.WithField("class", d.TypeName).Debugf("failed to create typeinfo label: %v", err)
		}
	}
	log.WithField("key", rec.Key).Debugf("registered class %s (%s)", d.TypeName, d.Scheme)
	return rec.Key, nil
}

func (r *Registry) decode(rec *store.ClassRecord) (*ClassType, error) {
	scheme := Scheme(rec.SchemeID)
	bases, err := DecodeBases(scheme, rec.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding record %d (%s): %w", rec.Key, rec.TypeName, err)
	}
	return &ClassType{
		Key:            rec.Key,
		Addr:           rec.Addr,
		Name:           rec.TypeName,
		Scheme:         scheme,
		VtableSearched: rec.VtableSearched,
		VtableKey:      rec.VtableKey,
		Bases:          bases,
	}, nil
}

// Lookup returns the class for a registry key.
func (r *Registry) Lookup(key int64) (*ClassType, error) {
	if t, ok := r.cache.Get(key); ok {
		return t, nil
	}
	rec, err := r.db.GetClass(key)
	if err != nil {
		return nil, err
	}
	t, err := r.decode(rec)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, t)
	return t, nil
}

// LookupByAddr returns the class whose descriptor sits at addr.
func (r *Registry) LookupByAddr(addr uint64) (*ClassType, error) {
	rec, err := r.db.GetClassByAddr(addr)
	if err != nil {
		return nil, err
	}
	return r.Lookup(rec.Key)
}

// LookupByName returns the class with the given recovered type name.
func (r *Registry) LookupByName(name string) (*ClassType, error) {
	if r.byName == nil {
		r.byName = make(map[string]int64)
		err := r.db.ForEachClass(func(rec *store.ClassRecord) error {
			r.byName[rec.TypeName] = rec.Key
			return nil
		})
		if err != nil {
			r.byName = nil
			return nil, err
		}
	}
	key, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("class %q: %w", name, store.ErrNotFound)
	}
	return r.Lookup(key)
}

// ForEach iterates all registered classes in key order.
func (r *Registry) ForEach(fn func(t *ClassType) error) error {
	return r.db.ForEachClass(func(rec *store.ClassRecord) error {
		t, err := r.decode(rec)
		if err != nil {
			return err
		}
		return fn(t)
	})
}

// Count returns the number of registered classes.
func (r *Registry) Count() (int64, error) {
	return r.db.CountClasses()
}

// BaseKeys returns the registry keys of the class's bases, decoded by the
// scheme the record's discriminator selects.
func (r *Registry) BaseKeys(key int64) ([]int64, error) {
	t, err := r.Lookup(key)
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), t.Bases.Keys...), nil
}

// Offsets returns the base offsets parallel to BaseKeys.
func (r *Registry) Offsets(key int64) ([]int64, error) {
	t, err := r.Lookup(key)
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), t.Bases.Offsets...), nil
}

// ExpectedPrefixCount returns the vtable prefix-record count the class's
// inheritance scheme implies.
func (r *Registry) ExpectedPrefixCount(key int64) (int, error) {
	t, err := r.Lookup(key)
	if err != nil {
		return 0, err
	}
	return t.Scheme.PrefixCount(t.Bases)
}

// SetVtable links a validated vtable to the class and marks the search
// done. Passing store.NoKey records that the search found nothing valid.
// Idempotent.
func (r *Registry) SetVtable(key, vtableKey int64) error {
	rec, err := r.db.GetClass(key)
	if err != nil {
		return err
	}
	if rec.VtableSearched && rec.VtableKey == vtableKey {
		return nil
	}
	rec.VtableSearched = true
	rec.VtableKey = vtableKey
	if err := r.db.SaveClass(rec); err != nil {
		return err
	}
	r.cache.Remove(key)
	return nil
}

// UpdateBases rewrites the class's base linkage, used when virtual-base
// offsets become known from vtable this-adjustments. The composite memo is
// invalidated: the layout above it is stale.
func (r *Registry) UpdateBases(key int64, d BaseData) error {
	rec, err := r.db.GetClass(key)
	if err != nil {
		return err
	}
	data, err := EncodeBases(Scheme(rec.SchemeID), d)
	if err != nil {
		return fmt.Errorf("encoding bases of %s: %w", rec.TypeName, err)
	}
	rec.Data = data
	if err := r.db.SaveClass(rec); err != nil {
		return err
	}
	r.cache.Remove(key)
	r.InvalidateStructure(key)
	return nil
}

// RemapKeys rewrites every base-key array and vtable owner reference under
// oldToNew in one transaction. A referenced key missing from the map fails
// the whole remap and leaves the store untouched.
func (r *Registry) RemapKeys(oldToNew map[int64]int64) error {
	err := r.db.Transaction(func(tx store.Store) error {
		err := tx.ForEachClass(func(rec *store.ClassRecord) error {
			scheme := Scheme(rec.SchemeID)
			bases, err := DecodeBases(scheme, rec.Data)
			if err != nil {
				return fmt.Errorf("decoding record %d (%s): %w", rec.Key, rec.TypeName, err)
			}
			if len(bases.Keys) == 0 {
				return nil
			}
			for i, k := range bases.Keys {
				nk, ok := oldToNew[k]
				if !ok {
					return fmt.Errorf("base %d of %s: %w", k, rec.TypeName, ErrRemapIncomplete)
				}
				bases.Keys[i] = nk
			}
			rec.Data, err = EncodeBases(scheme, bases)
			if err != nil {
				return err
			}
			return tx.SaveClass(rec)
		})
		if err != nil {
			return err
		}
		return tx.ForEachVtable(func(rec *store.VtableRecord) error {
			nk, ok := oldToNew[rec.OwnerKey]
			if !ok {
				return fmt.Errorf("vtable %d owner %d: %w", rec.Key, rec.OwnerKey, ErrRemapIncomplete)
			}
			if nk == rec.OwnerKey {
				return nil
			}
			rec.OwnerKey = nk
			return tx.SaveVtable(rec)
		})
	})
	if err != nil {
		return err
	}
	// Decoded handles and memoized layouts all reference old keys.
	r.cache.Purge()
	r.structs = make(map[int64]*layout.Structure)
	r.byName = nil
	return nil
}

// ClassDataType returns the class's composite structure, building and
// memoizing it on first request. The persisted DataTypeID is session-scoped:
// it marks the record as built and links it to the live structure for the
// duration of the process, and a fresh session rebuilds lazily on first use.
func (r *Registry) ClassDataType(key int64) (*layout.Structure, error) {
	if s, ok := r.structs[key]; ok {
		return s, nil
	}
	if r.builder == nil {
		return nil, fmt.Errorf("no structure builder wired for class %d", key)
	}
	s, err := r.builder(key)
	if err != nil {
		return nil, err
	}
	rec, err := r.db.GetClass(key)
	if err != nil {
		return nil, err
	}
	rec.DataTypeID = s.ID()
	if err := r.db.SaveClass(rec); err != nil {
		return nil, err
	}
	r.structs[key] = s
	return s, nil
}

// InvalidateStructure drops the memoized composite so the next request
// rebuilds it, used when base offsets change.
func (r *Registry) InvalidateStructure(key int64) {
	delete(r.structs, key)
}

// UniqueTypeName returns the type name concatenated with its parents'
// type names, a collision-resistant identity across namespaces.
func (r *Registry) UniqueTypeName(key int64) (string, error) {
	t, err := r.Lookup(key)
	if err != nil {
		return "", err
	}
	name := t.Name
	for _, bk := range t.Bases.Keys {
		b, err := r.Lookup(bk)
		if err != nil {
			return "", err
		}
		name += b.Name
	}
	return name, nil
}

// Namespace returns the class's enclosing namespace scope.
func (r *Registry) Namespace(key int64) (string, error) {
	t, err := r.Lookup(key)
	if err != nil {
		return "", err
	}
	return names.Namespace(t.Name), nil
}
