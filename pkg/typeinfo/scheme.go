package typeinfo

import (
	"errors"
	"fmt"

	"github.com/binrec/cppclass/internal/blob"
)

// Scheme is the inheritance-scheme discriminator persisted on every class
// record. It selects which decoder owns the record's base data blob.
type Scheme byte

const (
	// SchemeSingle covers classes with no base or one non-virtual base at
	// offset 0 (__class_type_info / __si_class_type_info descriptors).
	SchemeSingle Scheme = iota
	// SchemeMultiple covers non-virtual multiple inheritance with offsets
	// taken from the descriptor's base-class array.
	SchemeMultiple
	// SchemeVirtual covers virtual/multi-table inheritance; offsets come
	// from the vtable's own this-adjustment entries.
	SchemeVirtual
	// SchemeImported marks descriptor-only types from other archives,
	// opaque leaves with no locally known bases.
	SchemeImported
	// SchemeWrapped marks Windows-style RTTI already normalized into the
	// common model.
	SchemeWrapped

	schemeCount
)

// ErrUnknownScheme reports a discriminator byte outside the known variant
// set. This is a consistency error: the persisted model is corrupt and the
// current pass must stop rather than drop base information.
var ErrUnknownScheme = errors.New("unknown inheritance scheme discriminator")

// BaseData is the decoded base-class linkage of one type: parallel arrays of
// registry keys, byte offsets, and virtual-base flags.
type BaseData struct {
	Keys    []int64
	Offsets []int64
	Virtual []bool
}

// VirtualCount returns the number of virtual base links.
func (d BaseData) VirtualCount() int {
	n := 0
	for _, v := range d.Virtual {
		if v {
			n++
		}
	}
	return n
}

func (d BaseData) validateShape() error {
	if len(d.Offsets) != len(d.Keys) || len(d.Virtual) != len(d.Keys) {
		return fmt.Errorf("base arrays disagree: %d keys, %d offsets, %d flags",
			len(d.Keys), len(d.Offsets), len(d.Virtual))
	}
	for i, off := range d.Offsets {
		if off < 0 {
			return fmt.Errorf("base %d has negative offset %d", d.Keys[i], off)
		}
	}
	return nil
}

type schemeOps struct {
	name       string
	identifier string // GNU RTTI identifier, "" where not applicable
	encode     func(w *blob.Writer, d BaseData) error
	decode     func(r *blob.Reader) (BaseData, error)
}

// The closed variant table. Indexed by Scheme; there is no runtime type
// lookup anywhere else.
var schemeTable = [schemeCount]schemeOps{
	SchemeSingle: {
		name:       "single",
		identifier: "__si_class_type_info",
		encode: func(w *blob.Writer, d BaseData) error {
			if len(d.Keys) > 1 {
				return fmt.Errorf("single inheritance allows at most one base, got %d", len(d.Keys))
			}
			if len(d.Keys) == 1 && d.Offsets[0] != 0 {
				return fmt.Errorf("single inheritance base must sit at offset 0, got %d", d.Offsets[0])
			}
			keys := make([]uint64, len(d.Keys))
			for i, k := range d.Keys {
				keys[i] = uint64(k)
			}
			w.PutUint64Array(keys)
			return nil
		},
		decode: func(r *blob.Reader) (BaseData, error) {
			keys, err := r.Int64Array()
			if err != nil {
				return BaseData{}, err
			}
			return BaseData{
				Keys:    keys,
				Offsets: make([]int64, len(keys)),
				Virtual: make([]bool, len(keys)),
			}, nil
		},
	},
	SchemeMultiple: {
		name:       "multiple",
		identifier: "__vmi_class_type_info",
		encode: func(w *blob.Writer, d BaseData) error {
			prev := int64(-1)
			for i, off := range d.Offsets {
				if d.Virtual[i] {
					return fmt.Errorf("virtual base %d in non-virtual multiple inheritance", d.Keys[i])
				}
				if off <= prev {
					return fmt.Errorf("base offsets must strictly increase, got %d after %d", off, prev)
				}
				prev = off
			}
			w.PutInt64Array(d.Keys)
			w.PutInt64Array(d.Offsets)
			return nil
		},
		decode: func(r *blob.Reader) (BaseData, error) {
			keys, err := r.Int64Array()
			if err != nil {
				return BaseData{}, err
			}
			offsets, err := r.Int64Array()
			if err != nil {
				return BaseData{}, err
			}
			if len(offsets) != len(keys) {
				return BaseData{}, fmt.Errorf("%d offsets for %d bases: %w",
					len(offsets), len(keys), blob.ErrMalformed)
			}
			return BaseData{Keys: keys, Offsets: offsets, Virtual: make([]bool, len(keys))}, nil
		},
	},
	SchemeVirtual: {
		name:       "virtual",
		identifier: "__vmi_class_type_info",
		encode:     encodeFullBases,
		decode:     decodeFullBases,
	},
	SchemeImported: {
		name: "imported",
		encode: func(w *blob.Writer, d BaseData) error {
			if len(d.Keys) != 0 {
				return fmt.Errorf("imported types carry no local base information, got %d bases", len(d.Keys))
			}
			return nil
		},
		decode: func(r *blob.Reader) (BaseData, error) {
			return BaseData{}, nil
		},
	},
	SchemeWrapped: {
		name:   "wrapped",
		encode: encodeFullBases,
		decode: decodeFullBases,
	},
}

func encodeFullBases(w *blob.Writer, d BaseData) error {
	w.PutInt64Array(d.Keys)
	w.PutInt64Array(d.Offsets)
	w.PutBoolArray(d.Virtual)
	return nil
}

func decodeFullBases(r *blob.Reader) (BaseData, error) {
	keys, err := r.Int64Array()
	if err != nil {
		return BaseData{}, err
	}
	offsets, err := r.Int64Array()
	if err != nil {
		return BaseData{}, err
	}
	virtual, err := r.BoolArray()
	if err != nil {
		return BaseData{}, err
	}
	if len(offsets) != len(keys) || len(virtual) != len(keys) {
		return BaseData{}, fmt.Errorf("%d offsets, %d flags for %d bases: %w",
			len(offsets), len(virtual), len(keys), blob.ErrMalformed)
	}
	return BaseData{Keys: keys, Offsets: offsets, Virtual: virtual}, nil
}

// Valid reports whether s is in the known variant set.
func (s Scheme) Valid() bool { return s < schemeCount }

func (s Scheme) String() string {
	if !s.Valid() {
		return fmt.Sprintf("scheme(%d)", byte(s))
	}
	return schemeTable[s].name
}

// ParseScheme returns the scheme with the given name.
func ParseScheme(name string) (Scheme, error) {
	for s := Scheme(0); s < schemeCount; s++ {
		if schemeTable[s].name == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
}

// Identifier returns the RTTI identifier string of the variant, "" where the
// source scheme has none.
func (s Scheme) Identifier() string {
	if !s.Valid() {
		return ""
	}
	return schemeTable[s].identifier
}

// EncodeBases packs base data into the variant's record blob.
func EncodeBases(s Scheme, d BaseData) ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScheme, byte(s))
	}
	if err := d.validateShape(); err != nil {
		return nil, err
	}
	var w blob.Writer
	if err := schemeTable[s].encode(&w, d); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeBases unpacks a record blob through the variant's decoder.
func DecodeBases(s Scheme, data []byte) (BaseData, error) {
	if !s.Valid() {
		return BaseData{}, fmt.Errorf("%w: %d", ErrUnknownScheme, byte(s))
	}
	return schemeTable[s].decode(blob.NewReader(data))
}

// PrefixCount returns the vtable prefix-record count the scheme implies: one
// primary table, plus one secondary table per virtual base.
func (s Scheme) PrefixCount(d BaseData) (int, error) {
	if !s.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownScheme, byte(s))
	}
	if s == SchemeVirtual {
		return 1 + d.VirtualCount(), nil
	}
	return 1, nil
}
