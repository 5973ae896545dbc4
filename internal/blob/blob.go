// Package blob packs variable-length integer arrays into flat record blobs.
//
// Type and vtable records both persist their model-specific data through this
// codec so that record shapes stay opaque to the store underneath them.
package blob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a blob ends before a declared array does.
	ErrTruncated = errors.New("blob truncated")
	// ErrMalformed is returned when an array length prefix is inconsistent
	// with the bytes remaining in the blob.
	ErrMalformed = errors.New("malformed blob")
)

// Writer accumulates arrays into a single blob.
type Writer struct {
	buf bytes.Buffer
}

// PutUint64 appends a single fixed-width value.
func (w *Writer) PutUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf.Write(tmp[:])
}

// PutUint64Array appends a length-prefixed array of fixed-width values.
func (w *Writer) PutUint64Array(vals []uint64) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(vals)))
	w.buf.Write(tmp[:])
	for _, v := range vals {
		w.PutUint64(v)
	}
}

// PutInt64Array appends a length-prefixed array of signed values.
func (w *Writer) PutInt64Array(vals []int64) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(vals)))
	w.buf.Write(tmp[:])
	for _, v := range vals {
		w.PutUint64(uint64(v))
	}
}

// PutBoolArray appends a length-prefixed array of flags, one byte each.
func (w *Writer) PutBoolArray(vals []bool) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(vals)))
	w.buf.Write(tmp[:])
	for _, v := range vals {
		if v {
			w.buf.WriteByte(1)
		} else {
			w.buf.WriteByte(0)
		}
	}
}

// Bytes returns the accumulated blob.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Reader decodes a blob written by Writer, in the same order.
type Reader struct {
	data []byte
	off  int
}

// NewReader wraps a stored blob for decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) remaining() int {
	return len(r.data) - r.off
}

// Uint64 reads a single fixed-width value.
func (r *Reader) Uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("reading uint64 at offset %d: %w", r.off, ErrTruncated)
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) arrayLen(elemSize int) (int, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("reading array length at offset %d: %w", r.off, ErrTruncated)
	}
	n := int(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	if n*elemSize > r.remaining() {
		return 0, fmt.Errorf("array of %d elements exceeds %d remaining bytes: %w",
			n, r.remaining(), ErrMalformed)
	}
	return n, nil
}

// Uint64Array reads a length-prefixed array of fixed-width values.
func (r *Reader) Uint64Array() ([]uint64, error) {
	n, err := r.arrayLen(8)
	if err != nil {
		return nil, err
	}
	vals := make([]uint64, n)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(r.data[r.off:])
		r.off += 8
	}
	return vals, nil
}

// Int64Array reads a length-prefixed array of signed values.
func (r *Reader) Int64Array() ([]int64, error) {
	vals, err := r.Uint64Array()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vals))
	for i, v := range vals {
		out[i] = int64(v)
	}
	return out, nil
}

// BoolArray reads a length-prefixed array of flags.
func (r *Reader) BoolArray() ([]bool, error) {
	n, err := r.arrayLen(1)
	if err != nil {
		return nil, err
	}
	vals := make([]bool, n)
	for i := range vals {
		vals[i] = r.data[r.off] != 0
		r.off++
	}
	return vals, nil
}

// Done reports whether the whole blob has been consumed.
func (r *Reader) Done() bool {
	return r.remaining() == 0
}
