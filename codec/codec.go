// Package codec implements the binary serialization used for call arguments
// and results, including the translation of remote-object references into
// wire object ids.
//
// The wire schema is fixed by the declared parameter and result types of the
// registered method signatures, not by the runtime types of the values, so
// no type tags travel on the wire. Both endpoints register the same types
// and therefore agree on the schema.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Raw is an opaque pre-encoded block passed through the codec verbatim.
// The factory's create call uses it to nest constructor arguments encoded
// against the constructor's own signature.
type Raw []byte

// Writer accumulates big-endian binary data.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) PutUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) PutUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

func (w *Writer) PutFloat32(v float32) { w.PutUint32(math.Float32bits(v)) }

func (w *Writer) PutFloat64(v float64) { w.PutUint64(math.Float64bits(v)) }

// PutBytes writes a uint32 length prefix followed by the raw bytes.
func (w *Writer) PutBytes(v []byte) {
	w.PutUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// PutString writes a uint32 length prefix followed by the string bytes.
func (w *Writer) PutString(v string) {
	w.PutUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// Reader consumes big-endian binary data produced by Writer.
// All methods return an error on underflow instead of panicking.
type Reader struct {
	data   []byte
	offset int
}

// NewReader wraps data for reading. The reader does not copy data.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.offset }

func (r *Reader) take(n int) ([]byte, error) {
	if r.offset+n > len(r.data) {
		return nil, fmt.Errorf("codec: need %d bytes, have %d", n, len(r.data)-r.offset)
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

func (r *Reader) Float32() (float32, error) {
	v, err := r.Uint32()
	return math.Float32frombits(v), err
}

func (r *Reader) Float64() (float64, error) {
	v, err := r.Uint64()
	return math.Float64frombits(v), err
}

// Bytes reads a uint32 length prefix and returns a copy of that many bytes.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// String reads a uint32 length prefix and that many bytes as a string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}
