// Package envelope defines the multi-part message exchanged between peers.
//
// An Envelope is an ordered sequence of opaque byte parts that travels
// atomically as one logical message. Layers stack their headers by pushing
// parts at the front (routing identity, call id) and strip them by popping,
// so the payload underneath is never rewritten.
package envelope

import "encoding/binary"

// Envelope is an ordered, mutable sequence of byte parts.
// Part count and order are preserved exactly across the wire.
type Envelope struct {
	parts [][]byte
}

// New creates an envelope from the given parts, in order.
func New(parts ...[]byte) *Envelope {
	return &Envelope{parts: parts}
}

// Len returns the number of parts.
func (e *Envelope) Len() int { return len(e.parts) }

// Part returns part i. Panics on out-of-range, same as slice indexing.
func (e *Envelope) Part(i int) []byte { return e.parts[i] }

// Parts returns the underlying part slice. The caller must not reorder it.
func (e *Envelope) Parts() [][]byte { return e.parts }

// PushFront prepends a part.
func (e *Envelope) PushFront(p []byte) {
	e.parts = append([][]byte{p}, e.parts...)
}

// PushBack appends a part.
func (e *Envelope) PushBack(p []byte) {
	e.parts = append(e.parts, p)
}

// PopFront removes and returns the first part, or nil, false when empty.
func (e *Envelope) PopFront() ([]byte, bool) {
	if len(e.parts) == 0 {
		return nil, false
	}
	p := e.parts[0]
	e.parts = e.parts[1:]
	return p, true
}

// PopBack removes and returns the last part, or nil, false when empty.
func (e *Envelope) PopBack() ([]byte, bool) {
	if len(e.parts) == 0 {
		return nil, false
	}
	p := e.parts[len(e.parts)-1]
	e.parts = e.parts[:len(e.parts)-1]
	return p, true
}

// PushUint64Front prepends a fixed 8-byte big-endian part.
// Used for call ids and object ids so headers stay fixed-size.
func (e *Envelope) PushUint64Front(v uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	e.PushFront(buf)
}

// PushUint64Back appends a fixed 8-byte big-endian part.
func (e *Envelope) PushUint64Back(v uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	e.PushBack(buf)
}

// PopUint64Front removes the first part and decodes it as a big-endian
// uint64. Returns false if the envelope is empty or the part is not 8 bytes.
func (e *Envelope) PopUint64Front() (uint64, bool) {
	p, ok := e.PopFront()
	if !ok || len(p) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(p), true
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	parts := make([][]byte, len(e.parts))
	for i, p := range e.parts {
		parts[i] = make([]byte, len(p))
		copy(parts[i], p)
	}
	return &Envelope{parts: parts}
}
