// Package protocol implements the binary frame format carrying envelopes
// over a byte stream.
//
// A stream has no message boundaries, so every envelope is wrapped in a
// fixed-size 12-byte header followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that
// many bytes and splits them back into parts.
//
// Frame format:
//
//	0      3  4  5  6       8        12
//	┌──────┬──┬──┬──┬───────┬────────┬────────────────┐
//	│magic │v │fl│mt│ parts │ bodyLen│    body ...    │
//	│ orp  │01│  │  │uint16 │ uint32 │ bodyLen bytes  │
//	└──────┴──┴──┴──┴───────┴────────┴────────────────┘
//
// The body is the concatenation of the envelope's parts, each prefixed by a
// uint32 length, so part count and order survive the stream exactly. Bodies
// larger than CompressThreshold are zstd-compressed and flagged, which keeps
// frames with bulk payload parts cheap on the wire.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"objrpc/envelope"
)

// Magic number bytes: "orp" (object rpc protocol). Rejects non-protocol
// connections hitting the port.
const (
	MagicByte1 byte = 0x6f // 'o'
	MagicByte2 byte = 0x72 // 'r'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 12 // 3 (magic) + 1 (version) + 1 (flags) + 1 (msgType) + 2 (partCount) + 4 (bodyLen)
)

// CompressThreshold is the raw body size above which the body is
// zstd-compressed before framing.
const CompressThreshold = 4 << 10

// Flag bits.
const (
	FlagCompressed byte = 1 << 0
)

// MsgType distinguishes payload frames from liveness probes.
type MsgType byte

const (
	MsgTypeMessage   MsgType = 0 // envelope payload
	MsgTypeHeartbeat MsgType = 1 // keepalive probe, no body
)

// Shared stateless zstd coders. EncodeAll/DecodeAll on these are safe for
// concurrent use.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil)
		zstdDec, _ = zstd.NewReader(nil)
	})
}

// packParts flattens an envelope into a single length-prefixed byte block.
func packParts(env *envelope.Envelope) []byte {
	total := 0
	for _, p := range env.Parts() {
		total += 4 + len(p)
	}
	buf := make([]byte, total)
	offset := 0
	for _, p := range env.Parts() {
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(p)))
		offset += 4
		copy(buf[offset:offset+len(p)], p)
		offset += len(p)
	}
	return buf
}

// unpackParts splits a packed body back into count parts.
func unpackParts(body []byte, count int) (*envelope.Envelope, error) {
	env := envelope.New()
	offset := 0
	for i := 0; i < count; i++ {
		if offset+4 > len(body) {
			return nil, fmt.Errorf("truncated part header at part %d", i)
		}
		n := int(binary.BigEndian.Uint32(body[offset : offset+4]))
		offset += 4
		if offset+n > len(body) {
			return nil, fmt.Errorf("truncated part body at part %d", i)
		}
		part := make([]byte, n)
		copy(part, body[offset:offset+n])
		offset += n
		env.PushBack(part)
	}
	if offset != len(body) {
		return nil, fmt.Errorf("trailing %d bytes after last part", len(body)-offset)
	}
	return env, nil
}

// WriteFrame writes one complete frame (header + packed parts) to w.
// The caller must guarantee that only one goroutine writes to w at a time,
// otherwise frames from different messages interleave and corrupt the stream.
func WriteFrame(w io.Writer, mt MsgType, env *envelope.Envelope) error {
	var body []byte
	var flags byte
	var parts int
	if env != nil {
		parts = env.Len()
		body = packParts(env)
		if len(body) > CompressThreshold {
			zstdInit()
			body = zstdEnc.EncodeAll(body, nil)
			flags |= FlagCompressed
		}
	}

	buf := make([]byte, HeaderSize)
	copy(buf[0:3], []byte{MagicByte1, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = flags
	buf[5] = byte(mt)
	binary.BigEndian.PutUint16(buf[6:8], uint16(parts))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one complete frame from r, validating the header and
// restoring the envelope with its original part count and order. Uses
// io.ReadFull so partial reads never split a frame.
func ReadFrame(r io.Reader) (MsgType, *envelope.Envelope, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return 0, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return 0, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	mt := MsgType(headerBuf[5])
	if mt != MsgTypeMessage && mt != MsgTypeHeartbeat {
		return 0, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	flags := headerBuf[4]
	parts := int(binary.BigEndian.Uint16(headerBuf[6:8]))
	bodyLen := binary.BigEndian.Uint32(headerBuf[8:12])

	if bodyLen == 0 {
		return mt, envelope.New(), nil
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	if flags&FlagCompressed != 0 {
		zstdInit()
		raw, err := zstdDec.DecodeAll(body, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("decompress body: %w", err)
		}
		body = raw
	}

	env, err := unpackParts(body, parts)
	if err != nil {
		return 0, nil, err
	}
	return mt, env, nil
}
