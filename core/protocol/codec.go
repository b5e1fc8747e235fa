package protocol

import (
	"time"

	"github.com/hermes-broker/hermes/core/optimize"
)

// ChecksumIEEE computes the CRC-32 IEEE checksum used for frame payloads,
// dispatching to a hardware-accelerated implementation when available.
func ChecksumIEEE(payload []byte) uint32 {
	return optimize.ChecksumIEEE(payload)
}

// Encoder writes frames into a pre-allocated, reusable output buffer.
// It never allocates after construction; callers must treat the slice
// returned by Encode as invalidated by the next Encode/Reset call.
type Encoder struct {
	buf []byte
	pos int
}

// NewEncoder allocates an encoder with the given buffer capacity. Capacity
// should be at least MaxFrameSize to encode a single maximum-size frame,
// or a multiple of it for EncodeBatch.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, capacity)}
}

// Reset rewinds the encoder to the start of its buffer. Slices returned by
// prior Encode/EncodeBatch calls are invalidated.
func (e *Encoder) Reset() {
	e.pos = 0
}

// Available returns the number of unused bytes remaining in the buffer.
func (e *Encoder) Available() int {
	return len(e.buf) - e.pos
}

// Encode writes a single frame of the given type, sequence, and payload at
// the encoder's current position and returns a slice of the buffer holding
// exactly that frame. The timestamp is the wall-clock time at call time
// (time.Now().UnixNano()). Returns false if the payload exceeds MaxPayloadSize or the
// buffer lacks room.
func (e *Encoder) Encode(typ byte, sequence uint64, payload []byte) ([]byte, bool) {
	if len(payload) > MaxPayloadSize {
		return nil, false
	}
	need := FrameSize(len(payload))
	if e.Available() < need {
		return nil, false
	}

	start := e.pos
	h := Header{
		Magic:       Magic,
		Version:     Version,
		Type:        typ,
		Sequence:    sequence,
		TimestampNs: uint64(time.Now().UnixNano()),
		PayloadLen:  uint32(len(payload)),
		CRC32:       ChecksumIEEE(payload),
	}
	EncodeHeader(e.buf[start:start+HeaderSize], &h)
	copy(e.buf[start+HeaderSize:start+need], payload)
	e.pos += need

	return e.buf[start : start+need], true
}

// BatchItem is one (payload, sequence) pair to encode contiguously via
// EncodeBatch.
type BatchItem struct {
	Sequence uint64
	Payload  []byte
}

// EncodeBatch writes each item as an independent Publish-typed frame,
// concatenated in order, and returns one slice spanning all of them. This
// is the "default encoding simply concatenates independent frames" batch
// form; no wrapping Batch-typed envelope is produced.
func (e *Encoder) EncodeBatch(items []BatchItem) ([]byte, bool) {
	start := e.pos
	for _, it := range items {
		if _, ok := e.Encode(TypePublish, it.Sequence, it.Payload); !ok {
			e.pos = start
			return nil, false
		}
	}
	return e.buf[start:e.pos], true
}

// Decoder walks complete frames out of a caller-owned buffer without
// copying payload bytes.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding starting at offset 0.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Reset rebinds the decoder to a new buffer (or the same one after a
// read), starting at offset 0.
func (d *Decoder) Reset(buf []byte) {
	d.buf = buf
	d.pos = 0
}

// Pos returns the decoder's current cursor into its buffer.
func (d *Decoder) Pos() int {
	return d.pos
}

// Remaining returns the number of unconsumed bytes in the decoder's buffer.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Next returns the next complete frame's header and a zero-copy view of its
// payload within the caller's buffer. ok is false when fewer than a full
// frame remains (the caller should await more bytes and compact); err is
// non-nil only for a framing error (bad magic/version/payload_len), which
// the caller must treat as fatal for the connection.
func (d *Decoder) Next() (h Header, payload []byte, ok bool, err error) {
	if d.Remaining() < HeaderSize {
		return Header{}, nil, false, nil
	}

	h, err = DecodeHeader(d.buf[d.pos:])
	if err != nil {
		return Header{}, nil, false, err
	}

	total := FrameSize(int(h.PayloadLen))
	if d.Remaining() < total {
		return Header{}, nil, false, nil
	}

	payload = d.buf[d.pos+HeaderSize : d.pos+total]
	d.pos += total

	return h, payload, true, nil
}

// VerifyCRC reports whether payload's checksum matches h.CRC32. Callers
// decide whether to verify eagerly or lazily; the default policy (used by
// the reactor) verifies every frame and closes the connection on mismatch.
func VerifyCRC(h Header, payload []byte) bool {
	return ChecksumIEEE(payload) == h.CRC32
}
