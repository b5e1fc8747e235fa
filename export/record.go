// Package export provides offline tooling over a closed or live mmap log:
// dumping frames as length-delimited protobuf-wire records, and replaying
// a log's data region straight to a socket with sendfile.
package export

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hermes-broker/hermes/core/protocol"
)

// FrameRecord field numbers for the hand-rolled wire encoding below. No
// .proto file or protoc-generated type backs this: protowire's low-level
// tag/varint writer is used directly, which avoids requiring a protoc
// toolchain for a single small export record.
const (
	fieldSequence    = 1
	fieldTimestampNs = 2
	fieldType        = 3
	fieldPayload     = 4
)

// FrameRecord is one exported frame, detached from the mmap log's byte
// layout.
type FrameRecord struct {
	Sequence    uint64
	TimestampNs uint64
	Type        byte
	Payload     []byte
}

// FromHeader builds a FrameRecord from a decoded protocol.Header and its
// payload, as returned by mmaplog.Log.ReadAt.
func FromHeader(h protocol.Header, payload []byte) FrameRecord {
	return FrameRecord{
		Sequence:    h.Sequence,
		TimestampNs: h.TimestampNs,
		Type:        h.Type,
		Payload:     payload,
	}
}

// Marshal encodes r as a protobuf-wire message: three varint fields and
// one length-delimited bytes field, in the field order of a generated
// FrameRecord{sequence, timestamp_ns, type, payload} message, so this
// stream is decodable by any protobuf implementation given the equivalent
// .proto definition. Every field is always written, including zero
// values, which generated proto3 code would omit; the output matches
// generated output byte-for-byte only when no field is zero or empty.
func (r FrameRecord) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldSequence, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.Sequence)
	buf = protowire.AppendTag(buf, fieldTimestampNs, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.TimestampNs)
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Type))
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Payload)
	return buf
}

// Unmarshal decodes a FrameRecord previously produced by Marshal.
func Unmarshal(data []byte) (FrameRecord, error) {
	var r FrameRecord
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("export: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("export: bad sequence varint")
			}
			r.Sequence = v
			data = data[n:]
		case num == fieldTimestampNs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("export: bad timestamp varint")
			}
			r.TimestampNs = v
			data = data[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("export: bad type varint")
			}
			r.Type = byte(v)
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("export: bad payload bytes")
			}
			r.Payload = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("export: bad unknown field")
			}
			data = data[n:]
		}
	}
	return r, nil
}

// WriteDelimited appends a varint length prefix followed by rec's encoding
// to buf, matching the length-delimited framing io.CopyN-based readers
// expect when streaming many records to one file.
func WriteDelimited(buf []byte, rec FrameRecord) []byte {
	body := rec.Marshal()
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...)
}
