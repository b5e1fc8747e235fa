package export

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameRecordMarshalRoundTrip(t *testing.T) {
	want := FrameRecord{
		Sequence:    42,
		TimestampNs: 1234567890,
		Type:        1,
		Payload:     []byte("payload bytes"),
	}

	got, err := Unmarshal(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Sequence != want.Sequence || got.TimestampNs != want.TimestampNs || got.Type != want.Type {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got payload %q, want %q", got.Payload, want.Payload)
	}
}

func TestFrameRecordMarshalEmptyPayload(t *testing.T) {
	want := FrameRecord{Sequence: 1, TimestampNs: 1, Type: 5}
	got, err := Unmarshal(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("got payload %q, want empty", got.Payload)
	}
}

func TestWriteDelimitedIsSelfDelimiting(t *testing.T) {
	var buf []byte
	buf = WriteDelimited(buf, FrameRecord{Sequence: 1, Type: 1, Payload: []byte("a")})
	buf = WriteDelimited(buf, FrameRecord{Sequence: 2, Type: 2, Payload: []byte("bb")})

	var got []FrameRecord
	for len(buf) > 0 {
		n, k := protowire.ConsumeVarint(buf)
		if k < 0 {
			t.Fatalf("consume length prefix: %v", protowire.ParseError(k))
		}
		buf = buf[k:]
		rec, err := Unmarshal(buf[:n])
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		got = append(got, rec)
		buf = buf[n:]
	}

	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("records out of order: %+v", got)
	}
}
