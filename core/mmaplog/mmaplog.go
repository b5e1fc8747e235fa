// Package mmaplog implements the broker's append-only, memory-mapped
// circular log: best-effort persistence of every decoded frame so a
// crashed broker leaves its last window of traffic on disk.
package mmaplog

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hermes-broker/hermes/core/protocol"
)

const (
	// HeaderSize is the fixed region at the start of the file reserved
	// for the log header; the data region follows immediately after it.
	HeaderSize = 64

	logMagic   uint64 = 0x4845524D4553_5F56
	logVersion uint32 = 1

	offMagic    = 0
	offVersion  = 8
	offWriteOff = 16
	offSequence = 24

	// DefaultCapacity matches the broker's default mmap file size.
	DefaultCapacity = 64 << 20
)

// Log is a fixed-capacity, memory-mapped append-only ring of frames. All
// methods are safe for concurrent use by one writer and any number of
// readers of Append/ReadAt (Append itself assumes a single writer, per
// spec, though the atomic header fields make concurrent readers safe).
type Log struct {
	file     *os.File
	mapping  []byte
	capacity int64
	dataCap  int64
}

// Open maps path, pre-extending the backing file to capacity if it does
// not already have that size, and mapping it PROT_READ|PROT_WRITE
// MAP_SHARED. If the file already carries a valid header (magic matches),
// the existing write_offset/sequence are preserved, supporting reopening
// an existing log across restarts. Mapping failure is treated as fatal by
// callers, per spec.
func Open(path string, capacity int64) (*Log, error) {
	if capacity <= HeaderSize {
		return nil, fmt.Errorf("mmaplog: capacity %d must exceed header size %d", capacity, HeaderSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmaplog: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < capacity {
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, fmt.Errorf("mmaplog: extend %s to %d: %w", path, capacity, err)
		}
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmaplog: mmap %s: %w", path, err)
	}

	l := &Log{
		file:     f,
		mapping:  mapping,
		capacity: capacity,
		dataCap:  capacity - HeaderSize,
	}

	if binary.LittleEndian.Uint64(mapping[offMagic:]) != logMagic {
		binary.LittleEndian.PutUint64(mapping[offMagic:], logMagic)
		binary.LittleEndian.PutUint32(mapping[offVersion:], logVersion)
		l.storeWriteOffset(HeaderSize)
		l.storeSequence(0)
	}

	return l, nil
}

// Close unmaps and closes the backing file.
func (l *Log) Close() error {
	if err := unix.Munmap(l.mapping); err != nil {
		return err
	}
	return l.file.Close()
}

func (l *Log) atomicPtr(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&l.mapping[off]))
}

func (l *Log) loadWriteOffset() uint64 { return atomic.LoadUint64(l.atomicPtr(offWriteOff)) }
func (l *Log) storeWriteOffset(v uint64) {
	atomic.StoreUint64(l.atomicPtr(offWriteOff), v)
}
func (l *Log) loadSequence() uint64   { return atomic.LoadUint64(l.atomicPtr(offSequence)) }
func (l *Log) storeSequence(v uint64) { atomic.StoreUint64(l.atomicPtr(offSequence), v) }

// WriteOffset returns the current append position.
func (l *Log) WriteOffset() uint64 { return l.loadWriteOffset() }

// Sequence returns the most recently recorded sequence number.
func (l *Log) Sequence() uint64 { return l.loadSequence() }

// Append copies an already wire-encoded frame (header+payload, as produced
// by protocol.Encoder) into the mapped region at the current write
// offset, wrapping to the start of the data region if the frame would not
// fit before the file's end, and returns the offset it was written at. It
// fails only if the frame itself exceeds the data region's capacity.
// sequence must match the frame's header sequence field and is recorded
// in the log header for readers that want the latest sequence without
// decoding the last frame.
func (l *Log) Append(frame []byte, sequence uint64) (int64, error) {
	frameLen := int64(len(frame))
	if frameLen > l.dataCap {
		return 0, fmt.Errorf("mmaplog: frame of %d bytes exceeds data capacity %d", frameLen, l.dataCap)
	}

	writeOff := int64(l.loadWriteOffset())
	if writeOff+frameLen > l.capacity {
		writeOff = HeaderSize
	}

	copy(l.mapping[writeOff:writeOff+frameLen], frame)

	newOff := writeOff + frameLen
	if newOff >= l.capacity {
		newOff = HeaderSize
	}
	l.storeWriteOffset(uint64(newOff))
	l.storeSequence(sequence)

	return writeOff, nil
}

// ReadAt returns a zero-copy view of the frame previously written at
// offset. It is not part of the hot path; it exists for offline tooling
// (see the export package). A reader racing a concurrent wraparound write
// may observe a torn frame and MUST validate the CRC itself.
func (l *Log) ReadAt(offset int64) (protocol.Header, []byte, error) {
	if offset < HeaderSize || offset+protocol.HeaderSize > l.capacity {
		return protocol.Header{}, nil, fmt.Errorf("mmaplog: offset %d out of range", offset)
	}
	h, err := protocol.DecodeHeader(l.mapping[offset:])
	if err != nil {
		return protocol.Header{}, nil, err
	}
	end := offset + int64(protocol.FrameSize(int(h.PayloadLen)))
	if end > l.capacity {
		return protocol.Header{}, nil, fmt.Errorf("mmaplog: frame at %d overruns data region", offset)
	}
	return h, l.mapping[offset+protocol.HeaderSize : end], nil
}

// DataCapacity returns the usable data region size (total capacity minus
// the header).
func (l *Log) DataCapacity() int64 { return l.dataCap }
