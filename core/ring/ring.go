// Package ring implements a bounded, wait-free single-producer/
// single-consumer queue of owned byte blobs, used to hand frames from the
// fan-out engine to each subscriber's writer without locks or allocation.
package ring

import (
	"fmt"
	"sync/atomic"
)

// Blob is an owned, fixed-capacity byte buffer transferred by value of
// ownership through a Ring. Callers draw Blobs from a free list (see
// fanout.Subscriber) rather than allocating one per frame.
type Blob struct {
	Data []byte
	Len  int
}

// Bytes returns the blob's used region.
func (b *Blob) Bytes() []byte {
	return b.Data[:b.Len]
}

// cacheLinePad occupies the remainder of a 64-byte cache line after a
// single atomic.Uint64, preventing the producer's head counter and the
// consumer's tail counter from false-sharing a line.
type cacheLinePad [64 - 8]byte

// Ring is a bounded SPSC queue of *Blob. Capacity must be a power of two;
// NewRing rejects any other value. Exactly one goroutine may call TryPush
// and exactly one (possibly different) goroutine may call TryPop.
type Ring struct {
	head atomic.Uint64
	_    cacheLinePad
	tail atomic.Uint64
	_    cacheLinePad

	slots []*Blob
	mask  uint64
	cap   uint64
}

// NewRing constructs a ring of the given power-of-two capacity.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	return &Ring{
		slots: make([]*Blob, capacity),
		mask:  uint64(capacity - 1),
		cap:   uint64(capacity),
	}, nil
}

// Capacity returns the ring's fixed capacity.
func (r *Ring) Capacity() int {
	return int(r.cap)
}

// Len returns a snapshot of the live element count. The value may be
// stale immediately under concurrent access; it is informational only.
func (r *Ring) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	return int(head - tail)
}

// TryPush enqueues blob, transferring ownership to the ring. It never
// blocks and never allocates; it returns false if the ring is full, in
// which case the caller (the fan-out engine) applies its drop policy and
// retains ownership of blob.
func (r *Ring) TryPush(blob *Blob) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= r.cap {
		return false
	}
	r.slots[head&r.mask] = blob
	r.head.Store(head + 1)
	return true
}

// TryPop dequeues the oldest element if present. It never blocks.
func (r *Ring) TryPop() (*Blob, bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return nil, false
	}
	blob := r.slots[tail&r.mask]
	r.slots[tail&r.mask] = nil
	r.tail.Store(tail + 1)
	return blob, true
}

// Reset discards any queued slots and returns the ring to empty, for reuse
// by a pooled owner. Callers must reclaim any blobs still queued before
// calling Reset, since this drops references to them without releasing
// them to a free list.
func (r *Ring) Reset() {
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.head.Store(0)
	r.tail.Store(0)
}
