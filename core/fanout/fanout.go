// Package fanout implements the broadcast engine: forwarding each decoded
// frame from its producer connection to every other open connection's
// outbound ring, with a per-subscriber backpressure drop policy and
// producer isolation from slow subscribers.
//
// The non-blocking push-or-drop shape mirrors a channel-based broadcast
// hub (select/default, drop on full) but is built on ring.Ring instead of
// a Go channel: a channel send can park a goroutine, which would violate
// the reactor's no-suspension hot-path invariant, so ring.Ring's TryPush
// is used in its place.
package fanout

import (
	"fmt"

	"github.com/hermes-broker/hermes/core/ring"
)

// DefaultDropThreshold is the number of consecutive backpressure drops
// tolerated for one subscriber before it is closed.
const DefaultDropThreshold = 1024

// Subscriber is one connection's outbound delivery state: a ring of
// pending blobs plus the free list those blobs are drawn from. Because
// the reactor is single-threaded, the free list needs no locking — the
// same goroutine that pushes (fan-out) is the one that later pops and
// releases (flush).
type Subscriber struct {
	ID       uint64
	Outbound *ring.Ring

	free               []*ring.Blob
	consecutiveDrops   int
	DroppedBackpressure uint64
	Closed             bool
}

// NewSubscriber allocates a subscriber with a power-of-two outbound ring
// and a matching free list of pre-allocated blobs, each sized to hold one
// maximum-size frame.
func NewSubscriber(id uint64, ringCapacity, blobCapacity int) (*Subscriber, error) {
	r, err := ring.NewRing(ringCapacity)
	if err != nil {
		return nil, fmt.Errorf("fanout: subscriber %d: %w", id, err)
	}

	free := make([]*ring.Blob, ringCapacity)
	for i := range free {
		free[i] = &ring.Blob{Data: make([]byte, blobCapacity)}
	}

	return &Subscriber{
		ID:       id,
		Outbound: r,
		free:     free,
	}, nil
}

// acquireBlob pops a pre-allocated blob off the free list, or returns
// false if none is available. The ring and free list are sized equally
// and every blob is either free or queued, so the free list is empty
// exactly when the outbound ring is full — the backpressure case Broadcast
// counts as a drop.
func (s *Subscriber) acquireBlob() (*ring.Blob, bool) {
	n := len(s.free)
	if n == 0 {
		return nil, false
	}
	b := s.free[n-1]
	s.free = s.free[:n-1]
	return b, true
}

// ReleaseBlob returns a blob to the free list after its bytes have been
// written to the socket. Called by the connection's flush path.
func (s *Subscriber) ReleaseBlob(b *ring.Blob) {
	b.Len = 0
	s.free = append(s.free, b)
}

// Reset reclaims every blob still resident in the outbound ring back onto
// the free list, clears delivery state, and assigns id, preparing a
// subscriber for reuse by a new connection. The ring and its blobs are
// never reallocated, so accepting a connection never pays their
// allocation cost beyond the first fill of the pool.
func (s *Subscriber) Reset(id uint64) {
	for {
		b, ok := s.Outbound.TryPop()
		if !ok {
			break
		}
		b.Len = 0
		s.free = append(s.free, b)
	}
	s.Outbound.Reset()
	s.ID = id
	s.consecutiveDrops = 0
	s.DroppedBackpressure = 0
	s.Closed = false
}

// tryDeliver copies frame into a free blob and pushes it onto the
// outbound ring. It reports whether the push succeeded.
func (s *Subscriber) tryDeliver(frame []byte) bool {
	blob, ok := s.acquireBlob()
	if !ok {
		return false
	}
	if cap(blob.Data) < len(frame) {
		blob.Data = make([]byte, len(frame))
	}
	n := copy(blob.Data, frame)
	blob.Len = n
	if !s.Outbound.TryPush(blob) {
		s.free = append(s.free, blob)
		return false
	}
	return true
}

// SubscriptionHook is invoked by the reactor when it decodes a Subscribe,
// Unsubscribe, or Ack frame. It may record per-connection topic interest
// for future filtering, but the engine's fan-out decision never consults
// it: the broker fans out every Publish frame to every other connection
// unconditionally, regardless of hook presence.
type SubscriptionHook func(connectionID uint64, frameType byte, payload []byte)

// Engine applies the fan-out and drop policy described in the component
// design: push to every subscriber but the producer; on a full ring,
// count a drop and continue; close a subscriber once its consecutive
// drop count exceeds the configured threshold.
type Engine struct {
	threshold int
	hook      SubscriptionHook
}

// NewEngine constructs a fan-out engine with the given per-subscriber
// consecutive-drop threshold (DefaultDropThreshold if threshold <= 0) and
// an optional subscription hook (nil disables hooking).
func NewEngine(threshold int, hook SubscriptionHook) *Engine {
	if threshold <= 0 {
		threshold = DefaultDropThreshold
	}
	return &Engine{threshold: threshold, hook: hook}
}

// Result reports the outcome of one Broadcast call, to be accumulated by
// the caller across a reactor tick and applied to shared counters once,
// never per frame.
type Result struct {
	Delivered      int
	Dropped        int
	NewlyClosedIDs []uint64
}

// Broadcast pushes frame to every subscriber in subscribers except
// producerID. Frames within one producer connection must be offered to
// each subscriber's ring in the order Broadcast is called, preserving the
// per-producer sequence ordering guarantee.
func (e *Engine) Broadcast(producerID uint64, frame []byte, subscribers []*Subscriber) Result {
	var res Result
	for _, sub := range subscribers {
		if sub.ID == producerID || sub.Closed {
			continue
		}
		if sub.tryDeliver(frame) {
			sub.consecutiveDrops = 0
			res.Delivered++
			continue
		}

		sub.DroppedBackpressure++
		sub.consecutiveDrops++
		res.Dropped++
		if sub.consecutiveDrops > e.threshold {
			sub.Closed = true
			res.NewlyClosedIDs = append(res.NewlyClosedIDs, sub.ID)
		}
	}
	return res
}

// NotifySubscription invokes the configured hook, if any, for a decoded
// Subscribe/Unsubscribe/Ack frame. It never affects fan-out.
func (e *Engine) NotifySubscription(connectionID uint64, frameType byte, payload []byte) {
	if e.hook != nil {
		e.hook(connectionID, frameType, payload)
	}
}
