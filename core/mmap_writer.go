package core

import (
	"sync/atomic"
	"time"

	"github.com/hermes-broker/hermes/core/mmaplog"
	"github.com/hermes-broker/hermes/core/protocol"
	"github.com/hermes-broker/hermes/core/ring"
)

// mmapWriter offloads mmap-log appends to a dedicated goroutine, fed by an
// SPSC ring of frame blobs pushed from the reactor tick, with a second SPSC
// ring carrying emptied blobs back for reuse. Two rings are required
// because a ring.Ring only permits one producer and one consumer each: the
// reactor is the sole producer of toWrite/consumer of recycled, and the
// writer goroutine is the reverse. This keeps the mmap write (and its
// page-fault risk on a cold page) off the reactor's hot path at the cost
// of one extra copy per frame and a bounded queueing delay before a frame
// reaches disk. Disabled by default; see BrokerConfig.OffloadMmapWrite.
type mmapWriter struct {
	log      *mmaplog.Log
	toWrite  *ring.Ring
	recycled *ring.Ring
	free     []*ring.Blob
	stop     chan struct{}
	done     chan struct{}
	failed   atomic.Uint64
}

func newMmapWriter(log *mmaplog.Log, queueCapacity, blobCapacity int) (*mmapWriter, error) {
	toWrite, err := ring.NewRing(queueCapacity)
	if err != nil {
		return nil, err
	}
	recycled, err := ring.NewRing(queueCapacity)
	if err != nil {
		return nil, err
	}
	free := make([]*ring.Blob, queueCapacity)
	for i := range free {
		free[i] = &ring.Blob{Data: make([]byte, blobCapacity)}
	}
	return &mmapWriter{
		log:      log,
		toWrite:  toWrite,
		recycled: recycled,
		free:     free,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// reclaim pulls back any blobs the writer goroutine has finished with.
// Called from the reactor goroutine, typically right before enqueue.
func (w *mmapWriter) reclaim() {
	for {
		b, ok := w.recycled.TryPop()
		if !ok {
			return
		}
		w.free = append(w.free, b)
	}
}

// enqueue copies frame into a free blob and pushes it to the writer
// goroutine. Called only from the reactor goroutine. Returns false if no
// free blob is available (the writer goroutine is falling behind), in
// which case the frame is simply not persisted — the in-memory broadcast
// path is never blocked on disk I/O.
func (w *mmapWriter) enqueue(frame []byte) bool {
	w.reclaim()
	n := len(w.free)
	if n == 0 {
		return false
	}
	blob := w.free[n-1]
	if cap(blob.Data) < len(frame) {
		blob.Data = make([]byte, len(frame))
	}
	blob.Len = copy(blob.Data, frame)

	if !w.toWrite.TryPush(blob) {
		return false
	}
	w.free = w.free[:n-1]
	return true
}

// run is the writer goroutine's loop: pop a pending blob, append it, hand
// it back on the recycled ring.
func (w *mmapWriter) run() {
	defer close(w.done)
	idle := 0
	for {
		select {
		case <-w.stop:
			w.drain()
			return
		default:
		}

		blob, ok := w.toWrite.TryPop()
		if !ok {
			idle++
			if idle > 64 {
				time.Sleep(100 * time.Microsecond)
			}
			continue
		}
		idle = 0
		frame := blob.Bytes()
		seq := uint64(0)
		if h, err := protocol.DecodeHeader(frame); err == nil {
			seq = h.Sequence
		}
		if _, err := w.log.Append(frame, seq); err != nil {
			w.failed.Add(1)
		}
		for !w.recycled.TryPush(blob) {
			// Reactor is behind draining recycled; spin briefly rather
			// than drop a reusable blob outright.
			time.Sleep(10 * time.Microsecond)
		}
	}
}

func (w *mmapWriter) drain() {
	for {
		blob, ok := w.toWrite.TryPop()
		if !ok {
			return
		}
		frame := blob.Bytes()
		seq := uint64(0)
		if h, err := protocol.DecodeHeader(frame); err == nil {
			seq = h.Sequence
		}
		w.log.Append(frame, seq)
	}
}

// Start launches the writer goroutine.
func (w *mmapWriter) Start() {
	go w.run()
}

// Close signals the writer to drain its queue and exit, then waits for it.
func (w *mmapWriter) Close() {
	close(w.stop)
	<-w.done
}
