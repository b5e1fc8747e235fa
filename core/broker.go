// Package core implements the Hermes reactor: a single-threaded,
// non-blocking TCP event loop that decodes the wire protocol, persists
// frames to the memory-mapped log, and fans each Publish out to every
// other open connection.
package core

import (
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hermes-broker/hermes/core/fanout"
	"github.com/hermes-broker/hermes/core/hook"
	"github.com/hermes-broker/hermes/core/mmaplog"
	"github.com/hermes-broker/hermes/core/observability"
	"github.com/hermes-broker/hermes/core/poller"
	"github.com/hermes-broker/hermes/core/pools"
	"github.com/hermes-broker/hermes/core/protocol"
)

// frameTypeNames labels observability.PerformanceMonitor entries by frame
// type without allocating a string per frame on the hot path.
var frameTypeNames = map[byte]string{
	protocol.TypePublish:     "publish",
	protocol.TypeSubscribe:   "subscribe",
	protocol.TypeUnsubscribe: "unsubscribe",
	protocol.TypeAck:         "ack",
	protocol.TypeHeartbeat:   "heartbeat",
	protocol.TypeBatch:       "batch",
}

// Connection lifecycle states, per the component design's state machine:
// Connecting -> Open -> Draining -> Closed.
const (
	StateConnecting = iota
	StateOpen
	StateDraining
	StateClosed
)

// Connection holds one TCP peer's reactor-owned state: its read/write
// buffers, decoder cursor, and fan-out subscriber slot. Every field here is
// touched only by the reactor goroutine; there is no lock.
type Connection struct {
	fd    int
	id    uint64
	state int

	readBuf    []byte
	readLen    int
	decoder    *protocol.Decoder
	writeBuf   []byte
	writeLen   int
	writeSent  int
	lastActive time.Time

	sub *fanout.Subscriber
}

// Reset implements pools.ConnectionPoolable.
func (c *Connection) Reset() {
	c.fd = -1
	c.id = 0
	c.state = StateConnecting
	c.readBuf = nil
	c.readLen = 0
	c.writeBuf = nil
	c.writeLen = 0
	c.writeSent = 0
	c.decoder = nil
	c.lastActive = time.Time{}
	c.sub = nil
}

// SetFD implements pools.ConnectionPoolable.
func (c *Connection) SetFD(fd int) {
	c.fd = fd
	c.lastActive = time.Now()
}

// hasPendingWrite reports whether the connection still has unflushed
// bytes queued from a previous tick.
func (c *Connection) hasPendingWrite() bool {
	return c.writeSent < c.writeLen
}

// BrokerConfig collects the broker's tunables. Zero-value fields fall back
// to DefaultBrokerConfig's values via NewBroker.
type BrokerConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	OutboundRingSize int
	BlobSize         int
	DropThreshold    int
	IdleSleep        time.Duration
	MaxConnections   int

	MmapLogPath      string
	MmapLogCapacity  int64
	OffloadMmapWrite bool

	// IdleTimeout closes a connection that has sent no frame (including a
	// Heartbeat) in this long. Zero disables idle reaping.
	IdleTimeout time.Duration

	SubscriptionHook hook.HandlerFunc
}

// DefaultBrokerConfig returns the broker's stock tuning, matching the
// component design's defaults (1024-slot outbound rings, 1024-drop
// threshold, 64 MiB log).
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ReadBufferSize:   128 * 1024,
		WriteBufferSize:  128 * 1024,
		OutboundRingSize: 1024,
		BlobSize:         protocol.MaxFrameSize,
		DropThreshold:    fanout.DefaultDropThreshold,
		IdleSleep:        50 * time.Microsecond,
		MaxConnections:   65536,
		MmapLogPath:      "hermes.log",
		MmapLogCapacity:  mmaplog.DefaultCapacity,
	}
}

// Broker is the reactor: one goroutine owns the poller, every connection's
// buffers, and the fan-out engine. All cross-connection state lives here
// rather than behind a mutex, because nothing outside the reactor
// goroutine ever touches it.
type Broker struct {
	cfg BrokerConfig

	poller      poller.Poller
	lfd         int
	connections map[int]*Connection
	nextConnID  uint64

	encoder *protocol.Encoder
	fanout  *fanout.Engine
	hooks   *hook.Pipeline
	mmap    *mmaplog.Log
	writer  *mmapWriter

	connectionPool *pools.ConnectionPool
	subscriberPool *pools.SmartPool
	bytePool       *pools.BytePool

	subsBuf []*fanout.Subscriber
	obs     *observability.Observatory

	stats    BrokerStats
	shutdown bool
	tick     uint64
}

// NewBroker constructs a broker with cfg, opening its mmap log eagerly so
// a bad path/capacity fails fast at startup rather than mid-run.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	def := DefaultBrokerConfig()
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = def.WriteBufferSize
	}
	if cfg.OutboundRingSize == 0 {
		cfg.OutboundRingSize = def.OutboundRingSize
	}
	if cfg.BlobSize == 0 {
		cfg.BlobSize = def.BlobSize
	}
	if cfg.DropThreshold == 0 {
		cfg.DropThreshold = def.DropThreshold
	}
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = def.IdleSleep
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MmapLogPath == "" {
		cfg.MmapLogPath = def.MmapLogPath
	}
	if cfg.MmapLogCapacity == 0 {
		cfg.MmapLogCapacity = def.MmapLogCapacity
	}

	if cfg.OutboundRingSize&(cfg.OutboundRingSize-1) != 0 {
		return nil, fmt.Errorf("core: OutboundRingSize %d is not a power of two", cfg.OutboundRingSize)
	}

	mlog, err := mmaplog.Open(cfg.MmapLogPath, cfg.MmapLogCapacity)
	if err != nil {
		return nil, err
	}

	hooks := hook.NewPipeline()
	if cfg.SubscriptionHook != nil {
		hooks.Use(cfg.SubscriptionHook)
	}

	b := &Broker{
		cfg:         cfg,
		connections: make(map[int]*Connection, 1024),
		encoder:     protocol.NewEncoder(cfg.WriteBufferSize),
		fanout:      fanout.NewEngine(cfg.DropThreshold, hooks.Execute),
		hooks:       hooks,
		mmap:        mlog,
		bytePool:    pools.NewBytePool(),
		obs:         observability.NewObservatory(),
	}

	b.connectionPool = pools.NewConnectionPool(cfg.MaxConnections, func() any {
		return &Connection{fd: -1, state: StateConnecting}
	})

	// Subscribers own a ring plus a matching blob free list; pooling them
	// means accepting a connection never pays that allocation beyond the
	// pool's initial warmup. Capacity was already validated above, so
	// ring.NewRing below cannot fail.
	b.subscriberPool = pools.NewSmartPool(pools.SmartPoolConfig{
		New: func() any {
			sub, err := fanout.NewSubscriber(0, cfg.OutboundRingSize, cfg.BlobSize)
			if err != nil {
				panic(err)
			}
			return sub
		},
		WarmupSize: 64,
	})

	if cfg.OffloadMmapWrite {
		w, err := newMmapWriter(mlog, 4096, protocol.MaxFrameSize)
		if err != nil {
			mlog.Close()
			return nil, err
		}
		b.writer = w
	}

	return b, nil
}

// Run opens addr for listening and runs the reactor loop until Shutdown is
// called and every connection has finished draining, or an unrecoverable
// listener error occurs.
func (b *Broker) Run(addr string) error {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	lnFile, err := ln.File()
	if err != nil {
		return err
	}
	defer lnFile.Close()
	b.lfd = int(lnFile.Fd())

	if err := unix.SetNonblock(b.lfd, true); err != nil {
		return err
	}

	b.poller, err = poller.NewPoller()
	if err != nil {
		return err
	}
	defer b.poller.Close()

	if err := b.poller.Add(b.lfd); err != nil {
		return err
	}

	if b.writer != nil {
		b.writer.Start()
	}

	log.Printf("hermes: listening on %s (ring=%d blob=%d drop_threshold=%d mmap=%s)",
		addr, b.cfg.OutboundRingSize, b.cfg.BlobSize, b.cfg.DropThreshold, b.cfg.MmapLogPath)

	lastStats := time.Now()

	for {
		if b.shutdown && len(b.connections) == 0 {
			break
		}

		timeout := 0
		fds, err := b.poller.Wait(timeout)
		if err != nil {
			log.Printf("hermes: poller wait error: %v", err)
			continue
		}

		var delivered, dropped uint64
		var activity bool

		for _, fd := range fds {
			if fd == b.lfd {
				if !b.shutdown {
					b.acceptLoop()
					activity = true
				}
				continue
			}
			conn, ok := b.connections[fd]
			if !ok {
				continue
			}
			activity = true
			d, dr := b.handleReadable(conn)
			delivered += d
			dropped += dr
		}

		for _, conn := range b.connections {
			b.flush(conn)
		}

		b.tick++
		if b.cfg.IdleTimeout > 0 && b.tick%256 == 0 {
			b.reapIdle()
		}

		if delivered > 0 {
			b.stats.MessagesBroadcast.Add(delivered)
		}
		if dropped > 0 {
			b.stats.MessagesDropped.Add(dropped)
		}

		if b.shutdown {
			b.tickShutdown()
		}

		if len(b.connections) == 0 && !activity {
			time.Sleep(b.cfg.IdleSleep)
		}

		if time.Since(lastStats) >= 5*time.Second {
			log.Printf("hermes: stats %s", b.stats.Snapshot())
			lastStats = time.Now()
		}
	}

	if b.writer != nil {
		b.writer.Close()
	}
	return b.mmap.Close()
}

// Shutdown begins a graceful drain: no new connections are accepted, every
// open connection moves to StateDraining, and Run returns once all of them
// have flushed their outbound buffers and closed.
func (b *Broker) Shutdown() {
	b.shutdown = true
	for _, conn := range b.connections {
		if conn.state == StateOpen {
			conn.state = StateDraining
		}
	}
}

// tickShutdown closes any draining connection that has nothing left to
// flush, once per tick, so Shutdown's drain converges without an extra
// polling pass.
func (b *Broker) tickShutdown() {
	for fd, conn := range b.connections {
		if conn.state == StateDraining && !conn.hasPendingWrite() && conn.sub.Outbound.Len() == 0 {
			b.closeConnection(fd)
		}
	}
}

// acceptLoop drains the listener's accept queue, registering each new
// connection with the poller and fan-out engine before returning control
// to the tick.
func (b *Broker) acceptLoop() {
	for {
		nfd, _, err := unix.Accept(b.lfd)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			log.Printf("hermes: accept error: %v", err)
			return
		}

		if len(b.connections) >= b.cfg.MaxConnections {
			unix.Close(nfd)
			continue
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		// TCP_NODELAY is mandatory: Hermes never batches small frames
		// behind Nagle's algorithm.
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		connID := b.nextConnID + 1
		b.nextConnID = connID
		sub := b.subscriberPool.Get().(*fanout.Subscriber)
		sub.Reset(connID)

		conn := b.connectionPool.Get().(*Connection)
		conn.SetFD(nfd)
		conn.id = connID
		conn.state = StateOpen
		conn.readBuf = b.bytePool.Get(b.cfg.ReadBufferSize)
		conn.readLen = 0
		conn.writeBuf = make([]byte, 0, b.cfg.WriteBufferSize)
		conn.writeLen = 0
		conn.writeSent = 0
		conn.decoder = protocol.NewDecoder(nil)
		conn.sub = sub

		if err := b.poller.Add(nfd); err != nil {
			b.subscriberPool.Put(sub)
			b.connectionPool.Put(conn)
			unix.Close(nfd)
			continue
		}

		b.connections[nfd] = conn
		b.stats.ConnectionsTotal.Add(1)
		b.stats.ConnectionsActive.Add(1)
	}
}

// handleReadable reads whatever is available on conn, decodes every
// complete frame, persists it, and broadcasts it to every other
// connection. It returns the delivered/dropped totals from every
// broadcast performed, for the caller to fold into the tick's batched
// stats update.
func (b *Broker) handleReadable(conn *Connection) (delivered, dropped uint64) {
	if conn.state == StateClosed {
		return
	}

	for {
		if conn.readLen == len(conn.readBuf) {
			// Buffer full with no complete frame decoded: the peer sent a
			// frame larger than the configured buffer, or is misbehaving.
			b.closeConnection(conn.fd)
			return
		}

		n, err := unix.Read(conn.fd, conn.readBuf[conn.readLen:])
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			b.closeConnection(conn.fd)
			return
		}
		if n == 0 {
			b.closeConnection(conn.fd)
			return
		}
		conn.readLen += n
		conn.lastActive = time.Now()
		b.stats.BytesReceived.Add(uint64(n))
		b.obs.Tracer.TraceNetwork("tcp", 0, uint64(n), false)
	}

	conn.decoder.Reset(conn.readBuf[:conn.readLen])
	consumed := 0
	for {
		h, payload, ok, err := conn.decoder.Next()
		if err != nil {
			b.closeConnection(conn.fd)
			return
		}
		if !ok {
			break
		}
		consumed = conn.decoder.Pos()

		if !protocol.VerifyCRC(h, payload) {
			b.closeConnection(conn.fd)
			return
		}

		b.stats.MessagesReceived.Add(1)
		traceStart := b.obs.Monitor.StartTrace()

		// Subscribe/Unsubscribe/Ack are observed by the hook pipeline in
		// addition to, never instead of, the unconditional fan-out below:
		// the broker never filters delivery by subscription interest.
		switch h.Type {
		case protocol.TypeSubscribe, protocol.TypeUnsubscribe, protocol.TypeAck:
			b.fanout.NotifySubscription(conn.id, h.Type, payload)
		}

		frame := conn.frameBytes(payload)
		var persistErr error
		if b.writer != nil {
			b.writer.enqueue(frame)
		} else {
			_, persistErr = b.mmap.Append(frame, h.Sequence)
			if persistErr != nil {
				b.stats.BroadcastErrors.Add(1)
			}
		}

		res := b.fanout.Broadcast(conn.id, frame, b.subscriberList())
		delivered += uint64(res.Delivered)
		dropped += uint64(res.Dropped)
		for _, id := range res.NewlyClosedIDs {
			b.closeSubscriberByID(id)
		}

		b.obs.Monitor.EndTrace(frameTypeNames[h.Type], traceStart, persistErr != nil)
	}

	if consumed > 0 && consumed < conn.readLen {
		copy(conn.readBuf, conn.readBuf[consumed:conn.readLen])
	}
	conn.readLen -= consumed

	return
}

// frameBytes returns the exact wire-encoded frame (header + payload)
// backing the most recently decoded payload within conn's read buffer, for
// handing to the fan-out engine and mmap log without re-encoding. Valid
// only immediately after the Next() call that produced payload.
func (c *Connection) frameBytes(payload []byte) []byte {
	end := c.decoder.Pos()
	start := end - protocol.FrameSize(len(payload))
	return c.readBuf[start:end]
}

// subscriberList rebuilds subsBuf from the live connections map in place,
// reusing its backing array across ticks so steady-state fan-out never
// allocates here.
func (b *Broker) subscriberList() []*fanout.Subscriber {
	b.subsBuf = b.subsBuf[:0]
	for _, conn := range b.connections {
		if conn.sub != nil {
			b.subsBuf = append(b.subsBuf, conn.sub)
		}
	}
	return b.subsBuf
}

// flush writes out whatever a connection's outbound ring and pending write
// buffer can push to the socket without blocking, draining the ring and
// compacting the write buffer as space frees up.
func (b *Broker) flush(conn *Connection) {
	if conn.state == StateClosed {
		return
	}

	for {
		if conn.writeSent >= conn.writeLen {
			blob, ok := conn.sub.Outbound.TryPop()
			if !ok {
				return
			}
			frame := blob.Bytes()
			if cap(conn.writeBuf) < len(frame) {
				conn.writeBuf = make([]byte, len(frame))
			}
			conn.writeBuf = conn.writeBuf[:len(frame)]
			copy(conn.writeBuf, frame)
			conn.writeLen = len(frame)
			conn.writeSent = 0
			conn.sub.ReleaseBlob(blob)
		}

		n, err := unix.Write(conn.fd, conn.writeBuf[conn.writeSent:conn.writeLen])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			b.closeConnection(conn.fd)
			return
		}
		conn.writeSent += n
		b.stats.BytesSent.Add(uint64(n))
		b.obs.Tracer.TraceNetwork("tcp", uint64(n), 0, false)

		if conn.writeSent < conn.writeLen {
			// Socket is write-blocked; resume from here next tick.
			return
		}
		conn.writeSent = 0
		conn.writeLen = 0
	}
}

// closeConnection tears a connection down: removed from the poller first
// (stop receiving events), then its fd is closed, then its pooled objects
// are returned.
func (b *Broker) closeConnection(fd int) {
	conn, ok := b.connections[fd]
	if !ok {
		return
	}
	delete(b.connections, fd)

	b.poller.Remove(fd)
	unix.Close(fd)

	if conn.readBuf != nil {
		b.bytePool.Put(conn.readBuf)
	}
	if conn.sub != nil {
		b.subscriberPool.Put(conn.sub)
	}
	b.connectionPool.Put(conn)
	b.stats.ConnectionsActive.Add(^uint64(0)) // -1
}

// closeSubscriberByID is called when the fan-out engine reports a
// subscriber exceeded its drop threshold.
func (b *Broker) closeSubscriberByID(id uint64) {
	for fd, conn := range b.connections {
		if conn.id == id {
			b.closeConnection(fd)
			return
		}
	}
}

// reapIdle closes any connection that has sent nothing, not even a
// Heartbeat, in cfg.IdleTimeout. Checked every 256 ticks rather than every
// tick to keep time.Now() off the hot path.
func (b *Broker) reapIdle() {
	now := time.Now()
	for fd, conn := range b.connections {
		if now.Sub(conn.lastActive) > b.cfg.IdleTimeout {
			b.closeConnection(fd)
		}
	}
}

// Stats returns a snapshot of the broker's counters.
func (b *Broker) Stats() BrokerStatsSnapshot {
	return b.stats.Snapshot()
}

// ObservabilityReport renders the broker's per-frame-type latency and
// network trace data, for an operator-facing status endpoint.
func (b *Broker) ObservabilityReport() string {
	return b.obs.GetFullReport()
}
