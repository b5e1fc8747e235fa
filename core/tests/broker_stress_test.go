package tests

import (
	"net"
	"testing"
	"time"

	"github.com/hermes-broker/hermes/core"
	"github.com/hermes-broker/hermes/core/protocol"
)

// startBroker runs a broker on an ephemeral port in a background goroutine
// and returns its address plus a shutdown function.
func startBroker(t *testing.T, cfg core.BrokerConfig) (string, *core.Broker, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg.MmapLogPath = t.TempDir() + "/hermes.log"
	b, err := core.NewBroker(cfg)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(addr) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broker never came up on %s", addr)
		}
		time.Sleep(5 * time.Millisecond)
	}

	return addr, b, func() {
		b.Shutdown()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("broker did not shut down in time")
		}
	}
}

func encodeFrame(t *testing.T, typ byte, seq uint64, payload []byte) []byte {
	t.Helper()
	enc := protocol.NewEncoder(protocol.MaxFrameSize)
	frame, ok := enc.Encode(typ, seq, payload)
	if !ok {
		t.Fatalf("encode frame")
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out
}

func readFrame(t *testing.T, conn net.Conn) (protocol.Header, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	hdr := make([]byte, protocol.HeaderSize)
	if _, err := fullRead(conn, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := protocol.DecodeHeader(hdr)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := fullRead(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return h, payload
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TestBrokerFanoutAcrossConnections verifies that a Publish frame from one
// connection is delivered, unmodified, to every other open connection but
// not echoed back to the producer.
func TestBrokerFanoutAcrossConnections(t *testing.T) {
	addr, _, stop := startBroker(t, core.DefaultBrokerConfig())
	defer stop()

	producer, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial producer: %v", err)
	}
	defer producer.Close()

	subscriberA, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial subscriber A: %v", err)
	}
	defer subscriberA.Close()

	subscriberB, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial subscriber B: %v", err)
	}
	defer subscriberB.Close()

	time.Sleep(20 * time.Millisecond) // let accepts land before the publish

	payload := []byte("hello-hermes")
	frame := encodeFrame(t, protocol.TypePublish, 1, payload)
	if _, err := producer.Write(frame); err != nil {
		t.Fatalf("write publish: %v", err)
	}

	for _, sub := range []net.Conn{subscriberA, subscriberB} {
		h, got := readFrame(t, sub)
		if h.Type != protocol.TypePublish {
			t.Fatalf("got type %d, want TypePublish", h.Type)
		}
		if string(got) != string(payload) {
			t.Fatalf("got payload %q, want %q", got, payload)
		}
	}

	producer.SetReadDeadline(time.Now().Add(30 * time.Millisecond))
	if _, err := producer.Read(make([]byte, 1)); err == nil {
		t.Fatalf("producer unexpectedly received its own frame back")
	}
}

// TestBrokerFanoutOrdering verifies FIFO delivery of a producer's frames to
// a single subscriber.
func TestBrokerFanoutOrdering(t *testing.T) {
	addr, _, stop := startBroker(t, core.DefaultBrokerConfig())
	defer stop()

	producer, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial producer: %v", err)
	}
	defer producer.Close()

	subscriber, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial subscriber: %v", err)
	}
	defer subscriber.Close()

	time.Sleep(20 * time.Millisecond)

	const n = 50
	for i := uint64(1); i <= n; i++ {
		frame := encodeFrame(t, protocol.TypePublish, i, []byte{byte(i)})
		if _, err := producer.Write(frame); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	for i := uint64(1); i <= n; i++ {
		h, payload := readFrame(t, subscriber)
		if h.Sequence != i {
			t.Fatalf("frame %d arrived out of order: got sequence %d", i, h.Sequence)
		}
		if len(payload) != 1 || payload[0] != byte(i) {
			t.Fatalf("frame %d payload corrupted: %v", i, payload)
		}
	}
}

// TestBrokerUnconditionalFanoutOfControlFrames verifies that Subscribe,
// Unsubscribe, Ack, and Heartbeat frames are broadcast the same as Publish
// frames, since Hermes fans out every frame type unconditionally.
func TestBrokerUnconditionalFanoutOfControlFrames(t *testing.T) {
	addr, _, stop := startBroker(t, core.DefaultBrokerConfig())
	defer stop()

	producer, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial producer: %v", err)
	}
	defer producer.Close()

	subscriber, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial subscriber: %v", err)
	}
	defer subscriber.Close()

	time.Sleep(20 * time.Millisecond)

	types := []byte{protocol.TypeSubscribe, protocol.TypeUnsubscribe, protocol.TypeAck, protocol.TypeHeartbeat}
	for i, typ := range types {
		frame := encodeFrame(t, typ, uint64(i+1), nil)
		if _, err := producer.Write(frame); err != nil {
			t.Fatalf("write frame type %d: %v", typ, err)
		}
	}

	for _, typ := range types {
		h, _ := readFrame(t, subscriber)
		if h.Type != typ {
			t.Fatalf("got type %d, want %d", h.Type, typ)
		}
	}
}

// TestBrokerGracefulShutdownClosesAllConnections verifies that, after a
// frame has been delivered, Shutdown closes every open connection
// (ConnectionsActive returns to 0) and Run returns within the stop
// helper's deadline. No frame is still queued when Shutdown is called.
func TestBrokerGracefulShutdownClosesAllConnections(t *testing.T) {
	addr, b, stop := startBroker(t, core.DefaultBrokerConfig())

	producer, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial producer: %v", err)
	}
	defer producer.Close()

	subscriber, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial subscriber: %v", err)
	}
	defer subscriber.Close()

	time.Sleep(20 * time.Millisecond)

	frame := encodeFrame(t, protocol.TypePublish, 1, []byte("drain-me"))
	if _, err := producer.Write(frame); err != nil {
		t.Fatalf("write publish: %v", err)
	}

	h, payload := readFrame(t, subscriber)
	if h.Type != protocol.TypePublish || string(payload) != "drain-me" {
		t.Fatalf("unexpected frame before shutdown: %+v %q", h, payload)
	}

	stop()

	if got := b.Stats().ConnectionsActive; got != 0 {
		t.Fatalf("ConnectionsActive after shutdown = %d, want 0", got)
	}
}
