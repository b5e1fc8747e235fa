// Command hermes-export inspects or replays a Hermes mmap log offline.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/hermes-broker/hermes/core/mmaplog"
	"github.com/hermes-broker/hermes/export"
)

func main() {
	var (
		path        = flag.String("mmap-log-path", "hermes_data.dat", "path to the mmap log file")
		capacity    = flag.Int64("mmap-log-capacity", mmaplog.DefaultCapacity, "mmap log file size in bytes, must match how it was created")
		replayTo    = flag.String("replay-to", "", "TCP address to sendfile-replay the raw log to, instead of dumping records")
		httpAddr    = flag.String("http-addr", "", "if set, serve /dump and /healthz over HTTP on this address instead of a one-shot dump or replay")
		httpMaxConn = flag.Int("http-max-conns", 8, "maximum concurrent connections accepted by -http-addr")
	)
	flag.Parse()

	if *httpAddr != "" {
		if err := serveHTTP(*path, *capacity, *httpAddr, *httpMaxConn); err != nil {
			log.Fatalf("hermes-export: http: %v", err)
		}
		return
	}

	if *replayTo != "" {
		if err := replay(*path, *capacity, *replayTo); err != nil {
			log.Fatalf("hermes-export: replay: %v", err)
		}
		return
	}

	if err := dump(*path, *capacity); err != nil {
		log.Fatalf("hermes-export: dump: %v", err)
	}
}

func serveHTTP(path string, capacity int64, addr string, maxConns int) error {
	l, err := mmaplog.Open(path, capacity)
	if err != nil {
		return err
	}
	defer l.Close()

	fmt.Fprintf(os.Stderr, "hermes-export: serving %s over http (max %d conns)\n", path, maxConns)
	return export.ServeHTTP(addr, maxConns, l)
}

func dump(path string, capacity int64) error {
	l, err := mmaplog.Open(path, capacity)
	if err != nil {
		return err
	}
	defer l.Close()

	n, err := export.Dump(l, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "hermes-export: wrote %d records\n", n)
	return nil
}

func replay(path string, capacity int64, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("hermes-export: %s did not resolve to a TCP connection", addr)
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var sendErr error
	var sent int
	if err := rawConn.Control(func(fd uintptr) {
		sent, sendErr = export.Replay(int(fd), path, capacity)
	}); err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}

	fmt.Fprintf(os.Stderr, "hermes-export: replayed %d bytes to %s\n", sent, addr)
	return nil
}
