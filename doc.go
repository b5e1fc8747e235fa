/*
Package hermes is an ultra-low-latency, single-process TCP publish/subscribe
message broker.

Hermes accepts any number of TCP connections, decodes a fixed 32-byte-header
binary frame protocol from each, and fans every decoded frame out to every
other open connection unconditionally. A single-threaded, non-blocking
reactor (epoll on Linux, kqueue on BSD/macOS) owns all connection state;
delivery to each subscriber runs through a bounded, lock-free SPSC ring with
a drop-and-isolate backpressure policy, so one slow reader never stalls a
fast producer. Every frame is also appended to a memory-mapped, append-only
circular log for best-effort crash recovery.

Quick Start

Basic usage:

	package main

	import (
	    "github.com/hermes-broker/hermes/app"
	    "github.com/hermes-broker/hermes/config"
	)

	func main() {
	    cfg := config.New()
	    if err := cfg.ApplyOverrides(); err != nil {
	        panic(err)
	    }

	    a, err := app.New(cfg)
	    if err != nil {
	        panic(err)
	    }
	    a.Run()
	}

Modules

The broker is organized into several packages:

  - app: process lifecycle, signal handling, graceful drain
  - config: CLI flags layered with JSON/environment overrides
  - core: the reactor loop and per-connection state machine
  - core/protocol: the wire frame codec (encode/decode/CRC)
  - core/ring: the lock-free SPSC blob ring
  - core/fanout: the broadcast engine and backpressure drop policy
  - core/mmaplog: the memory-mapped append-only log
  - core/hook: the subscription observer pipeline
  - core/poller: epoll/kqueue readiness multiplexing
  - core/pools: object pooling (connections, subscribers, buffers) and GC tuning
  - core/optimize: CPU-feature-gated CRC-32 dispatch
  - core/observability: latency/bottleneck monitoring
  - export: offline mmap-log inspection and replay

Design

Hermes targets single-digit-to-tens-of-microseconds P99 latency with zero
allocations on the hot path: every buffer is pre-allocated at connection
accept and reused for the connection's lifetime, and the reactor never
blocks on I/O, a mutex, or a channel send.
*/
package hermes
