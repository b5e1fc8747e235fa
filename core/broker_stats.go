package core

import (
	"fmt"
	"sync/atomic"
)

// BrokerStats holds the broker's process-wide counters. MessagesBroadcast
// and MessagesDropped are accumulated across a reactor tick from each
// fanout.Result and added once per tick. The other counters are not
// batched: MessagesReceived is added once per decoded frame,
// BytesReceived/BytesSent once per socket read/write, and the connection
// counters once per accept or close.
type BrokerStats struct {
	MessagesReceived  atomic.Uint64
	MessagesBroadcast atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesReceived     atomic.Uint64
	BytesSent         atomic.Uint64
	ConnectionsTotal  atomic.Uint64
	ConnectionsActive atomic.Uint64
	BroadcastErrors   atomic.Uint64
}

// BrokerStatsSnapshot is a point-in-time copy of BrokerStats suitable for
// logging or export.
type BrokerStatsSnapshot struct {
	MessagesReceived  uint64
	MessagesBroadcast uint64
	MessagesDropped   uint64
	BytesReceived     uint64
	BytesSent         uint64
	ConnectionsTotal  uint64
	ConnectionsActive uint64
	BroadcastErrors   uint64
}

// Snapshot copies the current counter values.
func (s *BrokerStats) Snapshot() BrokerStatsSnapshot {
	return BrokerStatsSnapshot{
		MessagesReceived:  s.MessagesReceived.Load(),
		MessagesBroadcast: s.MessagesBroadcast.Load(),
		MessagesDropped:   s.MessagesDropped.Load(),
		BytesReceived:     s.BytesReceived.Load(),
		BytesSent:         s.BytesSent.Load(),
		ConnectionsTotal:  s.ConnectionsTotal.Load(),
		ConnectionsActive: s.ConnectionsActive.Load(),
		BroadcastErrors:   s.BroadcastErrors.Load(),
	}
}

// String renders the snapshot the way the broker's periodic stats line
// logs it.
func (s BrokerStatsSnapshot) String() string {
	return fmt.Sprintf(
		"connections=%d/%d received=%d broadcast=%d dropped=%d bytes_in=%d bytes_out=%d broadcast_errors=%d",
		s.ConnectionsActive, s.ConnectionsTotal,
		s.MessagesReceived, s.MessagesBroadcast, s.MessagesDropped,
		s.BytesReceived, s.BytesSent, s.BroadcastErrors,
	)
}
