package core

import (
	"encoding/json"
	"fmt"
)

// PoolStats reports hit rates for every object pool the reactor draws
// from, for periodic logging or an operator-facing status endpoint.
type PoolStats struct {
	Connection ConnectionPoolStats `json:"connection"`
	Subscriber SubscriberPoolStats `json:"subscriber"`
}

type ConnectionPoolStats struct {
	Gets    uint64  `json:"gets"`
	Puts    uint64  `json:"puts"`
	HitRate float64 `json:"hit_rate"`
}

type SubscriberPoolStats struct {
	Gets      uint64  `json:"gets"`
	Puts      uint64  `json:"puts"`
	News      uint64  `json:"news"`
	HitRate   float64 `json:"hit_rate"`
	ReuseRate float64 `json:"reuse_rate"`
}

// PoolStats returns statistics for the connection and subscriber pools.
// The byte pool (read buffers) is a stdlib sync.Pool per size tier and
// does not expose hit-rate counters.
func (b *Broker) PoolStats() PoolStats {
	gets, puts, hitRate := b.connectionPool.Stats()
	subStats := b.subscriberPool.Stats()

	return PoolStats{
		Connection: ConnectionPoolStats{Gets: gets, Puts: puts, HitRate: hitRate},
		Subscriber: SubscriberPoolStats{
			Gets:      subStats.Gets,
			Puts:      subStats.Puts,
			News:      subStats.News,
			HitRate:   subStats.HitRate,
			ReuseRate: subStats.ReuseRate,
		},
	}
}

// PoolStatsJSON returns PoolStats marshaled as indented JSON.
func (b *Broker) PoolStatsJSON() string {
	data, _ := json.MarshalIndent(b.PoolStats(), "", "  ")
	return string(data)
}

// PoolStatsText returns PoolStats formatted for a terminal.
func (b *Broker) PoolStatsText() string {
	s := b.PoolStats()
	return fmt.Sprintf(`Pool Statistics
===============

Connection Pool:
  Gets:     %d
  Puts:     %d
  Hit Rate: %.2f%%

Subscriber Pool:
  Gets:       %d
  Puts:       %d
  New allocs: %d
  Hit Rate:   %.2f%%
  Reuse Rate: %.2f%%
`,
		s.Connection.Gets, s.Connection.Puts, s.Connection.HitRate*100,
		s.Subscriber.Gets, s.Subscriber.Puts, s.Subscriber.News, s.Subscriber.HitRate*100, s.Subscriber.ReuseRate*100,
	)
}
