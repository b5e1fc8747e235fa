package config

import (
	"flag"
	"time"
)

// Config holds the broker's full runtime configuration, populated from
// CLI flags and then overlaid with any values present in a JSON file or
// HERMES_-prefixed environment variables via Manager.
type Config struct {
	ListenAddr string `config:"listen"`

	ReadBufferSize   int `config:"read_buffer_size"`
	WriteBufferSize  int `config:"write_buffer_size"`
	OutboundRingSize int `config:"outbound_ring_size"`
	DropThreshold    int `config:"drop_threshold"`
	MaxConnections   int `config:"max_connections"`

	MmapLogPath      string `config:"mmap_log_path"`
	MmapLogCapacity  int64  `config:"mmap_log_capacity"`
	OffloadMmapWrite bool   `config:"offload_mmap_write"`

	IdleTimeout time.Duration `config:"idle_timeout"`

	GCMode string `config:"gc_mode"` // "low-latency" or "high-throughput"

	ConfigFile string `config:"-"`
	Verbose    bool   `config:"verbose"`
}

// New parses CLI flags into a Config with Hermes's stock defaults. Call
// (*Config).ApplyOverrides afterward to layer a JSON file and/or
// HERMES_-prefixed environment variables on top.
func New() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen", ":9999", "TCP address to listen on")
	flag.IntVar(&cfg.ReadBufferSize, "read-buffer-size", 128*1024, "per-connection read buffer size in bytes")
	flag.IntVar(&cfg.WriteBufferSize, "write-buffer-size", 128*1024, "per-connection write buffer size in bytes")
	flag.IntVar(&cfg.OutboundRingSize, "outbound-ring-size", 1024, "per-subscriber outbound ring capacity (power of two)")
	flag.IntVar(&cfg.DropThreshold, "drop-threshold", 1024, "consecutive backpressure drops before a subscriber is closed")
	flag.IntVar(&cfg.MaxConnections, "max-connections", 65536, "maximum concurrent connections")
	flag.StringVar(&cfg.MmapLogPath, "mmap-log-path", "hermes_data.dat", "path to the memory-mapped append-only log")
	flag.Int64Var(&cfg.MmapLogCapacity, "mmap-log-capacity", 64<<20, "mmap log file size in bytes")
	flag.BoolVar(&cfg.OffloadMmapWrite, "offload-mmap-write", false, "append to the mmap log from a dedicated goroutine instead of the reactor")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "close a connection silent this long (0 disables)")
	flag.StringVar(&cfg.GCMode, "gc-mode", "low-latency", "GC tuning profile: low-latency or high-throughput")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional JSON config file overlaying these flags")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")

	flag.Parse()

	return cfg
}

// ApplyOverrides layers cfg.ConfigFile (if set) and HERMES_-prefixed
// environment variables on top of the flag-parsed values, flags losing to
// file, file losing to environment — the same precedence order the
// Manager's callers expect elsewhere in the stack.
func (c *Config) ApplyOverrides() error {
	m := NewManager()

	if c.ConfigFile != "" {
		if err := m.LoadFromJSON(c.ConfigFile); err != nil {
			return err
		}
	}
	m.LoadFromEnv("HERMES")

	return m.Unmarshal("", c)
}
