package app

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hermes-broker/hermes/config"
	"github.com/hermes-broker/hermes/core"
	"github.com/hermes-broker/hermes/core/pools"
)

// App wires a parsed Config to a running Broker and owns its shutdown
// signal handling.
type App struct {
	cfg    *config.Config
	broker *core.Broker
}

// New constructs a broker from cfg's fields and applies the configured GC
// tuning profile before returning.
func New(cfg *config.Config) (*App, error) {
	switch cfg.GCMode {
	case "high-throughput":
		pools.OptimizeForHighThroughput()
	default:
		pools.OptimizeForLowLatency()
	}

	broker, err := core.NewBroker(core.BrokerConfig{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		OutboundRingSize: cfg.OutboundRingSize,
		DropThreshold:    cfg.DropThreshold,
		MaxConnections:   cfg.MaxConnections,
		MmapLogPath:      cfg.MmapLogPath,
		MmapLogCapacity:  cfg.MmapLogCapacity,
		OffloadMmapWrite: cfg.OffloadMmapWrite,
		IdleTimeout:      cfg.IdleTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &App{cfg: cfg, broker: broker}, nil
}

// Broker returns the underlying broker.
func (a *App) Broker() *core.Broker {
	return a.broker
}

// Run starts the broker and blocks until a shutdown signal triggers a
// graceful drain and the reactor loop returns.
func (a *App) Run() {
	go a.awaitSignal()

	log.Printf("hermes: starting on %s (gc_mode=%s)", a.cfg.ListenAddr, a.cfg.GCMode)

	if err := a.broker.Run(a.cfg.ListenAddr); err != nil {
		log.Fatalf("hermes: broker exited: %v", err)
	}
}

// awaitSignal blocks for SIGINT/SIGTERM, then calls Broker.Shutdown and
// gives the reactor a bounded window to drain before forcing exit.
func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("hermes: signal %v received, draining connections", sig)

	a.broker.Shutdown()

	select {
	case <-time.After(10 * time.Second):
		log.Printf("hermes: drain window exceeded, forcing exit")
		os.Exit(1)
	case <-waitForDrain(a.broker):
		log.Printf("hermes: drained cleanly")
	}
}

// waitForDrain polls the broker's stats until every connection has closed,
// then closes the returned channel. Run's own loop performs the actual
// draining; this just gives awaitSignal something to block on.
func waitForDrain(b *core.Broker) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for b.Stats().ConnectionsActive > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		close(done)
	}()
	return done
}
