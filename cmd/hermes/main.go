// Command hermes runs the broker.
package main

import (
	"log"

	"github.com/hermes-broker/hermes/app"
	"github.com/hermes-broker/hermes/config"
)

func main() {
	cfg := config.New()
	if err := cfg.ApplyOverrides(); err != nil {
		log.Fatalf("hermes: config: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("hermes: startup: %v", err)
	}

	a.Run()
}
