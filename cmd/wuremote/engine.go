package main

import (
	"fmt"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/config"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine/memory"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/sysinfo"
)

// simulatedStep is the time each simulated item takes.
const simulatedStep = 500 * time.Millisecond

// newEngine builds the configured update engine and a function releasing it.
func newEngine(cfg *config.Config) (engine.Engine, func(), error) {
	host := sysinfo.New(cfg.DiskPath)

	switch cfg.Engine {
	case config.EngineSimulated:
		eng := memory.NewAutomatic(simulatedStep, memory.SampleCatalog()...)
		eng.UseHost(host)
		log.Info("using simulated update engine")
		return eng, func() {}, nil
	case config.EngineWUA:
		return newWUAEngine(host)
	}
	return nil, nil, fmt.Errorf("unknown engine %q", cfg.Engine)
}
