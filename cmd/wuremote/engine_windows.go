//go:build windows

package main

import (
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine/wua"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/sysinfo"
)

func newWUAEngine(host *sysinfo.Host) (engine.Engine, func(), error) {
	eng, err := wua.New(wua.Options{Host: host})
	if err != nil {
		return nil, nil, err
	}
	return eng, func() {
		if err := eng.Close(); err != nil {
			log.Warn("failed to release update session", logging.KeyError, err)
		}
	}, nil
}
