//go:build !windows

package main

import (
	"errors"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/sysinfo"
)

func newWUAEngine(_ *sysinfo.Host) (engine.Engine, func(), error) {
	return nil, nil, errors.New("the wua engine is only available on Windows, use --engine simulated")
}
