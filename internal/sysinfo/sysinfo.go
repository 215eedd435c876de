// Package sysinfo reads machine facts for the session status and the
// download guard.
package sysinfo

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// Host answers disk and machine queries for one volume.
type Host struct {
	diskPath string

	// swapped in tests
	usage func(path string) (*disk.UsageStat, error)
	info  func() (*host.InfoStat, error)
}

// New returns a Host measuring free space on diskPath.
func New(diskPath string) *Host {
	return &Host{
		diskPath: diskPath,
		usage:    disk.Usage,
		info:     host.Info,
	}
}

// DiskPath returns the measured volume.
func (h *Host) DiskPath() string { return h.diskPath }

// FreeDiskSpace returns the bytes available on the volume.
func (h *Host) FreeDiskSpace() (uint64, error) {
	usage, err := h.usage(h.diskPath)
	if err != nil {
		return 0, fmt.Errorf("failed to check disk space on %s: %w", h.diskPath, err)
	}
	return usage.Free, nil
}

// SystemInfo returns hostname, OS and uptime.
func (h *Host) SystemInfo() (engine.SystemInfo, error) {
	info, err := h.info()
	if err != nil {
		return engine.SystemInfo{}, fmt.Errorf("failed to read host info: %w", err)
	}
	return engine.SystemInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		Uptime:          time.Duration(info.Uptime) * time.Second,
	}, nil
}
