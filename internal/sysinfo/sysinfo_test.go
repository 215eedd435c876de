package sysinfo

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
)

func TestFreeDiskSpace(t *testing.T) {
	h := New("/data")
	h.usage = func(path string) (*disk.UsageStat, error) {
		if path != "/data" {
			t.Fatalf("usage queried %q, want /data", path)
		}
		return &disk.UsageStat{Path: path, Free: 12345}, nil
	}

	free, err := h.FreeDiskSpace()
	if err != nil {
		t.Fatalf("FreeDiskSpace: %v", err)
	}
	if free != 12345 {
		t.Fatalf("free = %d, want 12345", free)
	}
}

func TestFreeDiskSpaceError(t *testing.T) {
	h := New(`C:\`)
	h.usage = func(string) (*disk.UsageStat, error) { return nil, errors.New("no such volume") }

	_, err := h.FreeDiskSpace()
	if err == nil || !strings.Contains(err.Error(), `C:\`) {
		t.Fatalf("err = %v, want it to name the volume", err)
	}
}

func TestSystemInfo(t *testing.T) {
	h := New("/")
	h.info = func() (*host.InfoStat, error) {
		return &host.InfoStat{
			Hostname:        "ws-42",
			OS:              "windows",
			Platform:        "Microsoft Windows 11 Pro",
			PlatformVersion: "10.0.22631",
			Uptime:          3600,
		}, nil
	}

	info, err := h.SystemInfo()
	if err != nil {
		t.Fatalf("SystemInfo: %v", err)
	}
	if info.Hostname != "ws-42" || info.OS != "windows" || info.PlatformVersion != "10.0.22631" {
		t.Fatalf("info = %+v", info)
	}
	if info.Uptime != time.Hour {
		t.Fatalf("uptime = %v, want 1h", info.Uptime)
	}
}

func TestRealHostAnswers(t *testing.T) {
	h := New("/")
	if _, err := h.SystemInfo(); err != nil {
		t.Skipf("host info unavailable: %v", err)
	}
}
