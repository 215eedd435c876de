//go:build windows

package wua

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const serviceStartWait = 30 * time.Second

// ensureService makes sure wuauserv is running, starting it and waiting up
// to 30 seconds when it is stopped.
func ensureService() error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService("wuauserv")
	if err != nil {
		return fmt.Errorf("failed to open wuauserv service: %w", err)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return fmt.Errorf("failed to query wuauserv status: %w", err)
	}
	if status.State == svc.Running {
		return nil
	}

	log.Info("starting wuauserv", "state", stateName(status.State))
	if err := s.Start(); err != nil {
		return fmt.Errorf("wuauserv is %s and failed to start: %w", stateName(status.State), err)
	}

	deadline := time.Now().Add(serviceStartWait)
	for time.Now().Before(deadline) {
		status, err = s.Query()
		if err != nil {
			return fmt.Errorf("failed to query wuauserv after start: %w", err)
		}
		if status.State == svc.Running {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("wuauserv did not reach running state within %s (state: %s)", serviceStartWait, stateName(status.State))
}

func stateName(state svc.State) string {
	switch state {
	case svc.Stopped:
		return "Stopped"
	case svc.StartPending:
		return "StartPending"
	case svc.StopPending:
		return "StopPending"
	case svc.Running:
		return "Running"
	case svc.ContinuePending:
		return "ContinuePending"
	case svc.PausePending:
		return "PausePending"
	case svc.Paused:
		return "Paused"
	default:
		return fmt.Sprintf("Unknown(%d)", state)
	}
}
