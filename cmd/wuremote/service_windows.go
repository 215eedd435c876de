//go:build windows

package main

import (
	"golang.org/x/sys/windows/svc"
)

const windowsServiceName = "WURemote"

// isWindowsService reports whether the Service Control Manager started the
// process. Call it before any console output.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// scmHandler implements svc.Handler.
type scmHandler struct {
	start func() (*components, error)
}

// runAsService blocks under the Service Control Manager until it asks the
// service to stop.
func runAsService(start func() (*components, error)) error {
	return svc.Run(windowsServiceName, &scmHandler{start: start})
}

func (h *scmHandler) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	comps, err := h.start()
	if err != nil {
		log.Error("service start failed", "error", err)
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("running as Windows service")

	for {
		select {
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Info("SCM requested stop")
				changes <- svc.Status{State: svc.StopPending}
				if err := shutdownService(comps); err != nil {
					log.Warn("shutdown finished with error", "error", err)
				}
				return false, 0
			default:
				log.Warn("unexpected SCM control request", "cmd", uint32(cr.Cmd))
			}
		}
	}
}
