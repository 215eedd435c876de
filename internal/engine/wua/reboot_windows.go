//go:build windows

package wua

import (
	"fmt"
	"os/exec"

	"golang.org/x/sys/windows/registry"
)

const (
	keyWURebootRequired = `SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired`
	keyCBSRebootPending = `SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending`
	keySessionManager   = `SYSTEM\CurrentControlSet\Control\Session Manager`
	keyWUPolicy         = `SOFTWARE\Policies\Microsoft\Windows\WindowsUpdate`
)

// detectPendingReboot checks the registry locations Windows uses to record
// a pending restart and returns the reasons found.
func detectPendingReboot() (bool, []string) {
	var reasons []string

	if keyExists(registry.LOCAL_MACHINE, keyWURebootRequired) {
		reasons = append(reasons, "Windows Update requires reboot")
	}
	if keyExists(registry.LOCAL_MACHINE, keyCBSRebootPending) {
		reasons = append(reasons, "Component servicing reboot pending")
	}
	if hasPendingFileRenames() {
		reasons = append(reasons, "Pending file rename operations")
	}

	return len(reasons) > 0, reasons
}

func keyExists(root registry.Key, path string) bool {
	k, err := registry.OpenKey(root, path, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	k.Close()
	return true
}

func hasPendingFileRenames() bool {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, keySessionManager, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer k.Close()

	for _, name := range []string{"PendingFileRenameOperations", "PendingFileRenameOperations2"} {
		if val, _, err := k.GetStringsValue(name); err == nil && len(val) > 0 {
			return true
		}
	}
	return false
}

// updateTarget reads the WSUS server and client-side target group from
// group policy. Both are empty on machines talking to Microsoft Update.
func updateTarget() (server, group string) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, keyWUPolicy, registry.QUERY_VALUE)
	if err != nil {
		return "", ""
	}
	defer k.Close()

	server, _, _ = k.GetStringValue("WUServer")
	group, _, _ = k.GetStringValue("TargetGroup")
	return server, group
}

// requestReboot asks Windows to restart now, recorded as a planned
// operating system update restart. It does not wait for shutdown.exe.
func requestReboot() error {
	cmd := exec.Command("shutdown", "/r", "/t", "0", "/d", "p:2:17")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start shutdown: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warn("shutdown exited with error", "error", err.Error())
		}
	}()
	return nil
}
