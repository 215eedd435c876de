package session

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// DiskSpaceFactor is the headroom the download guard demands on top of the
// summed footprint of the pending downloads.
const DiskSpaceFactor = 1.5

const (
	reasonNothingSelected  = "There are no selected updates with accepted eula. Search for updates, select updates and accept their eulas first."
	reasonNothingToInstall = "There are no downloaded updates with accepted eula selected for installation. Select and download updates first."
	reasonInstallerBusy    = "The installer is busy with another operation."
	reasonRebootFirst      = "A reboot is required before further updates can be installed."
	reasonInteractiveOnly  = "The downloaded updates selected for installation require user input and cannot be installed unattended."
)

func eulaAccepted(u engine.Update) bool { return u.EulaAccepted() }

// footprint is the disk space an update needs to be downloaded.
func footprint(u engine.Update) uint64 {
	if n := u.RecommendedDiskSpace(); n > 0 {
		return uint64(n)
	}
	if n := u.MaxDownloadSize(); n > 0 {
		return uint64(n)
	}
	return 0
}

// DownloadGuard allows downloading when there are selected updates with an
// accepted eula and the disk can take 1.5 times what is left to download.
// It is fulfilled with a note when everything selected is already there.
func DownloadGuard(env GuardEnv, _ State) Evaluation {
	accepted := env.SelectedUpdates(eulaAccepted)
	if len(accepted) == 0 {
		return Evaluation{Reason: reasonNothingSelected}
	}

	var need float64
	remaining := 0
	for _, u := range accepted {
		if u.IsDownloaded() || u.IsInstalled() {
			continue
		}
		remaining++
		need += float64(footprint(u))
	}
	if remaining == 0 {
		return Evaluation{Fulfilled: true, Reason: "All selected updates are already downloaded or installed."}
	}

	need *= DiskSpaceFactor
	free, err := env.FreeDiskSpace()
	if err != nil {
		return Evaluation{Reason: fmt.Sprintf("Could not determine free disk space: %v", err)}
	}
	if float64(free) < need {
		return Evaluation{Reason: fmt.Sprintf("Not enough free disk space: %s required, %s available.",
			humanize.IBytes(uint64(need)), humanize.IBytes(free))}
	}
	return Evaluation{Fulfilled: true}
}

// InstallGuard allows installing when the installer is idle, no reboot is
// pending and at least one selected update with an accepted eula is
// downloaded and can be installed unattended. It is also fulfilled when
// every such update is installed.
func InstallGuard(env GuardEnv, _ State) Evaluation {
	st, err := env.InstallerStatus()
	if err != nil {
		return Evaluation{Reason: fmt.Sprintf("Could not query the installer: %v", err)}
	}
	if st.IsBusy {
		return Evaluation{Reason: reasonInstallerBusy}
	}
	if st.RebootRequiredBeforeInstallation {
		return Evaluation{Reason: reasonRebootFirst}
	}

	accepted := env.SelectedUpdates(eulaAccepted)
	if len(accepted) > 0 {
		allInstalled := true
		for _, u := range accepted {
			if !u.IsInstalled() {
				allInstalled = false
				break
			}
		}
		if allInstalled {
			return Evaluation{Fulfilled: true, Reason: "All selected updates are already installed."}
		}
	}

	interactive := false
	for _, u := range accepted {
		if installable(u) {
			return Evaluation{Fulfilled: true}
		}
		if u.IsDownloaded() && !u.IsInstalled() {
			interactive = true
		}
	}
	if interactive {
		return Evaluation{Reason: reasonInteractiveOnly}
	}
	return Evaluation{Reason: reasonNothingToInstall}
}

// downloadable selects the updates a download job works on.
func downloadable(u engine.Update) bool {
	return u.EulaAccepted() && !u.IsInstalled() && !u.IsDownloaded()
}

// installable selects the updates an install job works on. Updates that
// prompt for input are left for an interactive session.
func installable(u engine.Update) bool {
	return u.EulaAccepted() && u.IsDownloaded() && !u.IsInstalled() && !u.CanRequestUserInput()
}

// needsUser reports a selected update an unattended install cannot finish.
func needsUser(u engine.Update) bool {
	return !u.IsInstalled() && (!u.EulaAccepted() || u.CanRequestUserInput())
}
