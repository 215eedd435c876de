// Package engine defines the narrow contract between the session orchestrator
// and the subsystem that actually searches, downloads and installs updates.
//
// Engines start every operation asynchronously: Begin* returns a Job at once
// and later reports progress and completion through the supplied Callbacks
// from a goroutine of its own. Callbacks must never be invoked synchronously
// from inside Begin*, because the caller holds its job lock until Begin*
// returns. The result of a completed job is collected with the matching End*
// call.
package engine

import "time"

// AutoSelection mirrors the engine's per-update auto-selection metadata.
type AutoSelection int

const (
	// AutoSelectionUnavailable means the engine cannot report the mode.
	AutoSelectionUnavailable  AutoSelection = -1
	AutoSelectionDefault      AutoSelection = 0
	AutoSelectionIfDownloaded AutoSelection = 1
	AutoSelectionNever        AutoSelection = 2
	AutoSelectionAlways       AutoSelection = 3
)

// Update is an engine-native update item.
type Update interface {
	ID() string
	Title() string
	Description() string
	MinDownloadSize() int64
	MaxDownloadSize() int64
	// RecommendedDiskSpace is the footprint the engine suggests reserving, in
	// bytes, or 0 when not reported.
	RecommendedDiskSpace() int64

	IsInstalled() bool
	IsDownloaded() bool
	IsMandatory() bool
	AutoSelectOnWebSites() bool
	// BrowseOnly reports the browse-only flag; ok is false when the engine
	// does not expose it.
	BrowseOnly() (value bool, ok bool)
	AutoSelection() AutoSelection
	// CanRequestUserInput reports whether installing needs an interactive session.
	CanRequestUserInput() bool

	EulaAccepted() bool
	AcceptEula() error
}

// Job is an engine-specific asynchronous operation handle.
type Job interface {
	IsCompleted() bool
	// AsyncState returns the opaque correlation value passed to Begin*.
	AsyncState() any
	// RequestAbort asks the engine to stop the job. It is best effort and
	// a no-op on completed jobs.
	RequestAbort() error
}

// Progress is one raw progress notification.
type Progress struct {
	// Current is the update being processed, nil when unknown.
	Current Update
	// Index is the 0-based position of Current, -1 when unknown.
	Index int
	// Count is the number of updates in the job, 0 when unknown.
	Count int
	// Percent is the overall completion in [0,100], -1 when unknown.
	Percent int
}

// Callbacks receive asynchronous job notifications.
type Callbacks struct {
	Progress  func(job Job, p Progress)
	Completed func(job Job)
}

// SearchResult is collected with EndSearch.
type SearchResult struct {
	ResultCode ResultCode
	Updates    []Update
	Warnings   []string
}

// DownloadResult is collected with EndDownload.
type DownloadResult struct {
	ResultCode ResultCode
	HResult    int
	Updates    []Update
}

// InstallResult is collected with EndInstall.
type InstallResult struct {
	ResultCode     ResultCode
	HResult        int
	RebootRequired bool
	Updates        []Update
}

// InstallerStatus describes whether the installer can take new work.
type InstallerStatus struct {
	IsBusy                           bool
	RebootRequiredBeforeInstallation bool
}

// SystemInfo holds machine facts surfaced in the session status.
type SystemInfo struct {
	Hostname        string
	OS              string
	Platform        string
	PlatformVersion string
	Uptime          time.Duration
	TargetGroup     string
	UpdateServer    string
}

// Environment answers the host queries the orchestrator needs.
type Environment interface {
	FreeDiskSpace() (uint64, error)
	RebootPending() (bool, error)
	InstallerStatus() (InstallerStatus, error)
	SystemInfo() (SystemInfo, error)
	// RequestReboot hands a restart request to the OS without waiting for it.
	RequestReboot() error
}

// Engine performs update I/O on behalf of the orchestrator.
type Engine interface {
	Environment

	BeginSearch(criteria string, cb Callbacks, state any) (Job, error)
	EndSearch(job Job) (*SearchResult, error)

	BeginDownload(updates []Update, cb Callbacks, state any) (Job, error)
	EndDownload(job Job) (*DownloadResult, error)

	BeginInstall(updates []Update, cb Callbacks, state any) (Job, error)
	EndInstall(job Job) (*InstallResult, error)
}
