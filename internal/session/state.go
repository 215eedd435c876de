package session

import (
	"fmt"
	"sync"
)

// StateID identifies a session state. Every state variant has its own ID,
// so the transition table is keyed by StateID pairs.
type StateID int

const (
	StateReady StateID = iota
	StateSearching
	StateSearchCompleted
	StateSearchFailed
	StateDownloading
	StateDownloadCompleted
	StateDownloadFailed
	StateDownloadPartiallyFailed
	StateInstalling
	StateInstallCompleted
	StateInstallFailed
	StateInstallPartiallyFailed
	StateUserInputRequired
	StateRebootRequired
	StateRestartSentToOS
)

var stateNames = [...]string{
	StateReady:                   "Ready",
	StateSearching:               "Searching",
	StateSearchCompleted:         "SearchCompleted",
	StateSearchFailed:            "SearchFailed",
	StateDownloading:             "Downloading",
	StateDownloadCompleted:       "DownloadCompleted",
	StateDownloadFailed:          "DownloadFailed",
	StateDownloadPartiallyFailed: "DownloadPartiallyFailed",
	StateInstalling:              "Installing",
	StateInstallCompleted:        "InstallCompleted",
	StateInstallFailed:           "InstallFailed",
	StateInstallPartiallyFailed:  "InstallPartiallyFailed",
	StateUserInputRequired:       "UserInputRequired",
	StateRebootRequired:          "RebootRequired",
	StateRestartSentToOS:         "RestartSentToOS",
}

var displayNames = [...]string{
	StateReady:                   "Ready",
	StateSearching:               "Searching for updates",
	StateSearchCompleted:         "Search completed",
	StateSearchFailed:            "Search failed",
	StateDownloading:             "Downloading updates",
	StateDownloadCompleted:       "Download completed",
	StateDownloadFailed:          "Download failed",
	StateDownloadPartiallyFailed: "Download partially failed",
	StateInstalling:              "Installing updates",
	StateInstallCompleted:        "Installation completed",
	StateInstallFailed:           "Installation failed",
	StateInstallPartiallyFailed:  "Installation partially failed",
	StateUserInputRequired:       "User input required",
	StateRebootRequired:          "Reboot required",
	StateRestartSentToOS:         "Restart sent to the operating system",
}

// AllStates lists every StateID in declaration order.
func AllStates() []StateID {
	ids := make([]StateID, len(stateNames))
	for i := range stateNames {
		ids[i] = StateID(i)
	}
	return ids
}

func (id StateID) valid() bool { return id >= 0 && int(id) < len(stateNames) }

func (id StateID) String() string {
	if !id.valid() {
		return fmt.Sprintf("StateID(%d)", int(id))
	}
	return stateNames[id]
}

// DisplayName returns the user-facing name of the state.
func (id StateID) DisplayName() string {
	if !id.valid() {
		return id.String()
	}
	return displayNames[id]
}

// Operation returns the job operation of a job state, or "" for rest states.
func (id StateID) Operation() Operation {
	switch id {
	case StateSearching:
		return OperationSearch
	case StateDownloading:
		return OperationDownload
	case StateInstalling:
		return OperationInstall
	}
	return ""
}

func (id StateID) MarshalText() ([]byte, error) {
	if !id.valid() {
		return nil, fmt.Errorf("unknown state id %d", int(id))
	}
	return []byte(stateNames[id]), nil
}

func (id *StateID) UnmarshalText(b []byte) error {
	parsed, err := ParseStateID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseStateID returns the StateID named s.
func ParseStateID(s string) (StateID, error) {
	for i, name := range stateNames {
		if name == s {
			return StateID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", s)
}

// Operation tags the three job-bearing states.
type Operation string

const (
	OperationSearch   Operation = "search"
	OperationDownload Operation = "download"
	OperationInstall  Operation = "install"
)

// State is one node of the session lifecycle. The set of implementations is
// closed: rest states and the three job states.
//
// A state is constructed right before it becomes current. enter is called
// once when it becomes current, leave once when it is superseded, and
// dispose after leave. A state whose enter fails is disposed and never
// becomes current.
type State interface {
	ID() StateID
	DisplayName() string
	Description() string

	enter(previous State) error
	leave() error
	dispose()
}

// stateBase carries the fields every state shares.
type stateBase struct {
	id StateID

	mu          sync.RWMutex
	description string
}

func (s *stateBase) ID() StateID         { return s.id }
func (s *stateBase) DisplayName() string { return s.id.DisplayName() }

func (s *stateBase) Description() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.description
}

func (s *stateBase) setDescription(d string) {
	s.mu.Lock()
	s.description = d
	s.mu.Unlock()
}
