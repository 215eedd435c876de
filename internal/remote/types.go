package remote

import (
	"errors"
	"fmt"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
)

// Command types
const (
	// Session operations
	CmdBeginSearch   = "begin_search"
	CmdBeginDownload = "begin_download"
	CmdBeginInstall  = "begin_install"
	CmdAbortSearch   = "abort_search"
	CmdAbortDownload = "abort_download"
	CmdAbortInstall  = "abort_install"
	CmdReboot        = "reboot"

	// Queries
	CmdStatus           = "status"
	CmdAvailableUpdates = "available_updates"
	CmdGetSettings      = "get_settings"
	CmdCallHistory      = "call_history"

	// Update selection
	CmdAcceptEula     = "accept_eula"
	CmdSelectUpdate   = "select_update"
	CmdUnselectUpdate = "unselect_update"

	// Settings
	CmdSetAutoAcceptEulas   = "set_auto_accept_eulas"
	CmdSetAutoSelectUpdates = "set_auto_select_updates"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Error kinds reported in failed results.
const (
	KindInvalidTransition  = "invalid_transition"
	KindPrecondition       = "precondition"
	KindUpdateNotFound     = "update_not_found"
	KindArgumentOutOfRange = "argument_out_of_range"
	KindEngine             = "engine"
	KindBadRequest         = "bad_request"
)

// ErrBadRequest marks a malformed command.
var ErrBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Command is one remote call.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// CommandResult is the reply to a Command.
type CommandResult struct {
	Type       string `json:"type,omitempty"`
	CommandID  string `json:"commandId,omitempty"`
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// NewSuccessResult wraps data in a completed result.
func NewSuccessResult(data any) CommandResult {
	return CommandResult{Status: StatusCompleted, Result: data}
}

// NewErrorResult classifies err into a failed result.
func NewErrorResult(err error) CommandResult {
	return CommandResult{Status: StatusFailed, Error: err.Error(), ErrorKind: ErrorKind(err)}
}

// ErrorKind maps session and request errors to their wire name. Anything
// unrecognised came from the engine.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, session.ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, session.ErrPreConditionNotFulfilled):
		return KindPrecondition
	case errors.Is(err, session.ErrUpdateNotFound):
		return KindUpdateNotFound
	case errors.Is(err, session.ErrArgumentOutOfRange):
		return KindArgumentOutOfRange
	default:
		return KindEngine
	}
}

// StateResult is returned by operations that move the session.
type StateResult struct {
	State       session.StateID `json:"state"`
	DisplayName string          `json:"displayName"`
}

func stateResult(id session.StateID) StateResult {
	return StateResult{State: id, DisplayName: id.DisplayName()}
}

// Settings is the get_settings payload.
type Settings struct {
	AutoAcceptEulas        bool   `json:"autoAcceptEulas"`
	AutoSelectUpdates      bool   `json:"autoSelectUpdates"`
	SearchTimeoutSeconds   int    `json:"searchTimeoutSeconds"`
	DownloadTimeoutSeconds int    `json:"downloadTimeoutSeconds"`
	InstallTimeoutSeconds  int    `json:"installTimeoutSeconds"`
	MaxTimeoutSeconds      int    `json:"maxTimeoutSeconds"`
	SessionID              string `json:"sessionId"`
}
