// Package remote maps remote command types onto session operations and
// records every call in the call history.
package remote

import (
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/audit"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
)

var log = logging.L("remote")

// CommandHandler processes a command and returns a result.
type CommandHandler func(d *Dispatcher, cmd Command) CommandResult

// handlerRegistry is written only during package init.
var handlerRegistry = map[string]CommandHandler{
	CmdBeginSearch:   handleBeginSearch,
	CmdBeginDownload: handleBeginDownload,
	CmdBeginInstall:  handleBeginInstall,
	CmdAbortSearch:   handleAbortSearch,
	CmdAbortDownload: handleAbortDownload,
	CmdAbortInstall:  handleAbortInstall,
	CmdReboot:        handleReboot,

	CmdStatus:           handleStatus,
	CmdAvailableUpdates: handleAvailableUpdates,
	CmdGetSettings:      handleGetSettings,
	CmdCallHistory:      handleCallHistory,

	CmdAcceptEula:     handleAcceptEula,
	CmdSelectUpdate:   handleSelectUpdate,
	CmdUnselectUpdate: handleUnselectUpdate,

	CmdSetAutoAcceptEulas:   handleSetAutoAcceptEulas,
	CmdSetAutoSelectUpdates: handleSetAutoSelectUpdates,
}

// Timeouts are the per-operation defaults used when a call omits
// timeoutSeconds.
type Timeouts struct {
	SearchSeconds   int
	DownloadSeconds int
	InstallSeconds  int
}

// Dispatcher executes commands against one session.
type Dispatcher struct {
	ctrl     *session.Controller
	timeouts Timeouts
	history  *audit.History
	audit    *audit.Logger
}

// NewDispatcher returns a Dispatcher. history and auditLog may be nil.
func NewDispatcher(ctrl *session.Controller, timeouts Timeouts, history *audit.History, auditLog *audit.Logger) *Dispatcher {
	return &Dispatcher{ctrl: ctrl, timeouts: timeouts, history: history, audit: auditLog}
}

// Controller returns the session the dispatcher drives.
func (d *Dispatcher) Controller() *session.Controller { return d.ctrl }

// Known reports whether a handler exists for commandType.
func Known(commandType string) bool {
	_, ok := handlerRegistry[commandType]
	return ok
}

// Dispatch looks up the handler, times it and records the call. Unknown
// command types fail with a bad_request result.
func (d *Dispatcher) Dispatch(cmd Command) CommandResult {
	start := time.Now()

	var result CommandResult
	handler, ok := handlerRegistry[cmd.Type]
	if !ok {
		log.Warn("no handler registered for command type", logging.KeyCommand, cmd.Type)
		result = NewErrorResult(badRequest("unknown command type %q", cmd.Type))
	} else {
		result = handler(d, cmd)
	}
	if result.DurationMs <= 0 {
		result.DurationMs = time.Since(start).Milliseconds()
	}

	if result.Status == StatusFailed {
		log.Info("command failed",
			logging.KeyCommandID, cmd.ID,
			logging.KeyCommand, cmd.Type,
			"errorKind", result.ErrorKind,
			logging.KeyError, result.Error)
	} else {
		log.Debug("command completed",
			logging.KeyCommandID, cmd.ID,
			logging.KeyCommand, cmd.Type,
			logging.KeyDurationMs, result.DurationMs)
	}

	d.history.Record(audit.Call{
		ID:         cmd.ID,
		Command:    cmd.Type,
		Params:     cmd.Payload,
		Status:     result.Status,
		Error:      result.Error,
		ErrorKind:  result.ErrorKind,
		StartedAt:  start.UTC(),
		DurationMs: result.DurationMs,
	})
	return result
}
