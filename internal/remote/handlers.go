package remote

import (
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/audit"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
)

// --- Session operations ---

func handleBeginSearch(d *Dispatcher, cmd Command) CommandResult {
	return d.begin(cmd, d.timeouts.SearchSeconds, d.ctrl.BeginSearch)
}

func handleBeginDownload(d *Dispatcher, cmd Command) CommandResult {
	return d.begin(cmd, d.timeouts.DownloadSeconds, d.ctrl.BeginDownload)
}

func handleBeginInstall(d *Dispatcher, cmd Command) CommandResult {
	return d.begin(cmd, d.timeouts.InstallSeconds, d.ctrl.BeginInstall)
}

func (d *Dispatcher) begin(cmd Command, def int, op func(int) (session.StateID, error)) CommandResult {
	timeout, err := timeoutSeconds(cmd.Payload, "timeoutSeconds", def)
	if err != nil {
		return NewErrorResult(err)
	}
	return stateOutcome(op(timeout))
}

func handleAbortSearch(d *Dispatcher, _ Command) CommandResult {
	return stateOutcome(d.ctrl.AbortSearch())
}

func handleAbortDownload(d *Dispatcher, _ Command) CommandResult {
	return stateOutcome(d.ctrl.AbortDownload())
}

func handleAbortInstall(d *Dispatcher, _ Command) CommandResult {
	return stateOutcome(d.ctrl.AbortInstall())
}

func handleReboot(d *Dispatcher, cmd Command) CommandResult {
	d.audit.Log(audit.EventRebootRequest, cmd.ID, map[string]any{"sessionId": d.ctrl.ID()})
	return stateOutcome(d.ctrl.Reboot())
}

func stateOutcome(id session.StateID, err error) CommandResult {
	if err != nil {
		return NewErrorResult(err)
	}
	return NewSuccessResult(stateResult(id))
}

// --- Queries ---

func handleStatus(d *Dispatcher, _ Command) CommandResult {
	return NewSuccessResult(d.ctrl.Status())
}

func handleAvailableUpdates(d *Dispatcher, cmd Command) CommandResult {
	records := d.ctrl.AvailableUpdates()
	if GetPayloadBool(cmd.Payload, "selectedOnly", false) {
		selected := records[:0:0]
		for _, r := range records {
			if r.SelectedForInstallation {
				selected = append(selected, r)
			}
		}
		records = selected
	}
	if records == nil {
		records = []session.UpdateRecord{}
	}
	return NewSuccessResult(map[string]any{
		"updates": records,
		"count":   len(records),
	})
}

func handleGetSettings(d *Dispatcher, _ Command) CommandResult {
	return NewSuccessResult(Settings{
		AutoAcceptEulas:        d.ctrl.AutoAcceptEulas(),
		AutoSelectUpdates:      d.ctrl.AutoSelectUpdates(),
		SearchTimeoutSeconds:   d.timeouts.SearchSeconds,
		DownloadTimeoutSeconds: d.timeouts.DownloadSeconds,
		InstallTimeoutSeconds:  d.timeouts.InstallSeconds,
		MaxTimeoutSeconds:      session.MaxTimeoutSeconds,
		SessionID:              d.ctrl.ID(),
	})
}

func handleCallHistory(d *Dispatcher, cmd Command) CommandResult {
	limit := GetPayloadInt(cmd.Payload, "limit", 0)
	calls := d.history.Recent(limit)
	if calls == nil {
		calls = []audit.Call{}
	}
	return NewSuccessResult(map[string]any{
		"calls":    calls,
		"total":    d.history.Total(),
		"capacity": d.history.Capacity(),
	})
}

// --- Update selection ---

func handleAcceptEula(d *Dispatcher, cmd Command) CommandResult {
	return d.withUpdateID(cmd, d.ctrl.AcceptEula)
}

func handleSelectUpdate(d *Dispatcher, cmd Command) CommandResult {
	return d.withUpdateID(cmd, d.ctrl.Select)
}

func handleUnselectUpdate(d *Dispatcher, cmd Command) CommandResult {
	return d.withUpdateID(cmd, d.ctrl.Unselect)
}

func (d *Dispatcher) withUpdateID(cmd Command, op func(string) error) CommandResult {
	id, err := requireString(cmd.Payload, "updateId")
	if err != nil {
		return NewErrorResult(err)
	}
	if err := op(id); err != nil {
		return NewErrorResult(err)
	}
	return NewSuccessResult(map[string]any{"updateId": id})
}

// --- Settings ---

func handleSetAutoAcceptEulas(d *Dispatcher, cmd Command) CommandResult {
	return d.setFlag(cmd, "autoAcceptEulas", d.ctrl.SetAutoAcceptEulas)
}

func handleSetAutoSelectUpdates(d *Dispatcher, cmd Command) CommandResult {
	return d.setFlag(cmd, "autoSelectUpdates", d.ctrl.SetAutoSelectUpdates)
}

func (d *Dispatcher) setFlag(cmd Command, name string, set func(bool)) CommandResult {
	v, err := requireBool(cmd.Payload, "enabled")
	if err != nil {
		return NewErrorResult(err)
	}
	set(v)
	d.audit.Log(audit.EventConfigChange, cmd.ID, map[string]any{name: v})
	return NewSuccessResult(map[string]any{name: v})
}
