package session

import (
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/health"
)

// EnvironmentDescription holds the host facts reported with the status.
// Facts that could not be read are left zero and listed in Errors.
type EnvironmentDescription struct {
	Hostname                         string        `json:"hostname,omitempty"`
	OS                               string        `json:"os,omitempty"`
	Platform                         string        `json:"platform,omitempty"`
	PlatformVersion                  string        `json:"platformVersion,omitempty"`
	UptimeSeconds                    int64         `json:"uptimeSeconds"`
	TargetGroup                      string        `json:"targetGroup,omitempty"`
	UpdateServer                     string        `json:"updateServer,omitempty"`
	FreeDiskSpace                    uint64        `json:"freeDiskSpace"`
	RebootPending                    bool          `json:"rebootPending"`
	InstallerBusy                    bool          `json:"installerBusy"`
	RebootRequiredBeforeInstallation bool          `json:"rebootRequiredBeforeInstallation"`
	Health                           health.Report `json:"health"`
	Errors                           []string      `json:"errors,omitempty"`
}

// StateDescription is a consistent snapshot of the session.
type StateDescription struct {
	SessionID         string                 `json:"sessionId"`
	State             StateID                `json:"state"`
	DisplayName       string                 `json:"displayName"`
	Description       string                 `json:"description,omitempty"`
	Progress          *ProgressDescription   `json:"progress,omitempty"`
	AutoAcceptEulas   bool                   `json:"autoAcceptEulas"`
	AutoSelectUpdates bool                   `json:"autoSelectUpdates"`
	Environment       EnvironmentDescription `json:"environment"`
}

// Status returns the session snapshot. Host facts are gathered first; state
// and progress are then read together under the state-read lock.
func (c *Controller) Status() StateDescription {
	env := c.environment()

	c.stateMu.RLock()
	cur := c.current
	var progress *ProgressDescription
	if c.progress != nil {
		p := *c.progress
		progress = &p
	}
	c.stateMu.RUnlock()

	return StateDescription{
		SessionID:         c.id,
		State:             cur.ID(),
		DisplayName:       cur.DisplayName(),
		Description:       cur.Description(),
		Progress:          progress,
		AutoAcceptEulas:   c.AutoAcceptEulas(),
		AutoSelectUpdates: c.AutoSelectUpdates(),
		Environment:       env,
	}
}

func (c *Controller) environment() EnvironmentDescription {
	var d EnvironmentDescription
	record := func(what string, err error) {
		c.health.Observe(healthEngine, err)
		if err != nil {
			d.Errors = append(d.Errors, what+": "+err.Error())
		}
	}

	info, err := c.engine.SystemInfo()
	record("system info", err)
	d.Hostname = info.Hostname
	d.OS = info.OS
	d.Platform = info.Platform
	d.PlatformVersion = info.PlatformVersion
	d.UptimeSeconds = int64(info.Uptime.Seconds())
	d.TargetGroup = info.TargetGroup
	d.UpdateServer = info.UpdateServer

	free, err := c.engine.FreeDiskSpace()
	record("free disk space", err)
	d.FreeDiskSpace = free

	pending, err := c.engine.RebootPending()
	record("reboot pending", err)
	d.RebootPending = pending

	st, err := c.engine.InstallerStatus()
	record("installer status", err)
	d.InstallerBusy = st.IsBusy
	d.RebootRequiredBeforeInstallation = st.RebootRequiredBeforeInstallation

	d.Health = c.health.Report()
	return d
}
