package session

import (
	"fmt"
	"strings"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
)

// finishJob moves from the job state s to next if s is still current and the
// move is defined. Otherwise the result is stale and dropped. commit runs
// under the state-change lock right before the move.
func (c *Controller) finishJob(s *jobState, next State, commit func()) {
	c.changeMu.Lock()
	if c.Current() != State(s) || !c.table.IsLegal(s.ID(), next.ID()) {
		c.changeMu.Unlock()
		next.dispose()
		log.Debug("discarding stale job result",
			logging.KeyOperation, string(s.op),
			logging.KeyStateID, next.ID().String())
		return
	}
	if commit != nil {
		commit()
	}
	ns, err := c.enterStateLocked(next)
	c.changeMu.Unlock()

	if err != nil {
		log.Error("job result could not be applied",
			logging.KeyOperation, string(s.op),
			logging.KeyStateID, next.ID().String(),
			logging.KeyError, err.Error())
		return
	}
	c.notify(ns)
}

func (c *Controller) searchCompleted(s *jobState, job engine.Job) {
	res, err := c.engine.EndSearch(job)
	c.health.Observe(healthEngine, err)
	if err != nil {
		c.finishJob(s, newResultState(StateSearchFailed, fmt.Sprintf("Search failed: %v", err), nil), nil)
		return
	}
	if !res.ResultCode.Succeeded() {
		reason := fmt.Sprintf("Search finished with result %s", res.ResultCode)
		if len(res.Warnings) > 0 {
			reason += ": " + strings.Join(res.Warnings, "; ")
		}
		c.finishJob(s, newResultState(StateSearchFailed, reason, nil), nil)
		return
	}

	pending := make([]engine.Update, 0, len(res.Updates))
	for _, u := range res.Updates {
		if !u.IsInstalled() {
			pending = append(pending, u)
		}
	}
	description := fmt.Sprintf("%d updates found", len(pending))
	if len(res.Warnings) > 0 {
		description += " with warnings: " + strings.Join(res.Warnings, "; ")
	}
	c.finishJob(s, newResultState(StateSearchCompleted, description, pending), func() {
		c.holder.SetSearchResult(pending)
	})
}

func (c *Controller) downloadCompleted(s *jobState, job engine.Job) {
	res, err := c.engine.EndDownload(job)
	c.health.Observe(healthEngine, err)
	if err != nil {
		c.finishJob(s, newResultState(StateDownloadFailed, fmt.Sprintf("Download failed: %v", err), nil), nil)
		return
	}

	switch res.ResultCode {
	case engine.ResultSucceeded:
		c.finishJob(s, newResultState(StateDownloadCompleted,
			fmt.Sprintf("%d updates downloaded", len(res.Updates)), res.Updates), nil)
	case engine.ResultSucceededWithErrors:
		c.finishJob(s, newResultState(StateDownloadPartiallyFailed,
			"Some updates could not be downloaded: "+engine.FormatHResult(res.HResult), res.Updates), nil)
	default:
		c.finishJob(s, newResultState(StateDownloadFailed,
			fmt.Sprintf("Download finished with result %s (%s)", res.ResultCode, engine.FormatHResult(res.HResult)), nil), nil)
	}
}

func (c *Controller) installCompleted(s *jobState, job engine.Job) {
	res, err := c.engine.EndInstall(job)
	c.health.Observe(healthEngine, err)
	if err != nil {
		c.finishJob(s, newResultState(StateInstallFailed, fmt.Sprintf("Installation failed: %v", err), nil), nil)
		return
	}

	switch res.ResultCode {
	case engine.ResultSucceeded:
	case engine.ResultSucceededWithErrors:
		c.finishJob(s, newResultState(StateInstallPartiallyFailed,
			"Some updates could not be installed: "+engine.FormatHResult(res.HResult), res.Updates), nil)
		return
	default:
		c.finishJob(s, newResultState(StateInstallFailed,
			fmt.Sprintf("Installation finished with result %s (%s)", res.ResultCode, engine.FormatHResult(res.HResult)), nil), nil)
		return
	}

	if res.RebootRequired {
		c.finishJob(s, newResultState(StateRebootRequired,
			"A reboot is required to finish the installation.", res.Updates), nil)
		return
	}
	if waiting := c.holder.Selected(needsUser); len(waiting) > 0 {
		c.finishJob(s, newResultState(StateUserInputRequired,
			fmt.Sprintf("%d selected updates need an accepted eula or an interactive session.", len(waiting)), res.Updates), nil)
		return
	}
	c.finishJob(s, newResultState(StateInstallCompleted,
		fmt.Sprintf("%d updates installed", len(res.Updates)), res.Updates), nil)
}

var failedStates = map[Operation]StateID{
	OperationSearch:   StateSearchFailed,
	OperationDownload: StateDownloadFailed,
	OperationInstall:  StateInstallFailed,
}

func (c *Controller) jobTimedOut(s *jobState, seconds int) {
	c.finishJob(s, newResultState(failedStates[s.op], fmt.Sprintf("Timeout after %d sec", seconds), nil), nil)
}

func (c *Controller) jobProgress(s *jobState, p engine.Progress) {
	desc := &ProgressDescription{}
	if p.Current != nil {
		r := c.holder.ToRecord(p.Current)
		desc.CurrentUpdate = &r
	}
	if p.Count > 0 && p.Index >= 0 && p.Index < p.Count {
		desc.Index = intPtr(p.Index)
		desc.Count = intPtr(p.Count)
	}
	if p.Percent >= 0 && p.Percent <= 100 {
		desc.Percent = intPtr(p.Percent)
	}
	c.notify(c.setProgress(s, desc))
}
