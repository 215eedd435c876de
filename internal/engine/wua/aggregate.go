// Package wua drives the Windows Update Agent through its COM automation
// interface. Searches run as one synchronous agent call on a job goroutine;
// downloads and installs run one update at a time so the job can report
// per-update progress and honour an abort between updates.
package wua

import (
	"strconv"
	"strings"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// hresultCallCancelled is WU_E_CALL_CANCELLED, reported for aborted jobs.
const hresultCallCancelled = 0x8024000B

// itemResult is the outcome of one update within a download or install job.
type itemResult struct {
	code           engine.ResultCode
	hresult        int
	rebootRequired bool
}

// aggregate folds per-update outcomes into the job's result code. A job with
// no updates succeeds. Aborted wins over everything once any update was
// skipped because of the abort.
func aggregate(items []itemResult, aborted bool) engine.ResultCode {
	if aborted {
		return engine.ResultAborted
	}
	if len(items) == 0 {
		return engine.ResultSucceeded
	}

	full, partial := 0, 0
	for _, it := range items {
		switch it.code {
		case engine.ResultSucceeded:
			full++
		case engine.ResultSucceededWithErrors:
			partial++
		}
	}
	switch {
	case full == len(items):
		return engine.ResultSucceeded
	case full+partial > 0:
		return engine.ResultSucceededWithErrors
	default:
		return engine.ResultFailed
	}
}

// firstHResult returns the first non-zero HRESULT, or 0.
func firstHResult(items []itemResult, aborted bool) int {
	for _, it := range items {
		if it.hresult != 0 {
			return it.hresult
		}
	}
	if aborted {
		return hresultCallCancelled
	}
	return 0
}

// rebootRequired reports whether any installed update asks for a restart.
func rebootRequired(items []itemResult) bool {
	for _, it := range items {
		if it.rebootRequired && it.code.Succeeded() {
			return true
		}
	}
	return false
}

// percent is the overall completion after done of total updates.
func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}

// diskSpaceBytes converts the agent's RecommendedHardDiskSpace, reported in
// megabytes, to bytes.
func diskSpaceBytes(mb int) int64 {
	if mb <= 0 {
		return 0
	}
	return int64(mb) * 1024 * 1024
}

// autoSelection maps the agent's AutoSelectionMode; ok is false when the
// property is not exposed by this agent version.
func autoSelection(mode int, ok bool) engine.AutoSelection {
	if !ok {
		return engine.AutoSelectionUnavailable
	}
	switch engine.AutoSelection(mode) {
	case engine.AutoSelectionDefault, engine.AutoSelectionIfDownloaded,
		engine.AutoSelectionNever, engine.AutoSelectionAlways:
		return engine.AutoSelection(mode)
	}
	return engine.AutoSelectionUnavailable
}

// parseHResult finds an 8-digit 0x8... code in an error message.
func parseHResult(msg string) int {
	upper := strings.ToUpper(msg)
	for i := strings.Index(upper, "0X8"); i >= 0 && i+10 <= len(upper); {
		if v, err := strconv.ParseUint(upper[i+2:i+10], 16, 32); err == nil {
			return int(v)
		}
		next := strings.Index(upper[i+1:], "0X8")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return 0
}
