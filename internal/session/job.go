package session

import (
	"sync/atomic"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// JobHandle wraps an engine job so the session never depends on an
// engine's concrete job type. Abort is forwarded to the engine at most once
// and never for a completed job.
type JobHandle struct {
	job            engine.Job
	abortRequested atomic.Bool
}

func newJobHandle(job engine.Job) *JobHandle {
	return &JobHandle{job: job}
}

func (h *JobHandle) IsCompleted() bool {
	return h.job != nil && h.job.IsCompleted()
}

func (h *JobHandle) AsyncState() any {
	if h.job == nil {
		return nil
	}
	return h.job.AsyncState()
}

// AbortRequested reports whether RequestAbort reached the engine.
func (h *JobHandle) AbortRequested() bool {
	return h.abortRequested.Load()
}

// RequestAbort asks the engine to stop the job. It is a no-op on a job that
// has not started, has completed, or was already asked to stop.
func (h *JobHandle) RequestAbort() error {
	if h.job == nil || h.job.IsCompleted() {
		return nil
	}
	if !h.abortRequested.CompareAndSwap(false, true) {
		return nil
	}
	return h.job.RequestAbort()
}

func (h *JobHandle) matches(job engine.Job) bool {
	return h.job != nil && h.job == job
}
