//go:build windows

package wua

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

type jobKind string

const (
	kindSearch   jobKind = "search"
	kindDownload jobKind = "download"
	kindInstall  jobKind = "install"
)

// Job is a search, download or install running on its own goroutine.
type Job struct {
	kind    jobKind
	state   any
	cb      engine.Callbacks
	updates []*Update

	aborted atomic.Bool

	mu        sync.Mutex
	completed bool
	err       error
	items     []itemResult
	found     []engine.Update
	warnings  []string
	code      engine.ResultCode
}

func newJob(kind jobKind, updates []*Update, cb engine.Callbacks, state any) *Job {
	return &Job{kind: kind, state: state, cb: cb, updates: updates}
}

func (j *Job) AsyncState() any { return j.state }

func (j *Job) IsCompleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

// RequestAbort stops the job before its next update. A running agent call
// is not interrupted.
func (j *Job) RequestAbort() error {
	if j.IsCompleted() {
		return nil
	}
	if j.aborted.CompareAndSwap(false, true) {
		log.Info("abort requested", "operation", string(j.kind))
	}
	return nil
}

func (j *Job) abortRequested() bool { return j.aborted.Load() }

func (j *Job) progress(p engine.Progress) {
	if j.cb.Progress != nil {
		j.cb.Progress(j, p)
	}
}

// finish records the outcome and delivers the completion callback.
func (j *Job) finish(code engine.ResultCode, err error) {
	j.mu.Lock()
	if j.completed {
		j.mu.Unlock()
		return
	}
	j.completed = true
	j.code = code
	j.err = err
	j.mu.Unlock()

	if j.cb.Completed != nil {
		j.cb.Completed(j)
	}
}

// collect validates that job is a finished job of kind from this engine.
func collect(job engine.Job, kind jobKind) (*Job, error) {
	j, ok := job.(*Job)
	if !ok {
		return nil, fmt.Errorf("job of type %T does not belong to the update agent engine", job)
	}
	if j.kind != kind {
		return nil, fmt.Errorf("job is a %s job, not %s", j.kind, kind)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.completed {
		return nil, errors.New("job has not completed")
	}
	if j.err != nil {
		return nil, j.err
	}
	return j, nil
}

func (j *Job) engineUpdates() []engine.Update {
	out := make([]engine.Update, len(j.updates))
	for i, u := range j.updates {
		out[i] = u
	}
	return out
}
