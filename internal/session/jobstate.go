package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
)

// jobHooks connect a job state to the engine and to the controller.
type jobHooks struct {
	start     func(cb engine.Callbacks, asyncState any) (engine.Job, error)
	completed func(s *jobState, job engine.Job)
	timedOut  func(s *jobState, seconds int)
	progress  func(s *jobState, p engine.Progress)
}

type progressKey struct {
	updateID string
	index    int
	count    int
	percent  int
}

// jobState is the state behind Searching, Downloading and Installing. It
// starts its job on enter and supervises it with a timeout timer.
//
// Completion and timeout settle the job exactly once: whichever takes the
// job lock first wins and the other is dropped. A user abort settles it too.
type jobState struct {
	stateBase

	op             Operation
	timeoutSeconds int
	timeout        time.Duration
	updates        []engine.Update
	hooks          jobHooks

	// mu is the job lock.
	mu       sync.Mutex
	handle   *JobHandle
	timer    *time.Timer
	settled  bool
	disposed bool
	hasLast  bool
	last     progressKey
	started  time.Time
}

func newJobState(id StateID, timeoutSeconds int, unit time.Duration, updates []engine.Update, hooks jobHooks) *jobState {
	return &jobState{
		stateBase:      stateBase{id: id},
		op:             id.Operation(),
		timeoutSeconds: timeoutSeconds,
		timeout:        time.Duration(timeoutSeconds) * unit,
		updates:        updates,
		hooks:          hooks,
	}
}

// Updates returns the updates the job was started with.
func (s *jobState) Updates() []engine.Update { return s.updates }

// Handle returns the running job, or nil before enter.
func (s *jobState) Handle() *JobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *jobState) enter(State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("%s state was already disposed", s.id)
	}
	if s.handle != nil && !s.handle.IsCompleted() {
		return nil
	}

	job, err := s.hooks.start(engine.Callbacks{
		Progress:  s.onProgress,
		Completed: s.onCompleted,
	}, s)
	if err != nil {
		return engineError("begin "+string(s.op), err)
	}

	s.handle = newJobHandle(job)
	s.settled = false
	s.hasLast = false
	s.started = time.Now()
	if s.timeout > 0 {
		s.timer = time.AfterFunc(s.timeout, func() { s.onTimeout(job) })
	}
	return nil
}

func (s *jobState) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *jobState) onCompleted(job engine.Job) {
	s.mu.Lock()
	if s.disposed || s.settled || s.handle == nil || !s.handle.matches(job) || !job.IsCompleted() {
		s.mu.Unlock()
		log.Debug("discarding stale job completion", logging.KeyOperation, string(s.op))
		return
	}
	s.settled = true
	s.stopTimerLocked()
	s.mu.Unlock()

	s.hooks.completed(s, job)
}

func (s *jobState) onTimeout(job engine.Job) {
	s.mu.Lock()
	if s.disposed || s.settled || s.handle == nil || !s.handle.matches(job) || s.handle.IsCompleted() {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.timer = nil
	h := s.handle
	elapsed := time.Since(s.started)
	s.mu.Unlock()

	log.Warn("job timed out",
		logging.KeyOperation, string(s.op),
		"timeoutSeconds", s.timeoutSeconds,
		logging.KeyDurationMs, elapsed.Milliseconds())
	if err := h.RequestAbort(); err != nil {
		log.Warn("abort after timeout failed", logging.KeyOperation, string(s.op), logging.KeyError, err.Error())
	}
	s.hooks.timedOut(s, s.timeoutSeconds)
}

func (s *jobState) onProgress(job engine.Job, p engine.Progress) {
	key := progressKey{index: p.Index, count: p.Count, percent: p.Percent}
	if p.Current != nil {
		key.updateID = p.Current.ID()
	}

	s.mu.Lock()
	if s.disposed || s.settled || s.handle == nil || !s.handle.matches(job) {
		s.mu.Unlock()
		return
	}
	if s.hasLast && s.last == key {
		s.mu.Unlock()
		return
	}
	s.last, s.hasLast = key, true
	s.mu.Unlock()

	if s.hooks.progress != nil {
		s.hooks.progress(s, p)
	}
}

// requestAbort settles the job and asks the engine to stop it. A completion
// arriving afterwards is dropped.
func (s *jobState) requestAbort() error {
	s.mu.Lock()
	s.settled = true
	s.stopTimerLocked()
	h := s.handle
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	return engineError("abort "+string(s.op), h.RequestAbort())
}

func (s *jobState) leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.stopTimerLocked()
	if s.handle != nil && !s.handle.IsCompleted() {
		return engineError("abort "+string(s.op), s.handle.RequestAbort())
	}
	return nil
}

func (s *jobState) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.stopTimerLocked()
	if s.handle != nil && !s.handle.IsCompleted() {
		if err := s.handle.RequestAbort(); err != nil {
			log.Warn("abort on dispose failed", logging.KeyOperation, string(s.op), logging.KeyError, err.Error())
		}
	}
	s.disposed = true
}
