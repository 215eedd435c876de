// Package memory provides an in-process update engine. In manual mode every
// job waits until the test completes it, which makes the orchestrator's
// asynchronous paths deterministic. In automatic mode jobs run on their own
// goroutine and step through their updates, which backs the simulated engine.
package memory

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// Op names the operation a job performs.
type Op string

const (
	OpSearch   Op = "search"
	OpDownload Op = "download"
	OpInstall  Op = "install"
)

// Update is a mutable in-memory update item.
type Update struct {
	mu sync.Mutex

	UpdateID        string
	UpdateTitle     string
	Desc            string
	MinSize         int64
	MaxSize         int64
	RecommendedSize int64
	Installed       bool
	Downloaded      bool
	Mandatory       bool
	AutoSelectOnWeb bool
	// BrowseOnlyFlag is reported only when HasBrowseOnly is set.
	BrowseOnlyFlag bool
	HasBrowseOnly  bool
	Selection      engine.AutoSelection
	Eula           bool
	UserInput      bool
	// EulaErr makes AcceptEula fail.
	EulaErr error
}

func (u *Update) ID() string                  { return u.UpdateID }
func (u *Update) Title() string               { return u.UpdateTitle }
func (u *Update) Description() string         { return u.Desc }
func (u *Update) MinDownloadSize() int64      { return u.MinSize }
func (u *Update) MaxDownloadSize() int64      { return u.MaxSize }
func (u *Update) RecommendedDiskSpace() int64 { return u.RecommendedSize }
func (u *Update) IsMandatory() bool           { return u.Mandatory }
func (u *Update) AutoSelectOnWebSites() bool  { return u.AutoSelectOnWeb }
func (u *Update) CanRequestUserInput() bool   { return u.UserInput }

func (u *Update) BrowseOnly() (bool, bool) {
	return u.BrowseOnlyFlag, u.HasBrowseOnly
}

func (u *Update) AutoSelection() engine.AutoSelection {
	return u.Selection
}

func (u *Update) IsInstalled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Installed
}

func (u *Update) IsDownloaded() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Downloaded
}

func (u *Update) EulaAccepted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Eula
}

func (u *Update) AcceptEula() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.EulaErr != nil {
		return u.EulaErr
	}
	u.Eula = true
	return nil
}

func (u *Update) setDownloaded() {
	u.mu.Lock()
	u.Downloaded = true
	u.mu.Unlock()
}

func (u *Update) setInstalled() {
	u.mu.Lock()
	u.Installed = true
	u.mu.Unlock()
}

// Job is a job started by the memory engine.
type Job struct {
	mu sync.Mutex

	op        Op
	state     any
	cb        engine.Callbacks
	updates   []engine.Update
	completed bool
	aborted   bool
	aborts    int
	code      engine.ResultCode
	hresult   int
	reboot    bool
	abortCh   chan struct{}
}

func (j *Job) Op() Op                   { return j.op }
func (j *Job) AsyncState() any          { return j.state }
func (j *Job) Updates() []engine.Update { return j.updates }

func (j *Job) IsCompleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

// AbortCount returns how many times RequestAbort reached the job.
func (j *Job) AbortCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aborts
}

func (j *Job) RequestAbort() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.aborts++
	if j.completed || j.aborted {
		return nil
	}
	j.aborted = true
	close(j.abortCh)
	return nil
}

// Outcome describes how a job finishes.
type Outcome struct {
	Code           engine.ResultCode
	HResult        int
	RebootRequired bool
	Warnings       []string
	// Err makes the matching End* call fail.
	Err error
}

// Engine is the in-memory engine.
type Engine struct {
	mu sync.Mutex

	catalog  []*Update
	manual   bool
	step     time.Duration
	jobs     []*Job
	outcomes map[Op]Outcome
	beginErr map[Op]error
	endErr   map[*Job]error
	warnings map[*Job][]string

	freeSpace      uint64
	rebootPending  bool
	installer      engine.InstallerStatus
	rebootRequests int
	system         engine.SystemInfo
	host           Host
}

// Host answers disk and machine queries for the simulated engine from the
// real machine.
type Host interface {
	FreeDiskSpace() (uint64, error)
	SystemInfo() (engine.SystemInfo, error)
}

// New returns a manual engine serving catalog. Jobs stay in flight until
// Complete is called.
func New(catalog ...*Update) *Engine {
	host, _ := os.Hostname()
	return &Engine{
		catalog:   catalog,
		manual:    true,
		outcomes:  make(map[Op]Outcome),
		beginErr:  make(map[Op]error),
		endErr:    make(map[*Job]error),
		warnings:  make(map[*Job][]string),
		freeSpace: 100 << 30,
		system: engine.SystemInfo{
			Hostname: host,
			OS:       "simulated",
			Platform: "memory",
		},
	}
}

// NewAutomatic returns an engine whose jobs run by themselves, pausing step
// between updates.
func NewAutomatic(step time.Duration, catalog ...*Update) *Engine {
	e := New(catalog...)
	e.manual = false
	e.step = step
	return e
}

// SetOutcome sets how future automatically completed jobs of op finish.
func (e *Engine) SetOutcome(op Op, o Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes[op] = o
}

// FailBegin makes the next Begin call for op fail with err.
func (e *Engine) FailBegin(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beginErr[op] = err
}

func (e *Engine) SetFreeDiskSpace(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.freeSpace = n
}

func (e *Engine) SetRebootPending(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebootPending = v
}

func (e *Engine) SetInstallerStatus(s engine.InstallerStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installer = s
}

// UseHost routes free disk space and system info queries to h.
func (e *Engine) UseHost(h Host) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.host = h
}

func (e *Engine) SetSystemInfo(s engine.SystemInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.system = s
}

// Jobs returns every job started so far, oldest first.
func (e *Engine) Jobs() []*Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Job(nil), e.jobs...)
}

// LastJob returns the most recent job or nil.
func (e *Engine) LastJob() *Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.jobs) == 0 {
		return nil
	}
	return e.jobs[len(e.jobs)-1]
}

// RebootRequests returns how many reboots were requested.
func (e *Engine) RebootRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebootRequests
}

func (e *Engine) FreeDiskSpace() (uint64, error) {
	e.mu.Lock()
	host, free := e.host, e.freeSpace
	e.mu.Unlock()
	if host != nil {
		return host.FreeDiskSpace()
	}
	return free, nil
}

func (e *Engine) RebootPending() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebootPending, nil
}

func (e *Engine) InstallerStatus() (engine.InstallerStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installer, nil
}

func (e *Engine) SystemInfo() (engine.SystemInfo, error) {
	e.mu.Lock()
	host, system := e.host, e.system
	e.mu.Unlock()
	if host == nil {
		return system, nil
	}
	info, err := host.SystemInfo()
	if err != nil {
		return system, err
	}
	info.TargetGroup = system.TargetGroup
	info.UpdateServer = system.UpdateServer
	return info, nil
}

func (e *Engine) RequestReboot() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebootRequests++
	return nil
}

func (e *Engine) BeginSearch(criteria string, cb engine.Callbacks, state any) (engine.Job, error) {
	e.mu.Lock()
	updates := make([]engine.Update, 0, len(e.catalog))
	for _, u := range e.catalog {
		updates = append(updates, u)
	}
	e.mu.Unlock()
	return e.begin(OpSearch, updates, cb, state)
}

func (e *Engine) BeginDownload(updates []engine.Update, cb engine.Callbacks, state any) (engine.Job, error) {
	return e.begin(OpDownload, updates, cb, state)
}

func (e *Engine) BeginInstall(updates []engine.Update, cb engine.Callbacks, state any) (engine.Job, error) {
	return e.begin(OpInstall, updates, cb, state)
}

func (e *Engine) begin(op Op, updates []engine.Update, cb engine.Callbacks, state any) (engine.Job, error) {
	e.mu.Lock()
	if err := e.beginErr[op]; err != nil {
		delete(e.beginErr, op)
		e.mu.Unlock()
		return nil, err
	}
	j := &Job{
		op:      op,
		state:   state,
		cb:      cb,
		updates: updates,
		abortCh: make(chan struct{}),
	}
	e.jobs = append(e.jobs, j)
	manual := e.manual
	e.mu.Unlock()

	if !manual {
		go e.run(j)
	}
	return j, nil
}

// run drives an automatic job: one step per update, reported as progress for
// downloads and installs, then completion with the configured outcome, or
// Aborted when aborted midway.
func (e *Engine) run(j *Job) {
	e.mu.Lock()
	outcome, ok := e.outcomes[j.op]
	step := e.step
	e.mu.Unlock()
	if !ok {
		outcome = Outcome{Code: engine.ResultSucceeded}
	}

	count := len(j.updates)
	for i, u := range j.updates {
		select {
		case <-j.abortCh:
			e.finish(j, Outcome{Code: engine.ResultAborted, HResult: 0x8024000B})
			return
		case <-time.After(step):
		}
		if j.op != OpSearch {
			e.Progress(j, engine.Progress{Current: u, Index: i, Count: count, Percent: (i + 1) * 100 / count})
		}
	}
	if count == 0 {
		select {
		case <-j.abortCh:
			e.finish(j, Outcome{Code: engine.ResultAborted, HResult: 0x8024000B})
			return
		case <-time.After(step):
		}
	}
	e.finish(j, outcome)
}

// Progress delivers a progress notification for j on the calling goroutine.
func (e *Engine) Progress(j *Job, p engine.Progress) {
	if j.cb.Progress != nil {
		j.cb.Progress(j, p)
	}
}

// Complete finishes j with outcome and delivers its completion callback on
// the calling goroutine. Completing a job twice is an error.
func (e *Engine) Complete(j *Job, outcome Outcome) error {
	if j.IsCompleted() {
		return fmt.Errorf("job %s already completed", j.op)
	}
	e.finish(j, outcome)
	return nil
}

// Redeliver invokes j's completion callback again without changing it,
// imitating an engine that reports the same completion twice.
func (e *Engine) Redeliver(j *Job) {
	if j.cb.Completed != nil {
		j.cb.Completed(j)
	}
}

func (e *Engine) finish(j *Job, outcome Outcome) {
	j.mu.Lock()
	if j.completed {
		j.mu.Unlock()
		return
	}
	j.completed = true
	j.code = outcome.Code
	j.hresult = outcome.HResult
	j.reboot = outcome.RebootRequired
	j.mu.Unlock()

	if outcome.Code.Succeeded() {
		for _, u := range j.updates {
			mu, ok := u.(*Update)
			if !ok {
				continue
			}
			switch j.op {
			case OpDownload:
				mu.setDownloaded()
			case OpInstall:
				mu.setInstalled()
			}
		}
	}

	e.mu.Lock()
	if outcome.Err != nil {
		e.endErr[j] = outcome.Err
	}
	if len(outcome.Warnings) > 0 {
		e.warnings[j] = outcome.Warnings
	}
	e.mu.Unlock()

	if j.cb.Completed != nil {
		j.cb.Completed(j)
	}
}

func (e *Engine) collect(job engine.Job, op Op) (*Job, error) {
	j, ok := job.(*Job)
	if !ok {
		return nil, fmt.Errorf("job of type %T does not belong to the memory engine", job)
	}
	if j.op != op {
		return nil, fmt.Errorf("job is a %s job, not %s", j.op, op)
	}
	if !j.IsCompleted() {
		return nil, errors.New("job has not completed")
	}

	e.mu.Lock()
	err := e.endErr[j]
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (e *Engine) EndSearch(job engine.Job) (*engine.SearchResult, error) {
	j, err := e.collect(job, OpSearch)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	warnings := e.warnings[j]
	e.mu.Unlock()
	return &engine.SearchResult{ResultCode: j.code, Updates: j.updates, Warnings: warnings}, nil
}

func (e *Engine) EndDownload(job engine.Job) (*engine.DownloadResult, error) {
	j, err := e.collect(job, OpDownload)
	if err != nil {
		return nil, err
	}
	return &engine.DownloadResult{ResultCode: j.code, HResult: j.hresult, Updates: j.updates}, nil
}

func (e *Engine) EndInstall(job engine.Job) (*engine.InstallResult, error) {
	j, err := e.collect(job, OpInstall)
	if err != nil {
		return nil, err
	}
	return &engine.InstallResult{
		ResultCode:     j.code,
		HResult:        j.hresult,
		RebootRequired: j.reboot,
		Updates:        j.updates,
	}, nil
}
