// Package session implements the update-session orchestrator: a state
// machine that sequences search, download and install jobs of an update
// engine, guards every move with the transition table and keeps track of
// which updates are selected.
package session

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/health"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
)

var log = logging.L("session")

// MaxTimeoutSeconds is the largest job timeout whose millisecond value fits a
// signed 32-bit integer.
const MaxTimeoutSeconds = math.MaxInt32 / 1000

// Reasons recorded on failed states.
const (
	ReasonAbortedByUser = "Aborted by user"
	ReasonSessionClosed = "Session closed"
)

// Health component name for engine queries.
const healthEngine = "engine"

// Options are read once by New.
type Options struct {
	AutoAcceptEulas   bool
	AutoSelectUpdates bool
	SearchCriteria    string
	// Table replaces the default transition table.
	Table  *Table
	Health *health.Monitor
}

// Listener receives session notifications. Methods are called after every
// session lock has been released, so they may call back into the Controller.
type Listener interface {
	StateChanged(oldState, newState StateID)
	OperationCompleted(op Operation, result StateID)
	ProgressChanged(state StateID, p ProgressDescription)
}

// ListenerFuncs adapts optional functions to a Listener.
type ListenerFuncs struct {
	OnStateChanged       func(oldState, newState StateID)
	OnOperationCompleted func(op Operation, result StateID)
	OnProgressChanged    func(state StateID, p ProgressDescription)
}

func (f ListenerFuncs) StateChanged(o, n StateID) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(o, n)
	}
}

func (f ListenerFuncs) OperationCompleted(op Operation, result StateID) {
	if f.OnOperationCompleted != nil {
		f.OnOperationCompleted(op, result)
	}
}

func (f ListenerFuncs) ProgressChanged(state StateID, p ProgressDescription) {
	if f.OnProgressChanged != nil {
		f.OnProgressChanged(state, p)
	}
}

// Controller is the root of an update session.
//
// Locks, in acquisition order:
//  1. changeMu, the state-change lock, held across a whole transition.
//  2. holder.mu, the update-holder lock, never held while taking changeMu.
//  3. stateMu, the state-read lock, guarding current and progress. It is
//     held only briefly and never while a listener runs.
//
// Listeners run after every lock is released.
type Controller struct {
	id       string
	engine   engine.Engine
	table    *Table
	holder   *UpdateHolder
	criteria string
	health   *health.Monitor

	autoAcceptEulas atomic.Bool

	changeMu sync.Mutex

	stateMu  sync.RWMutex
	current  State
	progress *ProgressDescription

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	// timeoutUnit scales job timeouts; tests shrink it.
	timeoutUnit time.Duration
}

// New creates a controller in the Ready state.
func New(eng engine.Engine, opts Options) *Controller {
	table := opts.Table
	if table == nil {
		table = DefaultTable()
	}
	c := &Controller{
		id:          uuid.NewString(),
		engine:      eng,
		table:       table,
		holder:      NewUpdateHolder(opts.AutoSelectUpdates),
		criteria:    opts.SearchCriteria,
		health:      opts.Health,
		listeners:   make(map[int]Listener),
		timeoutUnit: time.Second,
	}
	c.autoAcceptEulas.Store(opts.AutoAcceptEulas)

	c.current = newReadyState()
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Holder returns the session's update holder.
func (c *Controller) Holder() *UpdateHolder { return c.holder }

// Table returns the transition table in use.
func (c *Controller) Table() *Table { return c.table }

// Current returns the current state.
func (c *Controller) Current() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.current
}

// CurrentID returns the id of the current state.
func (c *Controller) CurrentID() StateID {
	return c.Current().ID()
}

// Progress returns a copy of the current progress, or nil.
func (c *Controller) Progress() *ProgressDescription {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.progress == nil {
		return nil
	}
	p := *c.progress
	return &p
}

func (c *Controller) AutoAcceptEulas() bool     { return c.autoAcceptEulas.Load() }
func (c *Controller) SetAutoAcceptEulas(v bool) { c.autoAcceptEulas.Store(v) }
func (c *Controller) AutoSelectUpdates() bool   { return c.holder.AutoSelect() }

// SetAutoSelectUpdates changes the policy applied to the next search result.
func (c *Controller) SetAutoSelectUpdates(v bool) { c.holder.SetAutoSelect(v) }

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) (cancel func()) {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

func (c *Controller) snapshotListeners() []Listener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	return ls
}

// notification is a listener call deferred until the locks are released.
type notification func(l Listener)

func (c *Controller) notify(ns []notification) {
	if len(ns) == 0 {
		return
	}
	ls := c.snapshotListeners()
	for _, n := range ns {
		for _, l := range ls {
			n(l)
		}
	}
}

// validateTimeout rejects negative timeouts and timeouts whose millisecond
// value overflows a 32-bit integer. Zero disables the timeout.
func validateTimeout(seconds int) error {
	if seconds < 0 || seconds > MaxTimeoutSeconds {
		return &ArgumentOutOfRangeError{Name: "timeoutSeconds", Value: seconds, Max: MaxTimeoutSeconds}
	}
	return nil
}

// describer is implemented by every state through stateBase.
type describer interface {
	setDescription(string)
}

// enterStateLocked moves the session to next. The caller holds changeMu.
// When next cannot be entered the current state stays in place. Leave
// failures of the previous state are logged and do not undo the move.
func (c *Controller) enterStateLocked(next State) ([]notification, error) {
	prev := c.Current()

	if prev != nil {
		res := c.table.Evaluate(next.ID(), guardEnv{c}, prev)
		switch res.Decision {
		case Unknown:
			next.dispose()
			return nil, &InvalidTransitionError{From: prev.ID(), To: next.ID()}
		case Blocked:
			next.dispose()
			return nil, &PreConditionNotFulfilledError{From: prev.ID(), To: next.ID(), Reason: res.Reason}
		}
		if res.Reason != "" {
			if d, ok := next.(describer); ok {
				d.setDescription(res.Reason)
			}
		}
	}

	if err := next.enter(prev); err != nil {
		next.dispose()
		return nil, err
	}

	c.stateMu.Lock()
	c.current = next
	c.progress = nil
	c.stateMu.Unlock()

	if prev == nil {
		return nil, nil
	}

	if err := prev.leave(); err != nil {
		log.Warn("leaving state failed",
			logging.KeyStateID, prev.ID().String(),
			logging.KeyError, err.Error())
	}
	prev.dispose()

	from, to := prev.ID(), next.ID()
	log.Info("state changed", "from", from.String(), "to", to.String(), "description", next.Description())

	ns := []notification{func(l Listener) { l.StateChanged(from, to) }}
	if op := from.Operation(); op != "" {
		ns = append(ns, func(l Listener) { l.OperationCompleted(op, to) })
	}
	return ns, nil
}

// transition runs enterStateLocked under changeMu and notifies afterwards.
// It returns the state the session is in once the call returns.
func (c *Controller) transition(next State, after func() []notification) (StateID, error) {
	c.changeMu.Lock()
	ns, err := c.enterStateLocked(next)
	if err == nil && after != nil {
		ns = append(ns, after()...)
	}
	c.changeMu.Unlock()

	c.notify(ns)
	if err != nil {
		return c.CurrentID(), err
	}
	return next.ID(), nil
}

// setProgress replaces the progress of owner if owner is still the current
// state, and returns the notification to fire once no lock is held. Only a
// new non-nil value is announced.
func (c *Controller) setProgress(owner State, p *ProgressDescription) []notification {
	c.stateMu.Lock()
	if c.current != owner {
		c.stateMu.Unlock()
		return nil
	}
	old := c.progress
	c.progress = p
	id := c.current.ID()
	c.stateMu.Unlock()

	if p == nil || p.Equal(old) {
		return nil
	}
	snapshot := *p
	return []notification{func(l Listener) { l.ProgressChanged(id, snapshot) }}
}

func (c *Controller) newJob(id StateID, timeoutSeconds int, updates []engine.Update, start func(engine.Callbacks, any) (engine.Job, error)) *jobState {
	hooks := jobHooks{
		start:    start,
		timedOut: c.jobTimedOut,
		progress: c.jobProgress,
	}
	switch id {
	case StateSearching:
		hooks.completed = c.searchCompleted
	case StateDownloading:
		hooks.completed = c.downloadCompleted
	case StateInstalling:
		hooks.completed = c.installCompleted
	}
	return newJobState(id, timeoutSeconds, c.timeoutUnit, updates, hooks)
}

// BeginSearch starts searching for updates. Search progress is
// indeterminate from the start.
func (c *Controller) BeginSearch(timeoutSeconds int) (StateID, error) {
	if err := validateTimeout(timeoutSeconds); err != nil {
		return c.CurrentID(), err
	}

	next := c.newJob(StateSearching, timeoutSeconds, nil, func(cb engine.Callbacks, st any) (engine.Job, error) {
		return c.engine.BeginSearch(c.criteria, cb, st)
	})
	return c.transition(next, func() []notification {
		return c.setProgress(next, Indeterminate())
	})
}

// BeginDownload downloads the selected updates that have an accepted eula
// and are neither downloaded nor installed.
func (c *Controller) BeginDownload(timeoutSeconds int) (StateID, error) {
	if err := validateTimeout(timeoutSeconds); err != nil {
		return c.CurrentID(), err
	}
	c.acceptSelectedEulas()

	c.changeMu.Lock()
	updates := c.holder.Selected(downloadable)
	next := c.newJob(StateDownloading, timeoutSeconds, updates, func(cb engine.Callbacks, st any) (engine.Job, error) {
		return c.engine.BeginDownload(updates, cb, st)
	})
	ns, err := c.enterStateLocked(next)
	c.changeMu.Unlock()

	c.notify(ns)
	if err != nil {
		return c.CurrentID(), err
	}
	log.Info("download started", "updates", len(updates))
	return StateDownloading, nil
}

// BeginInstall installs the selected downloaded updates that have an
// accepted eula and do not prompt for input.
func (c *Controller) BeginInstall(timeoutSeconds int) (StateID, error) {
	if err := validateTimeout(timeoutSeconds); err != nil {
		return c.CurrentID(), err
	}
	c.acceptSelectedEulas()

	c.changeMu.Lock()
	updates := c.holder.Selected(installable)
	next := c.newJob(StateInstalling, timeoutSeconds, updates, func(cb engine.Callbacks, st any) (engine.Job, error) {
		return c.engine.BeginInstall(updates, cb, st)
	})
	ns, err := c.enterStateLocked(next)
	c.changeMu.Unlock()

	c.notify(ns)
	if err != nil {
		return c.CurrentID(), err
	}
	log.Info("install started", "updates", len(updates))
	return StateInstalling, nil
}

func (c *Controller) AbortSearch() (StateID, error) {
	return c.abort(StateSearching, StateSearchFailed, ReasonAbortedByUser)
}

func (c *Controller) AbortDownload() (StateID, error) {
	return c.abort(StateDownloading, StateDownloadFailed, ReasonAbortedByUser)
}

func (c *Controller) AbortInstall() (StateID, error) {
	return c.abort(StateInstalling, StateInstallFailed, ReasonAbortedByUser)
}

// abort stops the job of the running state and moves to failed. It is an
// InvalidTransitionError unless the session is in running.
func (c *Controller) abort(running, failed StateID, reason string) (StateID, error) {
	c.changeMu.Lock()
	cur := c.Current()
	js, ok := cur.(*jobState)
	if !ok || js.ID() != running {
		c.changeMu.Unlock()
		return cur.ID(), &InvalidTransitionError{From: cur.ID(), To: failed}
	}

	if err := js.requestAbort(); err != nil {
		log.Warn("abort request failed", logging.KeyOperation, string(js.op), logging.KeyError, err.Error())
	}
	ns, err := c.enterStateLocked(newResultState(failed, reason, nil))
	c.changeMu.Unlock()

	c.notify(ns)
	if err != nil {
		return c.CurrentID(), err
	}
	return failed, nil
}

// Close aborts a running job. The session stays usable.
func (c *Controller) Close() {
	var err error
	switch c.CurrentID() {
	case StateSearching:
		_, err = c.abort(StateSearching, StateSearchFailed, ReasonSessionClosed)
	case StateDownloading:
		_, err = c.abort(StateDownloading, StateDownloadFailed, ReasonSessionClosed)
	case StateInstalling:
		_, err = c.abort(StateInstalling, StateInstallFailed, ReasonSessionClosed)
	}
	if err != nil {
		log.Debug("close raced with a state change", logging.KeyError, err.Error())
	}
}

// Reboot asks the operating system to restart. Whether it does is not
// observed.
func (c *Controller) Reboot() (StateID, error) {
	return c.transition(newRestartState(c.engine), nil)
}

// AvailableUpdates returns the current search result.
func (c *Controller) AvailableUpdates() []UpdateRecord {
	return c.holder.Records()
}

// Select marks the update id for download and installation.
func (c *Controller) Select(id string) error {
	return c.holder.Select(id)
}

func (c *Controller) Unselect(id string) error {
	return c.holder.Unselect(id)
}

// AcceptEula accepts the license terms of update id.
func (c *Controller) AcceptEula(id string) error {
	u, err := c.holder.Find(id)
	if err != nil {
		return err
	}
	return acceptEula(u)
}

func acceptEula(u engine.Update) error {
	if u.EulaAccepted() {
		return nil
	}
	if err := u.AcceptEula(); err != nil {
		return engineError("accept eula of "+u.ID(), err)
	}
	if !u.EulaAccepted() {
		return &EngineError{Op: "accept eula of " + u.ID(), Err: errEulaNotAccepted}
	}
	return nil
}

// acceptSelectedEulas accepts the eula of every selected update when
// auto-accept is enabled. Individual failures are logged.
func (c *Controller) acceptSelectedEulas() {
	if !c.AutoAcceptEulas() {
		return
	}
	for _, u := range c.holder.Selected(func(u engine.Update) bool { return !u.EulaAccepted() }) {
		if err := acceptEula(u); err != nil {
			log.Warn("auto-accepting eula failed", logging.KeyUpdateID, u.ID(), logging.KeyError, err.Error())
			continue
		}
		log.Info("eula accepted automatically", logging.KeyUpdateID, u.ID())
	}
}

// guardEnv exposes the holder and the engine environment to guards.
type guardEnv struct {
	c *Controller
}

func (g guardEnv) SelectedUpdates(filter func(engine.Update) bool) []engine.Update {
	return g.c.holder.Selected(filter)
}

func (g guardEnv) FreeDiskSpace() (uint64, error) {
	n, err := g.c.engine.FreeDiskSpace()
	g.c.health.Observe(healthEngine, err)
	return n, err
}

func (g guardEnv) InstallerStatus() (engine.InstallerStatus, error) {
	st, err := g.c.engine.InstallerStatus()
	g.c.health.Observe(healthEngine, err)
	return st, err
}
