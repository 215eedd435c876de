package session

import (
	"fmt"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

// Decision is the outcome of evaluating a requested move.
type Decision int

const (
	// Unknown means the table defines no such move.
	Unknown Decision = iota
	// Allowed means the move is defined and its guard, if any, is fulfilled.
	Allowed
	// Blocked means the move is defined but its guard refused it.
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "Allowed"
	case Blocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// GuardEnv is what guard conditions may inspect besides the current state.
type GuardEnv interface {
	// SelectedUpdates returns the selected updates of the current search
	// result that satisfy filter (all of them when filter is nil).
	SelectedUpdates(filter func(engine.Update) bool) []engine.Update
	FreeDiskSpace() (uint64, error)
	InstallerStatus() (engine.InstallerStatus, error)
}

// Evaluation is a guard's verdict. Reason explains a refusal, or carries an
// informational note when the guard is fulfilled.
type Evaluation struct {
	Fulfilled bool
	Reason    string
}

// Condition guards a transition.
type Condition func(env GuardEnv, current State) Evaluation

// Transition is a legal move. Two transitions are the same move when their
// From and To match, regardless of the condition.
type Transition struct {
	From      StateID
	To        StateID
	Condition Condition
}

type transitionKey struct {
	from, to StateID
}

// Result is the evaluation of a requested move.
type Result struct {
	Decision Decision
	Reason   string
}

// Table is the set of legal moves. It is read-only after construction.
type Table struct {
	transitions map[transitionKey]Transition
}

// NewTable builds a table from ts. Defining the same move twice is an error.
func NewTable(ts ...Transition) (*Table, error) {
	t := &Table{transitions: make(map[transitionKey]Transition, len(ts))}
	for _, tr := range ts {
		k := transitionKey{tr.From, tr.To}
		if _, dup := t.transitions[k]; dup {
			return nil, fmt.Errorf("duplicate transition %s -> %s", tr.From, tr.To)
		}
		t.transitions[k] = tr
	}
	return t, nil
}

// IsLegal reports whether the move from -> to is defined.
func (t *Table) IsLegal(from, to StateID) bool {
	_, ok := t.transitions[transitionKey{from, to}]
	return ok
}

// Evaluate decides whether current may move to the state to.
func (t *Table) Evaluate(to StateID, env GuardEnv, current State) Result {
	tr, ok := t.transitions[transitionKey{current.ID(), to}]
	if !ok {
		return Result{Decision: Unknown}
	}
	if tr.Condition == nil {
		return Result{Decision: Allowed}
	}
	ev := tr.Condition(env, current)
	if !ev.Fulfilled {
		return Result{Decision: Blocked, Reason: ev.Reason}
	}
	return Result{Decision: Allowed, Reason: ev.Reason}
}

// Len returns the number of defined moves.
func (t *Table) Len() int { return len(t.transitions) }

// restStates are the states from which a new search, download or install
// may start.
var restStates = []StateID{
	StateSearchCompleted,
	StateSearchFailed,
	StateDownloadCompleted,
	StateDownloadFailed,
	StateDownloadPartiallyFailed,
	StateInstallCompleted,
	StateInstallFailed,
	StateInstallPartiallyFailed,
	StateUserInputRequired,
}

// DefaultTransitions returns every move of the update lifecycle.
func DefaultTransitions() []Transition {
	ts := []Transition{
		{From: StateReady, To: StateSearching},

		{From: StateSearching, To: StateSearchCompleted},
		{From: StateSearching, To: StateSearchFailed},

		{From: StateDownloading, To: StateDownloadCompleted},
		{From: StateDownloading, To: StateDownloadFailed},
		{From: StateDownloading, To: StateDownloadPartiallyFailed},

		{From: StateInstalling, To: StateInstallCompleted},
		{From: StateInstalling, To: StateInstallFailed},
		{From: StateInstalling, To: StateInstallPartiallyFailed},
		{From: StateInstalling, To: StateRebootRequired},
		{From: StateInstalling, To: StateUserInputRequired},

		{From: StateReady, To: StateRestartSentToOS},
		{From: StateRebootRequired, To: StateRestartSentToOS},
		{From: StateInstallPartiallyFailed, To: StateRestartSentToOS},
	}
	for _, from := range restStates {
		ts = append(ts,
			Transition{From: from, To: StateSearching},
			Transition{From: from, To: StateDownloading, Condition: DownloadGuard},
			Transition{From: from, To: StateInstalling, Condition: InstallGuard},
		)
	}
	return ts
}

// DefaultTable returns the table built from DefaultTransitions.
func DefaultTable() *Table {
	t, err := NewTable(DefaultTransitions()...)
	if err != nil {
		panic(err)
	}
	return t
}
