package transport

import (
	"time"

	"github.com/google/uuid"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/logging"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
)

// Message types written to the server.
const (
	MsgCommandResult      = "command_result"
	MsgStateChanged       = "state_changed"
	MsgOperationCompleted = "operation_completed"
	MsgProgressChanged    = "progress_changed"
)

// Notification is an unsolicited message about the session.
type Notification struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type StateChange struct {
	OldState session.StateID `json:"oldState"`
	NewState session.StateID `json:"newState"`
}

type OperationResult struct {
	Operation   session.Operation `json:"operation"`
	ResultState session.StateID   `json:"resultState"`
}

type ProgressUpdate struct {
	State    session.StateID             `json:"state"`
	Progress session.ProgressDescription `json:"progress"`
}

// Sender queues a message for the server without blocking.
type Sender interface {
	Send(v any) error
}

// Notifier forwards session events to a Sender.
type Notifier struct {
	sender    Sender
	sessionID string
	now       func() time.Time
}

var _ session.Listener = (*Notifier)(nil)

func NewNotifier(sender Sender, sessionID string) *Notifier {
	return &Notifier{sender: sender, sessionID: sessionID, now: time.Now}
}

func (n *Notifier) StateChanged(oldState, newState session.StateID) {
	n.push(MsgStateChanged, StateChange{OldState: oldState, NewState: newState})
}

func (n *Notifier) OperationCompleted(op session.Operation, result session.StateID) {
	n.push(MsgOperationCompleted, OperationResult{Operation: op, ResultState: result})
}

func (n *Notifier) ProgressChanged(state session.StateID, p session.ProgressDescription) {
	n.push(MsgProgressChanged, ProgressUpdate{State: state, Progress: p})
}

func (n *Notifier) push(typ string, data any) {
	msg := Notification{
		Type:      typ,
		ID:        uuid.NewString(),
		SessionID: n.sessionID,
		Timestamp: n.now().UTC(),
		Data:      data,
	}
	if err := n.sender.Send(msg); err != nil {
		// Progress is superseded by the next event; anything else is worth a warning.
		if typ == MsgProgressChanged {
			log.Debug("progress notification dropped", logging.KeyError, err)
			return
		}
		log.Warn("notification dropped", "type", typ, logging.KeyError, err)
	}
}
