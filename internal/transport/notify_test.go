package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine/memory"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Notification
	err  error
}

func (s *recordingSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, v.(Notification))
	return nil
}

func (s *recordingSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Type
	}
	return out
}

func TestNotifierEnvelope(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier(s, "sess-1")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return at }

	n.StateChanged(session.StateReady, session.StateSearching)

	if len(s.msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(s.msgs))
	}
	m := s.msgs[0]
	if m.Type != MsgStateChanged || m.SessionID != "sess-1" || !m.Timestamp.Equal(at) || m.ID == "" {
		t.Fatalf("notification = %+v", m)
	}
	data, ok := m.Data.(StateChange)
	if !ok || data.OldState != session.StateReady || data.NewState != session.StateSearching {
		t.Fatalf("data = %#v", m.Data)
	}
}

func TestNotifierFollowsSession(t *testing.T) {
	eng := memory.New(&memory.Update{UpdateID: "kb1", Selection: engine.AutoSelectionAlways})
	ctrl := session.New(eng, session.Options{AutoSelectUpdates: true})
	t.Cleanup(ctrl.Close)

	s := &recordingSender{}
	cancel := ctrl.Subscribe(NewNotifier(s, ctrl.ID()))
	defer cancel()

	if _, err := ctrl.BeginSearch(60); err != nil {
		t.Fatalf("begin search: %v", err)
	}
	if err := eng.Complete(eng.LastJob(), memory.Outcome{Code: engine.ResultSucceeded}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var sawCompleted bool
	for _, m := range s.msgs {
		if m.Type != MsgOperationCompleted {
			continue
		}
		r := m.Data.(OperationResult)
		if r.Operation != session.OperationSearch || r.ResultState != session.StateSearchCompleted {
			t.Fatalf("operation result = %+v", r)
		}
		sawCompleted = true
	}
	if !sawCompleted {
		t.Fatalf("messages = %v, want an operation_completed", s.types())
	}
	if got := s.types(); got[0] != MsgStateChanged {
		t.Fatalf("first message = %s, want state_changed", got[0])
	}
}

func TestNotifierSurvivesSendErrors(t *testing.T) {
	s := &recordingSender{err: errors.New("send channel is full")}
	n := NewNotifier(s, "sess")
	n.ProgressChanged(session.StateDownloading, *session.Indeterminate())
	n.OperationCompleted(session.OperationInstall, session.StateInstallFailed)
	if len(s.msgs) != 0 {
		t.Fatalf("messages = %v", s.types())
	}
}
