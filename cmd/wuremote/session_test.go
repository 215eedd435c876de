package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine/memory"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/session"
)

func testCatalog() []*memory.Update {
	return []*memory.Update{
		{UpdateID: "kb1", UpdateTitle: "Security Update KB1", MaxSize: 50 << 20, Selection: engine.AutoSelectionAlways, Eula: true},
		{UpdateID: "kb2", UpdateTitle: "Optional Driver KB2", MaxSize: 3 << 20, Selection: engine.AutoSelectionNever, Eula: true},
	}
}

func newLocalSession(t *testing.T, eng *memory.Engine) *session.Controller {
	t.Helper()
	ctrl := session.New(eng, session.Options{AutoSelectUpdates: true})
	t.Cleanup(ctrl.Close)
	return ctrl
}

func runWithDeadline(t *testing.T, ctrl *session.Controller, opts localOptions, out *bytes.Buffer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return runLocalSession(ctx, ctrl, opts, out)
}

func TestLocalSessionSearchOnly(t *testing.T) {
	eng := memory.NewAutomatic(time.Millisecond, testCatalog()...)
	ctrl := newLocalSession(t, eng)

	var out bytes.Buffer
	if err := runWithDeadline(t, ctrl, localOptions{}, &out); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	if ctrl.CurrentID() != session.StateSearchCompleted {
		t.Fatalf("state = %s", ctrl.CurrentID())
	}
	if !strings.Contains(out.String(), "[x] Security Update KB1") || !strings.Contains(out.String(), "1 of 2 updates selected") {
		t.Fatalf("output:\n%s", out.String())
	}
	if len(eng.Jobs()) != 1 {
		t.Fatalf("jobs = %d, want only the search", len(eng.Jobs()))
	}
}

func TestLocalSessionInstallAndReboot(t *testing.T) {
	eng := memory.NewAutomatic(time.Millisecond, testCatalog()...)
	eng.SetOutcome(memory.OpInstall, memory.Outcome{Code: engine.ResultSucceeded, RebootRequired: true})
	ctrl := newLocalSession(t, eng)

	var out bytes.Buffer
	opts := localOptions{Download: true, Install: true, Reboot: true}
	if err := runWithDeadline(t, ctrl, opts, &out); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	if ctrl.CurrentID() != session.StateRestartSentToOS {
		t.Fatalf("state = %s\n%s", ctrl.CurrentID(), out.String())
	}
	if eng.RebootRequests() != 1 {
		t.Fatalf("reboot requests = %d", eng.RebootRequests())
	}
	if !strings.Contains(out.String(), "100%") {
		t.Fatalf("no progress printed:\n%s", out.String())
	}
}

func TestLocalSessionLeavesRebootToUser(t *testing.T) {
	eng := memory.NewAutomatic(time.Millisecond, testCatalog()...)
	eng.SetOutcome(memory.OpInstall, memory.Outcome{Code: engine.ResultSucceeded, RebootRequired: true})
	ctrl := newLocalSession(t, eng)

	var out bytes.Buffer
	if err := runWithDeadline(t, ctrl, localOptions{Download: true, Install: true}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctrl.CurrentID() != session.StateRebootRequired || eng.RebootRequests() != 0 {
		t.Fatalf("state = %s, reboots = %d", ctrl.CurrentID(), eng.RebootRequests())
	}
	if !strings.Contains(out.String(), "--reboot") {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestLocalSessionFailedSearch(t *testing.T) {
	eng := memory.NewAutomatic(time.Millisecond, testCatalog()...)
	eng.SetOutcome(memory.OpSearch, memory.Outcome{Code: engine.ResultFailed, HResult: 0x80240438})
	ctrl := newLocalSession(t, eng)

	var out bytes.Buffer
	err := runWithDeadline(t, ctrl, localOptions{Download: true}, &out)
	if err == nil || !strings.Contains(err.Error(), "SearchFailed") {
		t.Fatalf("err = %v", err)
	}
}

func TestLocalSessionNothingSelected(t *testing.T) {
	eng := memory.NewAutomatic(time.Millisecond,
		&memory.Update{UpdateID: "kb2", UpdateTitle: "Optional", Selection: engine.AutoSelectionNever, Eula: true})
	ctrl := newLocalSession(t, eng)

	var out bytes.Buffer
	if err := runWithDeadline(t, ctrl, localOptions{Download: true, Install: true}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctrl.CurrentID() != session.StateSearchCompleted || len(eng.Jobs()) != 1 {
		t.Fatalf("state = %s, jobs = %d", ctrl.CurrentID(), len(eng.Jobs()))
	}
}

func TestLocalSessionCancelAborts(t *testing.T) {
	eng := memory.New(testCatalog()...)
	ctrl := newLocalSession(t, eng)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := runLocalSession(ctx, ctrl, localOptions{}, &out)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if ctrl.CurrentID() != session.StateSearchFailed {
		t.Fatalf("state = %s", ctrl.CurrentID())
	}
}

func TestFormatProgress(t *testing.T) {
	idx, count, pct := 1, 3, 66
	got := formatProgress(session.StateDownloading, session.ProgressDescription{
		CurrentUpdate: &session.UpdateRecord{Title: "KB2"},
		Index:         &idx,
		Count:         &count,
		Percent:       &pct,
	})
	if got != "  Downloading updates  66% (2/3) KB2" {
		t.Fatalf("progress = %q", got)
	}
	if got := formatProgress(session.StateSearching, *session.Indeterminate()); got != "  Searching for updates" {
		t.Fatalf("indeterminate = %q", got)
	}
}

func TestLockedWriterSerializesWrites(t *testing.T) {
	var buf bytes.Buffer
	w := &lockedWriter{w: &buf}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "line\n"); got != 800 {
		t.Fatalf("lines = %d, want 800", got)
	}

	w.close()
	if n, err := w.Write([]byte("late\n")); err != nil || n != 5 {
		t.Fatalf("write after close = %d, %v", n, err)
	}
	if strings.Contains(buf.String(), "late") {
		t.Fatal("write after close reached the output")
	}
}
