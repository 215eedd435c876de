package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine/memory"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/health"
)

type stateChange struct{ from, to StateID }

type opCompletion struct {
	op     Operation
	result StateID
}

type recorder struct {
	mu       sync.Mutex
	changes  []stateChange
	ops      []opCompletion
	progress []ProgressDescription
	entered  chan StateID
}

func newRecorder() *recorder {
	return &recorder{entered: make(chan StateID, 32)}
}

func (r *recorder) StateChanged(from, to StateID) {
	r.mu.Lock()
	r.changes = append(r.changes, stateChange{from, to})
	r.mu.Unlock()
	r.entered <- to
}

func (r *recorder) OperationCompleted(op Operation, result StateID) {
	r.mu.Lock()
	r.ops = append(r.ops, opCompletion{op, result})
	r.mu.Unlock()
}

func (r *recorder) ProgressChanged(_ StateID, p ProgressDescription) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *recorder) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress)
}

func (r *recorder) waitFor(t *testing.T, want StateID) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.entered:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func newTestController(t *testing.T, eng engine.Engine, opts Options) (*Controller, *recorder) {
	t.Helper()
	c := New(eng, opts)
	rec := newRecorder()
	c.Subscribe(rec)
	t.Cleanup(c.Close)
	return c, rec
}

func complete(t *testing.T, eng *memory.Engine, o memory.Outcome) {
	t.Helper()
	if err := eng.Complete(eng.LastJob(), o); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func succeeded() memory.Outcome { return memory.Outcome{Code: engine.ResultSucceeded} }

// searched returns a controller that completed a search over catalog.
func searched(t *testing.T, opts Options, catalog ...*memory.Update) (*Controller, *memory.Engine, *recorder) {
	t.Helper()
	eng := memory.New(catalog...)
	c, rec := newTestController(t, eng, opts)
	if _, err := c.BeginSearch(60); err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	complete(t, eng, succeeded())
	if got := c.CurrentID(); got != StateSearchCompleted {
		t.Fatalf("state = %s, want SearchCompleted", got)
	}
	return c, eng, rec
}

func TestNewControllerStartsReady(t *testing.T) {
	c, _ := newTestController(t, memory.New(), Options{})
	if c.CurrentID() != StateReady {
		t.Fatalf("state = %s, want Ready", c.CurrentID())
	}
	if c.Progress() != nil {
		t.Fatal("progress should be nil")
	}
	if c.ID() == "" {
		t.Fatal("session id should be set")
	}
}

func TestScenarioSearchCompletesAndAutoSelects(t *testing.T) {
	important := &memory.Update{UpdateID: "kb-important", Selection: engine.AutoSelectionAlways}
	optional := &memory.Update{UpdateID: "kb-optional", Selection: engine.AutoSelectionNever}
	eng := memory.New(important, optional)
	c, rec := newTestController(t, eng, Options{AutoSelectUpdates: true})

	id, err := c.BeginSearch(60)
	if err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	if id != StateSearching {
		t.Fatalf("BeginSearch returned %s, want Searching", id)
	}
	p := c.Progress()
	if p == nil || !p.IsIndeterminate() {
		t.Fatalf("search progress = %+v, want indeterminate", p)
	}

	complete(t, eng, succeeded())
	if got := c.CurrentID(); got != StateSearchCompleted {
		t.Fatalf("state = %s, want SearchCompleted", got)
	}
	if c.Progress() != nil {
		t.Fatal("progress should reset on state change")
	}

	records := c.AvailableUpdates()
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for _, r := range records {
		want := r.ID == "kb-important"
		if r.SelectedForInstallation != want {
			t.Fatalf("%s selected = %v, want %v", r.ID, r.SelectedForInstallation, want)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	wantChanges := []stateChange{{StateReady, StateSearching}, {StateSearching, StateSearchCompleted}}
	if len(rec.changes) != len(wantChanges) {
		t.Fatalf("state changes = %v, want %v", rec.changes, wantChanges)
	}
	for i := range wantChanges {
		if rec.changes[i] != wantChanges[i] {
			t.Fatalf("state change %d = %v, want %v", i, rec.changes[i], wantChanges[i])
		}
	}
	if len(rec.ops) != 1 || rec.ops[0] != (opCompletion{OperationSearch, StateSearchCompleted}) {
		t.Fatalf("operation completions = %v", rec.ops)
	}
	if len(rec.progress) != 1 {
		t.Fatalf("progress notifications = %d, want 1 for the indeterminate search", len(rec.progress))
	}
}

func TestSearchSkipsInstalledUpdates(t *testing.T) {
	c, _, _ := searched(t, Options{},
		&memory.Update{UpdateID: "pending"},
		&memory.Update{UpdateID: "done", Installed: true})
	records := c.AvailableUpdates()
	if len(records) != 1 || records[0].ID != "pending" {
		t.Fatalf("records = %+v, want only pending", records)
	}
}

func TestScenarioDownloadWithoutAcceptedSelectionIsRefused(t *testing.T) {
	c, _, _ := searched(t, Options{AutoSelectUpdates: true},
		&memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways})

	_, err := c.BeginDownload(60)
	var pre *PreConditionNotFulfilledError
	if !errors.As(err, &pre) {
		t.Fatalf("BeginDownload err = %v, want PreConditionNotFulfilledError", err)
	}
	if !strings.Contains(pre.Reason, "select") || !strings.Contains(pre.Reason, "eula") {
		t.Fatalf("reason %q should mention selection and eula", pre.Reason)
	}
	if c.CurrentID() != StateSearchCompleted {
		t.Fatalf("state = %s, want SearchCompleted", c.CurrentID())
	}
}

func TestScenarioDownloadTimeout(t *testing.T) {
	c, eng, rec := searched(t, Options{AutoSelectUpdates: true},
		&memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways, Eula: true, MaxSize: 1 << 20})

	c.timeoutUnit = time.Millisecond
	if _, err := c.BeginDownload(5); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	job := eng.LastJob()

	rec.waitFor(t, StateDownloadFailed)
	st := c.Status()
	if st.State != StateDownloadFailed {
		t.Fatalf("state = %s, want DownloadFailed", st.State)
	}
	if !strings.Contains(st.Description, "Timeout after 5 sec") {
		t.Fatalf("description = %q, want a timeout reason", st.Description)
	}
	if got := job.AbortCount(); got != 1 {
		t.Fatalf("abort requested %d times, want 1", got)
	}
}

func TestScenarioInstallRequiringReboot(t *testing.T) {
	c, eng, rec := searched(t, Options{AutoSelectUpdates: true},
		&memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways, Eula: true, MaxSize: 1 << 20})

	if _, err := c.BeginDownload(60); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	complete(t, eng, succeeded())
	if c.CurrentID() != StateDownloadCompleted {
		t.Fatalf("state = %s, want DownloadCompleted", c.CurrentID())
	}

	if _, err := c.BeginInstall(60); err != nil {
		t.Fatalf("BeginInstall: %v", err)
	}
	complete(t, eng, memory.Outcome{Code: engine.ResultSucceeded, RebootRequired: true})
	if c.CurrentID() != StateRebootRequired {
		t.Fatalf("state = %s, want RebootRequired", c.CurrentID())
	}

	id, err := c.Reboot()
	if err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if id != StateRestartSentToOS || eng.RebootRequests() != 1 {
		t.Fatalf("Reboot = %s with %d requests", id, eng.RebootRequests())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var installOps int
	for _, op := range rec.ops {
		if op.op == OperationInstall {
			installOps++
			if op.result != StateRebootRequired {
				t.Fatalf("install completed with %s, want RebootRequired", op.result)
			}
		}
	}
	if installOps != 1 {
		t.Fatalf("install completions = %d, want 1", installOps)
	}
}

func TestScenarioAbortSearchOutsideSearching(t *testing.T) {
	c, _ := newTestController(t, memory.New(), Options{})
	_, err := c.AbortSearch()
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AbortSearch err = %v, want ErrInvalidTransition", err)
	}
	if _, err := c.AbortDownload(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AbortDownload err = %v, want ErrInvalidTransition", err)
	}
	if _, err := c.AbortInstall(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AbortInstall err = %v, want ErrInvalidTransition", err)
	}
}

func TestScenarioLateCompletionAfterAbort(t *testing.T) {
	eng := memory.New(&memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways})
	c, rec := newTestController(t, eng, Options{AutoSelectUpdates: true})

	if _, err := c.BeginSearch(60); err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	job := eng.LastJob()

	id, err := c.AbortSearch()
	if err != nil {
		t.Fatalf("AbortSearch: %v", err)
	}
	if id != StateSearchFailed {
		t.Fatalf("AbortSearch returned %s", id)
	}
	if d := c.Current().Description(); d != ReasonAbortedByUser {
		t.Fatalf("description = %q, want %q", d, ReasonAbortedByUser)
	}
	if job.AbortCount() != 1 {
		t.Fatalf("abort requested %d times, want 1", job.AbortCount())
	}

	complete(t, eng, succeeded())
	if c.CurrentID() != StateSearchFailed {
		t.Fatalf("state = %s after late completion, want SearchFailed", c.CurrentID())
	}
	if c.Holder().HasResult() {
		t.Fatal("late completion must not store a search result")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.changes) != 2 {
		t.Fatalf("state changes = %v, want Ready->Searching->SearchFailed", rec.changes)
	}
	if len(rec.ops) != 1 || rec.ops[0] != (opCompletion{OperationSearch, StateSearchFailed}) {
		t.Fatalf("operation completions = %v", rec.ops)
	}
}

func TestDuplicateCompletionIsDiscarded(t *testing.T) {
	c, eng, rec := searched(t, Options{}, &memory.Update{UpdateID: "a"})
	before := len(rec.entered)

	eng.Redeliver(eng.LastJob())
	if c.CurrentID() != StateSearchCompleted {
		t.Fatalf("state = %s, want SearchCompleted", c.CurrentID())
	}
	if len(rec.entered) != before {
		t.Fatal("duplicate completion must not change state")
	}
}

func TestUndefinedMovesAreInvalidTransitions(t *testing.T) {
	table := DefaultTable()
	for _, from := range AllStates() {
		for _, to := range AllStates() {
			if table.IsLegal(from, to) {
				continue
			}
			c := New(memory.New(), Options{})
			c.current = newResultState(from, "", nil)

			_, err := c.transition(newResultState(to, "", nil), nil)
			var inv *InvalidTransitionError
			if !errors.As(err, &inv) || inv.From != from || inv.To != to {
				t.Fatalf("%s -> %s err = %v, want InvalidTransitionError", from, to, err)
			}
			if c.CurrentID() != from {
				t.Fatalf("%s -> %s changed the state to %s", from, to, c.CurrentID())
			}
		}
	}
}

func TestBeginFailureLeavesStateUnchanged(t *testing.T) {
	eng := memory.New()
	boom := errors.New("0x8024000E")
	eng.FailBegin(memory.OpSearch, boom)
	c, rec := newTestController(t, eng, Options{})

	_, err := c.BeginSearch(60)
	if !errors.Is(err, ErrEngineFailure) || !errors.Is(err, boom) {
		t.Fatalf("BeginSearch err = %v, want engine failure wrapping %v", err, boom)
	}
	if c.CurrentID() != StateReady {
		t.Fatalf("state = %s, want Ready", c.CurrentID())
	}
	if len(rec.entered) != 0 {
		t.Fatal("a failed start must not notify")
	}

	if _, err := c.BeginSearch(60); err != nil {
		t.Fatalf("retry BeginSearch: %v", err)
	}
}

func TestTimeoutArgumentRange(t *testing.T) {
	c, _ := newTestController(t, memory.New(), Options{})
	for _, v := range []int{-1, MaxTimeoutSeconds + 1} {
		if _, err := c.BeginSearch(v); !errors.Is(err, ErrArgumentOutOfRange) {
			t.Fatalf("BeginSearch(%d) err = %v, want ErrArgumentOutOfRange", v, err)
		}
		if _, err := c.BeginDownload(v); !errors.Is(err, ErrArgumentOutOfRange) {
			t.Fatalf("BeginDownload(%d) err = %v, want ErrArgumentOutOfRange", v, err)
		}
		if _, err := c.BeginInstall(v); !errors.Is(err, ErrArgumentOutOfRange) {
			t.Fatalf("BeginInstall(%d) err = %v, want ErrArgumentOutOfRange", v, err)
		}
	}
	if _, err := c.BeginSearch(0); err != nil {
		t.Fatalf("BeginSearch(0) should disable the timeout: %v", err)
	}
}

func TestDownloadResultCodes(t *testing.T) {
	tests := []struct {
		code engine.ResultCode
		want StateID
	}{
		{engine.ResultSucceeded, StateDownloadCompleted},
		{engine.ResultSucceededWithErrors, StateDownloadPartiallyFailed},
		{engine.ResultFailed, StateDownloadFailed},
		{engine.ResultAborted, StateDownloadFailed},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			c, eng, _ := searched(t, Options{AutoSelectUpdates: true},
				&memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways, Eula: true})
			if _, err := c.BeginDownload(60); err != nil {
				t.Fatalf("BeginDownload: %v", err)
			}
			complete(t, eng, memory.Outcome{Code: tt.code, HResult: 0x80240022})
			if got := c.CurrentID(); got != tt.want {
				t.Fatalf("state = %s, want %s", got, tt.want)
			}
			if tt.want != StateDownloadCompleted && c.Current().Description() == "" {
				t.Fatal("failed states must carry a reason")
			}
		})
	}
}

func TestInstallNeedingUserInput(t *testing.T) {
	ready := &memory.Update{UpdateID: "ready", Selection: engine.AutoSelectionAlways, Eula: true}
	noEula := &memory.Update{UpdateID: "no-eula", Selection: engine.AutoSelectionAlways}
	c, eng, _ := searched(t, Options{AutoSelectUpdates: true}, ready, noEula)

	if _, err := c.BeginDownload(60); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	if got := eng.LastJob().Updates(); len(got) != 1 || got[0].ID() != "ready" {
		t.Fatalf("download job updates = %v, want only ready", got)
	}
	complete(t, eng, succeeded())

	if _, err := c.BeginInstall(60); err != nil {
		t.Fatalf("BeginInstall: %v", err)
	}
	complete(t, eng, succeeded())
	if c.CurrentID() != StateUserInputRequired {
		t.Fatalf("state = %s, want UserInputRequired", c.CurrentID())
	}
}

func TestInstallSkipsInteractiveUpdates(t *testing.T) {
	plain := &memory.Update{UpdateID: "plain", Selection: engine.AutoSelectionAlways, Eula: true, Downloaded: true}
	interactive := &memory.Update{UpdateID: "interactive", Selection: engine.AutoSelectionAlways, Eula: true, Downloaded: true, UserInput: true}
	c, eng, _ := searched(t, Options{AutoSelectUpdates: true}, plain, interactive)

	if _, err := c.BeginInstall(60); err != nil {
		t.Fatalf("BeginInstall: %v", err)
	}
	if got := eng.LastJob().Updates(); len(got) != 1 || got[0].ID() != "plain" {
		t.Fatalf("install job updates = %v, want only plain", got)
	}
	complete(t, eng, succeeded())
	if c.CurrentID() != StateUserInputRequired {
		t.Fatalf("state = %s, want UserInputRequired", c.CurrentID())
	}
}

func TestInstallBlockedWhenOnlyInteractiveUpdatesRemain(t *testing.T) {
	interactive := &memory.Update{UpdateID: "interactive", Selection: engine.AutoSelectionAlways, Eula: true, Downloaded: true, UserInput: true}
	c, eng, _ := searched(t, Options{AutoSelectUpdates: true}, interactive)
	jobs := len(eng.Jobs())

	_, err := c.BeginInstall(60)
	if !errors.Is(err, ErrPreConditionNotFulfilled) || !strings.Contains(err.Error(), "user input") {
		t.Fatalf("BeginInstall err = %v, want user input precondition", err)
	}
	if c.CurrentID() != StateSearchCompleted {
		t.Fatalf("state = %s, want SearchCompleted", c.CurrentID())
	}
	if got := len(eng.Jobs()); got != jobs {
		t.Fatalf("jobs = %d, want %d", got, jobs)
	}
}

func TestInstallCompletedAndPartial(t *testing.T) {
	for _, tt := range []struct {
		code engine.ResultCode
		want StateID
	}{
		{engine.ResultSucceeded, StateInstallCompleted},
		{engine.ResultSucceededWithErrors, StateInstallPartiallyFailed},
		{engine.ResultFailed, StateInstallFailed},
	} {
		t.Run(tt.code.String(), func(t *testing.T) {
			u := &memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways, Eula: true, Downloaded: true}
			c, eng, _ := searched(t, Options{AutoSelectUpdates: true}, u)
			if _, err := c.BeginInstall(60); err != nil {
				t.Fatalf("BeginInstall: %v", err)
			}
			complete(t, eng, memory.Outcome{Code: tt.code})
			if got := c.CurrentID(); got != tt.want {
				t.Fatalf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInstallGuardBlocksWhenInstallerBusy(t *testing.T) {
	c, eng, _ := searched(t, Options{AutoSelectUpdates: true},
		&memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways, Eula: true, Downloaded: true})
	eng.SetInstallerStatus(engine.InstallerStatus{IsBusy: true})

	if _, err := c.BeginInstall(60); !errors.Is(err, ErrPreConditionNotFulfilled) {
		t.Fatalf("BeginInstall err = %v, want ErrPreConditionNotFulfilled", err)
	}
}

func TestDownloadGuardBlocksOnDiskSpace(t *testing.T) {
	c, eng, _ := searched(t, Options{AutoSelectUpdates: true},
		&memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways, Eula: true, MaxSize: 1 << 30})
	eng.SetFreeDiskSpace(1 << 20)

	_, err := c.BeginDownload(60)
	if !errors.Is(err, ErrPreConditionNotFulfilled) || !strings.Contains(err.Error(), "disk space") {
		t.Fatalf("BeginDownload err = %v, want disk space precondition", err)
	}
}

func TestAutoAcceptEulasBeforeDownload(t *testing.T) {
	accepts := &memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways}
	refuses := &memory.Update{UpdateID: "b", Selection: engine.AutoSelectionAlways, EulaErr: errors.New("denied")}
	c, eng, _ := searched(t, Options{AutoSelectUpdates: true, AutoAcceptEulas: true}, accepts, refuses)

	if _, err := c.BeginDownload(60); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	if !accepts.EulaAccepted() {
		t.Fatal("eula should have been accepted automatically")
	}
	if got := eng.LastJob().Updates(); len(got) != 1 || got[0].ID() != "a" {
		t.Fatalf("download job updates = %v, want only a", got)
	}
}

func TestAcceptEulaSelectUnselect(t *testing.T) {
	u := &memory.Update{UpdateID: "a"}
	c, _, _ := searched(t, Options{}, u)

	if err := c.AcceptEula("missing"); !errors.Is(err, ErrUpdateNotFound) {
		t.Fatalf("AcceptEula(missing) err = %v", err)
	}
	if err := c.Select("missing"); !errors.Is(err, ErrUpdateNotFound) {
		t.Fatalf("Select(missing) err = %v", err)
	}
	if err := c.Unselect("missing"); !errors.Is(err, ErrUpdateNotFound) {
		t.Fatalf("Unselect(missing) err = %v", err)
	}

	if err := c.AcceptEula("a"); err != nil {
		t.Fatalf("AcceptEula: %v", err)
	}
	if err := c.AcceptEula("a"); err != nil {
		t.Fatalf("second AcceptEula: %v", err)
	}
	if err := c.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if r := c.AvailableUpdates()[0]; !r.EulaAccepted || !r.SelectedForInstallation {
		t.Fatalf("record = %+v, want accepted and selected", r)
	}

	failing := &memory.Update{UpdateID: "b", EulaErr: errors.New("COM error")}
	c2, _, _ := searched(t, Options{}, failing)
	if err := c2.AcceptEula("b"); !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("AcceptEula(b) err = %v, want ErrEngineFailure", err)
	}
}

func TestAcceptEulaWithoutSearch(t *testing.T) {
	c, _ := newTestController(t, memory.New(), Options{})
	if err := c.AcceptEula("a"); !errors.Is(err, ErrUpdateNotFound) {
		t.Fatalf("AcceptEula err = %v, want ErrUpdateNotFound", err)
	}
}

func TestProgressNotificationsAreDeduplicated(t *testing.T) {
	u := &memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways, Eula: true}
	c, eng, rec := searched(t, Options{AutoSelectUpdates: true}, u)
	if _, err := c.BeginDownload(60); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	job := eng.LastJob()
	start := rec.progressCount()

	p := engine.Progress{Current: u, Index: 0, Count: 1, Percent: 40}
	eng.Progress(job, p)
	eng.Progress(job, p)
	if got := rec.progressCount() - start; got != 1 {
		t.Fatalf("progress notifications = %d, want 1", got)
	}

	p.Percent = 80
	eng.Progress(job, p)
	if got := rec.progressCount() - start; got != 2 {
		t.Fatalf("progress notifications = %d, want 2", got)
	}

	cur := c.Progress()
	if cur == nil || cur.Percent == nil || *cur.Percent != 80 || cur.CurrentUpdate.ID != "a" {
		t.Fatalf("progress = %+v, want 80%% of a", cur)
	}
	if *cur.Index != 0 || *cur.Count != 1 {
		t.Fatalf("progress position = %d/%d, want 0/1", *cur.Index, *cur.Count)
	}
}

func TestListenersMayCallBackIntoController(t *testing.T) {
	eng := memory.New(&memory.Update{UpdateID: "a", Selection: engine.AutoSelectionAlways, Eula: true})
	c, _ := newTestController(t, eng, Options{AutoSelectUpdates: true})

	started := make(chan StateID, 1)
	c.Subscribe(ListenerFuncs{
		OnOperationCompleted: func(op Operation, result StateID) {
			if op != OperationSearch || result != StateSearchCompleted {
				return
			}
			_ = c.Status()
			id, err := c.BeginDownload(60)
			if err != nil {
				t.Errorf("BeginDownload from listener: %v", err)
			}
			started <- id
		},
	})

	if _, err := c.BeginSearch(60); err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	done := make(chan struct{})
	go func() {
		if err := eng.Complete(eng.LastJob(), succeeded()); err != nil {
			t.Errorf("complete: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener re-entering the controller deadlocked")
	}
	if id := <-started; id != StateDownloading {
		t.Fatalf("listener started %s, want Downloading", id)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	c, _ := newTestController(t, memory.New(), Options{})
	var calls int
	cancel := c.Subscribe(ListenerFuncs{OnStateChanged: func(StateID, StateID) { calls++ }})
	cancel()
	cancel()
	_, _ = c.BeginSearch(60)
	if calls != 0 {
		t.Fatalf("unsubscribed listener called %d times", calls)
	}
}

func TestRebootFromReady(t *testing.T) {
	eng := memory.New()
	c, _ := newTestController(t, eng, Options{})
	if _, err := c.Reboot(); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if eng.RebootRequests() != 1 {
		t.Fatalf("reboot requests = %d, want 1", eng.RebootRequests())
	}
	if _, err := c.Reboot(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Reboot err = %v, want ErrInvalidTransition", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	eng := memory.New()
	eng.SetSystemInfo(engine.SystemInfo{Hostname: "ws-01", OS: "windows", Uptime: 90 * time.Second, TargetGroup: "pilot"})
	eng.SetRebootPending(true)
	eng.SetFreeDiskSpace(42)
	mon := health.NewMonitor()
	c, _ := newTestController(t, eng, Options{AutoAcceptEulas: true, Health: mon})

	_, _ = c.BeginSearch(60)
	st := c.Status()
	if st.State != StateSearching || st.DisplayName != "Searching for updates" {
		t.Fatalf("status state = %s (%q)", st.State, st.DisplayName)
	}
	if st.Progress == nil || !st.Progress.IsIndeterminate() {
		t.Fatalf("status progress = %+v, want indeterminate", st.Progress)
	}
	env := st.Environment
	if env.Hostname != "ws-01" || env.UptimeSeconds != 90 || env.TargetGroup != "pilot" {
		t.Fatalf("environment = %+v", env)
	}
	if !env.RebootPending || env.FreeDiskSpace != 42 {
		t.Fatalf("environment = %+v", env)
	}
	if !st.AutoAcceptEulas || st.AutoSelectUpdates {
		t.Fatalf("flags = %v/%v", st.AutoAcceptEulas, st.AutoSelectUpdates)
	}
	if env.Health.Status != health.Healthy {
		t.Fatalf("health = %s, want healthy", env.Health.Status)
	}
}

func TestSettersChangePolicy(t *testing.T) {
	c, _ := newTestController(t, memory.New(), Options{})
	c.SetAutoAcceptEulas(true)
	c.SetAutoSelectUpdates(true)
	if !c.AutoAcceptEulas() || !c.AutoSelectUpdates() {
		t.Fatal("setters did not apply")
	}
}

func TestCloseAbortsRunningJob(t *testing.T) {
	eng := memory.New()
	c := New(eng, Options{})
	_, _ = c.BeginSearch(60)
	c.Close()
	if c.CurrentID() != StateSearchFailed {
		t.Fatalf("state = %s, want SearchFailed", c.CurrentID())
	}
	if c.Current().Description() != ReasonSessionClosed {
		t.Fatalf("description = %q", c.Current().Description())
	}
	if eng.LastJob().AbortCount() != 1 {
		t.Fatal("Close should abort the job")
	}
}

func TestAutomaticEngineEndToEnd(t *testing.T) {
	eng := memory.NewAutomatic(time.Millisecond, memory.SampleCatalog()...)
	c, rec := newTestController(t, eng, Options{AutoSelectUpdates: true, AutoAcceptEulas: true})

	if _, err := c.BeginSearch(0); err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	rec.waitFor(t, StateSearchCompleted)

	if _, err := c.BeginDownload(0); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	rec.waitFor(t, StateDownloadCompleted)

	if _, err := c.BeginInstall(0); err != nil {
		t.Fatalf("BeginInstall: %v", err)
	}
	rec.waitFor(t, StateInstallCompleted)

	if rec.progressCount() == 0 {
		t.Fatal("expected progress notifications")
	}
}

type leaveFailingState struct {
	restState
	leaves int
}

func (s *leaveFailingState) leave() error {
	s.leaves++
	return errors.New("teardown failed")
}

func TestLeaveErrorDoesNotBlockTransition(t *testing.T) {
	c, rec := newTestController(t, memory.New(), Options{})
	failing := &leaveFailingState{restState: restState{stateBase: stateBase{id: StateReady}}}
	c.stateMu.Lock()
	c.current = failing
	c.stateMu.Unlock()

	if _, err := c.BeginSearch(60); err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	rec.waitFor(t, StateSearching)
	if c.CurrentID() != StateSearching {
		t.Fatalf("state = %s, want Searching", c.CurrentID())
	}
	if failing.leaves != 1 {
		t.Fatalf("leave called %d times, want 1", failing.leaves)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.changes) != 1 || rec.changes[0] != (stateChange{StateReady, StateSearching}) {
		t.Fatalf("state changes = %v, want [Ready -> Searching]", rec.changes)
	}
}
