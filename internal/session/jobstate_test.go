package session

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine/memory"
)

type fakeJob struct {
	completed atomic.Bool
	aborts    atomic.Int32
}

func (j *fakeJob) IsCompleted() bool { return j.completed.Load() }
func (j *fakeJob) AsyncState() any   { return nil }

func (j *fakeJob) RequestAbort() error {
	j.aborts.Add(1)
	return nil
}

type jobProbe struct {
	starts    atomic.Int32
	completed atomic.Int32
	timedOut  atomic.Int32
	progress  atomic.Int32
	timeouts  chan int
}

func newProbedJobState(t *testing.T, job engine.Job, timeout time.Duration) (*jobState, *jobProbe) {
	t.Helper()
	probe := &jobProbe{timeouts: make(chan int, 1)}
	s := newJobState(StateDownloading, 1, timeout, nil, jobHooks{
		start: func(engine.Callbacks, any) (engine.Job, error) {
			probe.starts.Add(1)
			return job, nil
		},
		completed: func(*jobState, engine.Job) { probe.completed.Add(1) },
		timedOut: func(_ *jobState, seconds int) {
			probe.timedOut.Add(1)
			probe.timeouts <- seconds
		},
		progress: func(*jobState, engine.Progress) { probe.progress.Add(1) },
	})
	t.Cleanup(s.dispose)
	return s, probe
}

func TestProgressSuppressesDuplicates(t *testing.T) {
	job := &fakeJob{}
	s, probe := newProbedJobState(t, job, 0)
	if err := s.enter(nil); err != nil {
		t.Fatalf("enter: %v", err)
	}

	a := &memory.Update{UpdateID: "a"}
	b := &memory.Update{UpdateID: "b"}
	base := engine.Progress{Current: a, Index: 0, Count: 2, Percent: 10}

	s.onProgress(job, base)
	s.onProgress(job, base)
	if got := probe.progress.Load(); got != 1 {
		t.Fatalf("forwarded %d progress notifications for a repeated tuple, want 1", got)
	}

	changes := []engine.Progress{
		{Current: b, Index: 0, Count: 2, Percent: 10},
		{Current: b, Index: 1, Count: 2, Percent: 10},
		{Current: b, Index: 1, Count: 3, Percent: 10},
		{Current: b, Index: 1, Count: 3, Percent: 50},
	}
	for i, p := range changes {
		s.onProgress(job, p)
		s.onProgress(job, p)
		if got := probe.progress.Load(); got != int32(i+2) {
			t.Fatalf("after change %d forwarded %d, want %d", i, got, i+2)
		}
	}
}

func TestProgressFromOtherJobIsIgnored(t *testing.T) {
	job := &fakeJob{}
	s, probe := newProbedJobState(t, job, 0)
	_ = s.enter(nil)

	s.onProgress(&fakeJob{}, engine.Progress{Index: 0, Count: 1, Percent: 1})
	if probe.progress.Load() != 0 {
		t.Fatal("progress of a foreign job should be dropped")
	}
}

func TestEnterWhileRunningDoesNotRestart(t *testing.T) {
	job := &fakeJob{}
	s, probe := newProbedJobState(t, job, 0)
	_ = s.enter(nil)
	_ = s.enter(nil)
	if got := probe.starts.Load(); got != 1 {
		t.Fatalf("job started %d times, want 1", got)
	}
}

func TestEnterStartFailureIsEngineError(t *testing.T) {
	boom := errors.New("service not running")
	s := newJobState(StateSearching, 0, time.Second, nil, jobHooks{
		start: func(engine.Callbacks, any) (engine.Job, error) { return nil, boom },
	})
	err := s.enter(nil)
	if !errors.Is(err, ErrEngineFailure) || !errors.Is(err, boom) {
		t.Fatalf("enter err = %v, want engine failure wrapping %v", err, boom)
	}
	if s.Handle() != nil {
		t.Fatal("failed start must not store a handle")
	}
}

func TestEnterAfterDisposeFails(t *testing.T) {
	s, _ := newProbedJobState(t, &fakeJob{}, 0)
	s.dispose()
	if err := s.enter(nil); err == nil {
		t.Fatal("entering a disposed state should fail")
	}
}

func TestCompletionBeatsTimeout(t *testing.T) {
	job := &fakeJob{}
	s, probe := newProbedJobState(t, job, time.Hour)
	_ = s.enter(nil)

	job.completed.Store(true)
	s.onCompleted(job)
	s.onTimeout(job)
	s.onCompleted(job)

	if probe.completed.Load() != 1 {
		t.Fatalf("completed forwarded %d times, want 1", probe.completed.Load())
	}
	if probe.timedOut.Load() != 0 {
		t.Fatal("timeout after completion must be dropped")
	}
	if job.aborts.Load() != 0 {
		t.Fatal("a completed job must not be aborted")
	}
}

func TestTimeoutBeatsCompletion(t *testing.T) {
	job := &fakeJob{}
	s, probe := newProbedJobState(t, job, 5*time.Millisecond)
	_ = s.enter(nil)

	select {
	case seconds := <-probe.timeouts:
		if seconds != 1 {
			t.Fatalf("timeout reported %d seconds, want 1", seconds)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not fire")
	}

	job.completed.Store(true)
	s.onCompleted(job)
	if probe.completed.Load() != 0 {
		t.Fatal("completion after timeout must be dropped")
	}
	if got := job.aborts.Load(); got != 1 {
		t.Fatalf("abort requested %d times, want 1", got)
	}
}

func TestStaleCompletionIsDropped(t *testing.T) {
	job := &fakeJob{}
	s, probe := newProbedJobState(t, job, 0)
	_ = s.enter(nil)

	other := &fakeJob{}
	other.completed.Store(true)
	s.onCompleted(other)

	s.onCompleted(job)
	if probe.completed.Load() != 0 {
		t.Fatal("foreign and unfinished completions must be dropped")
	}
}

func TestLeaveAndDisposeAreIdempotent(t *testing.T) {
	job := &fakeJob{}
	s, _ := newProbedJobState(t, job, time.Hour)
	_ = s.enter(nil)

	if err := s.leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := s.leave(); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	s.dispose()
	s.dispose()
	if err := s.leave(); err != nil {
		t.Fatalf("leave after dispose: %v", err)
	}
	if got := job.aborts.Load(); got != 1 {
		t.Fatalf("abort requested %d times, want 1", got)
	}
}

func TestJobHandleAbortOnce(t *testing.T) {
	job := &fakeJob{}
	h := newJobHandle(job)
	_ = h.RequestAbort()
	_ = h.RequestAbort()
	if job.aborts.Load() != 1 || !h.AbortRequested() {
		t.Fatalf("aborts = %d, want 1", job.aborts.Load())
	}

	done := &fakeJob{}
	done.completed.Store(true)
	if err := newJobHandle(done).RequestAbort(); err != nil || done.aborts.Load() != 0 {
		t.Fatal("aborting a completed job should be a no-op")
	}
	if err := newJobHandle(nil).RequestAbort(); err != nil {
		t.Fatalf("aborting a job that never started: %v", err)
	}
}
