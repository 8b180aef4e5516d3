package scheduler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"chainwatch/internal/task"
	"chainwatch/internal/task/worker"
	logx "chainwatch/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	ft      *fakeTimers
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.ft.mu.Lock()
	defer t.ft.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.ft.active--
	return true
}

// fakeTimers records every armed timer and the peak number armed at once.
type fakeTimers struct {
	mu     sync.Mutex
	all    []*fakeTimer
	active int
	peak   int
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{ft: ft, d: d, f: f}
	ft.all = append(ft.all, t)
	ft.active++
	ft.peak = max(ft.peak, ft.active)
	return t
}

// fireAll runs every timer ever armed, stale ones included. A fired timer is
// no longer armed.
func (ft *fakeTimers) fireAll() {
	ft.mu.Lock()
	timers := append([]*fakeTimer(nil), ft.all...)
	ft.mu.Unlock()
	for _, t := range timers {
		t.Stop()
		t.f()
	}
}

// recordingExec records submissions and optionally completes them inline.
type recordingExec struct {
	mu       sync.Mutex
	names    []string
	complete bool
}

func (e *recordingExec) Submit(t *task.Task, done worker.Done) error {
	e.mu.Lock()
	e.names = append(e.names, t.Name)
	complete := e.complete
	e.mu.Unlock()
	if complete {
		v, err := t.Fn(context.Background(), t)
		done(task.Result{Value: v, Err: err}, t)
	}
	return nil
}

func (e *recordingExec) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
}

func noop(context.Context, *task.Task) (any, error) { return nil, nil }

func newTestScheduler(exec Executor) (*Service, *fakeClock, *fakeTimers) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	timers := &fakeTimers{}
	s := New(exec, logx.Nop(), WithClock(clock.Now), WithAfterFunc(timers.AfterFunc))
	return s, clock, timers
}

func TestDueTasksDispatchInDeadlineOrder(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{}
	s, clock, timers := newTestScheduler(exec)
	t0 := clock.Now()

	for _, tc := range []struct {
		name string
		off  time.Duration
	}{{"c", 3 * time.Second}, {"a", time.Second}, {"b", 2 * time.Second}, {"d", 10 * time.Second}} {
		if err := s.Add(task.New(tc.name, noop, task.At(t0.Add(tc.off)))); err != nil {
			t.Fatal(err)
		}
	}
	if got := exec.Names(); len(got) != 0 {
		t.Fatalf("nothing is due yet, got %v", got)
	}

	clock.Advance(5 * time.Second)
	timers.fireAll()

	got := exec.Names()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", got, want)
		}
	}
	snap := s.Snapshot()
	if snap.Pending != 1 || !snap.NextWake.Equal(t0.Add(10*time.Second)) || !snap.TimerArmed {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAtMostOneTimerArmed(t *testing.T) {
	t.Parallel()
	s, clock, timers := newTestScheduler(&recordingExec{})
	t0 := clock.Now()

	for i := 50; i > 0; i-- {
		if err := s.Add(task.New("t", noop, task.At(t0.Add(time.Duration(i)*time.Second)))); err != nil {
			t.Fatal(err)
		}
	}
	timers.mu.Lock()
	peak, active := timers.peak, timers.active
	last := timers.all[len(timers.all)-1]
	timers.mu.Unlock()

	if peak != 1 || active != 1 {
		t.Fatalf("peak=%d active=%d, want 1/1", peak, active)
	}
	if last.d != time.Second {
		t.Fatalf("timer armed for %v, want earliest deadline 1s", last.d)
	}

	// Stale callbacks must be ignored.
	timers.fireAll()
	if s.Len() != 50 {
		t.Fatalf("stale timer dispatched tasks, pending=%d", s.Len())
	}

	s.RemoveAll()
	timers.mu.Lock()
	active = timers.active
	timers.mu.Unlock()
	if active != 0 || s.Snapshot().TimerArmed {
		t.Fatal("RemoveAll must disarm the timer")
	}
}

func TestImmediateTaskDispatchesOnAdd(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{}
	s, _, timers := newTestScheduler(exec)
	if err := s.Add(task.New("now", noop)); err != nil {
		t.Fatal(err)
	}
	if got := exec.Names(); len(got) != 1 || got[0] != "now" {
		t.Fatalf("dispatched %v", got)
	}
	if s.Len() != 0 || len(timers.all) != 0 {
		t.Fatal("no timer expected for an empty pending set")
	}
}

func TestReAddReplacesPendingEntry(t *testing.T) {
	t.Parallel()
	s, clock, _ := newTestScheduler(&recordingExec{})
	tk := task.New("x", noop, task.At(clock.Now().Add(time.Minute)))
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	firstID := tk.ID
	tk.NextRun = clock.Now().Add(2 * time.Minute)
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("pending=%d, want 1", s.Len())
	}
	if tk.ID == firstID {
		t.Fatal("re-admission must assign a new id")
	}
}

func TestEveryRecurrenceReadmits(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{complete: true}
	s, clock, _ := newTestScheduler(exec)
	tk := task.New("tick", noop, task.WithRecurrence(task.Every(30*time.Second)))
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.Pending != 1 {
		t.Fatalf("pending=%d, want 1", snap.Pending)
	}
	if want := clock.Now().Add(30 * time.Second); !snap.Tasks[0].NextRun.Equal(want) {
		t.Fatalf("NextRun=%v, want %v", snap.Tasks[0].NextRun, want)
	}
}

func TestIntervalChangedByTaskIsHonoured(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{complete: true}
	s, clock, _ := newTestScheduler(exec)
	tk := task.New("adaptive", func(ctx context.Context, t *task.Task) (any, error) {
		t.SetInterval(5 * time.Second)
		return nil, nil
	}, task.WithRecurrence(task.Every(time.Hour)))
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	if want := clock.Now().Add(5 * time.Second); !tk.NextRun.Equal(want) {
		t.Fatalf("NextRun=%v, want %v", tk.NextRun, want)
	}
}

func TestHandlerOwnsReadmission(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{complete: true}
	s, _, _ := newTestScheduler(exec)
	var got []task.Result
	tk := task.New("h", noop,
		task.WithRecurrence(task.Every(time.Second)),
		task.WithHandler(func(res task.Result, t *task.Task) { got = append(got, res) }))
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || s.Len() != 0 {
		t.Fatalf("handler calls=%d pending=%d", len(got), s.Len())
	}
}

func TestRemoveAndStop(t *testing.T) {
	t.Parallel()
	s, clock, _ := newTestScheduler(&recordingExec{})
	tk := task.New("r", noop, task.At(clock.Now().Add(time.Minute)))
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	if !s.Remove(tk) {
		t.Fatal("Remove returned false for a pending task")
	}
	if s.Remove(tk) {
		t.Fatal("second Remove must report absence")
	}
	s.Stop()
	if err := s.Add(tk); err != ErrStopped {
		t.Fatalf("Add after Stop = %v", err)
	}
}

func TestRemoveFromMiddleKeepsOthers(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{}
	s, clock, timers := newTestScheduler(exec)
	base := clock.Now()
	a := task.New("a", noop, task.At(base.Add(1*time.Minute)))
	b := task.New("b", noop, task.At(base.Add(2*time.Minute)))
	c := task.New("c", noop, task.At(base.Add(3*time.Minute)))
	for _, tk := range []*task.Task{a, b, c} {
		if err := s.Add(tk); err != nil {
			t.Fatal(err)
		}
	}

	if !s.Remove(b) {
		t.Fatal("Remove(b) = false")
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	var names []string
	for _, ti := range s.Snapshot().Tasks {
		names = append(names, ti.Name)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Fatalf("pending = %v, want [a c]", names)
	}

	clock.Advance(5 * time.Minute)
	timers.fireAll()
	got := exec.Names()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("dispatched = %v, want [a c]", got)
	}
}

func TestAdvance(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	exec := &recordingExec{}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	timers := &fakeTimers{}
	s := New(exec, logx.NewWriter(&buf, "debug"), WithClock(clock.Now), WithAfterFunc(timers.AfterFunc))

	later := task.New("later", noop, task.At(clock.Now().Add(time.Hour)))
	if err := s.Add(later); err != nil {
		t.Fatal(err)
	}
	if !s.Advance(later) {
		t.Fatal("Advance of a pending task = false")
	}
	if got := exec.Names(); len(got) != 1 || got[0] != "later" || s.Len() != 0 {
		t.Fatalf("dispatched = %v pending = %d", got, s.Len())
	}

	buf.Reset()
	if s.Advance(later) {
		t.Fatal("Advance of a task that is not pending = true")
	}
	if strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("Advance logged a warning: %s", buf.String())
	}
}
