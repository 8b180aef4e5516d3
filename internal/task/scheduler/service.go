package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	exec Executor

	now       func() time.Time
	afterFunc AfterFunc

	pending pendingHeap
	byTask  map[*task.Task]*entry
	seq     uint64

	// Exactly one timer is armed while tasks are pending. version invalidates
	// callbacks from timers that were replaced or stopped.
	timer   Timer
	timerAt time.Time
	version uint64

	stopped bool

	warned *cache.Cache
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithAfterFunc(f AfterFunc) Option      { return func(s *Service) { s.afterFunc = f } }

func New(exec Executor, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		log:    log.With(logx.String("comp", "scheduler")),
		exec:   exec,
		now:    time.Now,
		byTask: make(map[*task.Task]*entry),
		warned: newWarnLimiter(),
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add admits t with a fresh id. Adding a task that is already pending
// replaces its entry. Tasks that are already due are dispatched before Add returns.
func (s *Service) Add(t *task.Task) error {
	if t == nil || t.Fn == nil {
		return fmt.Errorf("task Fn is nil")
	}
	t.EnsureName()
	now := s.now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if e, ok := s.byTask[t]; ok {
		heap.Remove(&s.pending, e.index)
	}
	t.ID = task.NewID(now)
	e := &entry{t: t, at: t.NextRun, seq: s.seq}
	s.seq++
	heap.Push(&s.pending, e)
	s.byTask[t] = e
	due := s.passLocked(now)
	s.mu.Unlock()

	s.log.Debug("task admitted", logx.String("task", t.Name), logx.String("id", t.ID), logx.Time("next_run", t.NextRun))
	s.dispatch(due)
	return nil
}

// Remove drops t from the pending set. A running execution is not affected.
func (s *Service) Remove(t *task.Task) bool {
	s.mu.Lock()
	e, ok := s.byTask[t]
	if !ok {
		s.mu.Unlock()
		name := ""
		if t != nil {
			name = t.Name
		}
		s.log.Warn("remove: task not pending", logx.String("task", name))
		return false
	}
	heap.Remove(&s.pending, e.index)
	delete(s.byTask, t)
	due := s.passLocked(s.now())
	s.mu.Unlock()

	s.dispatch(due)
	return true
}

// Advance makes a pending t due now and runs a pass. Unlike Remove it reports
// false quietly when t is not pending, e.g. while it executes.
func (s *Service) Advance(t *task.Task) bool {
	s.mu.Lock()
	e, ok := s.byTask[t]
	if !ok {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	if e.at.After(now) {
		e.at = now
		t.NextRun = now
		heap.Fix(&s.pending, e.index)
	}
	due := s.passLocked(now)
	s.mu.Unlock()

	s.dispatch(due)
	return true
}

// RemoveAll empties the pending set and disarms the timer.
func (s *Service) RemoveAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	s.pending = nil
	s.byTask = make(map[*task.Task]*entry)
	s.disarmLocked()
	return n
}

// Stop empties the pending set and rejects further admissions.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if n := s.RemoveAll(); n > 0 {
		s.log.Info("scheduler stopped", logx.Int("dropped", n))
	}
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Reschedule applies t's recurrence: the next deadline is computed from now
// and t is re-admitted. Tasks without a time-based recurrence are left alone.
func (s *Service) Reschedule(t *task.Task) error {
	next, ok := t.Recurrence().Next(s.now())
	if !ok {
		return nil
	}
	t.NextRun = next
	return s.Add(t)
}

func (s *Service) complete(res task.Result, t *task.Task) {
	if t.Handler != nil {
		t.Handler(res, t)
		return
	}
	if err := s.Reschedule(t); err != nil {
		s.log.Debug("task not re-admitted", logx.String("task", t.Name), logx.Err(err))
	}
}

// pass is the timer callback body. It is idempotent.
func (s *Service) pass(ver uint64) {
	s.mu.Lock()
	if ver != s.version {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.timerAt = time.Time{}
	due := s.passLocked(s.now())
	s.mu.Unlock()

	s.dispatch(due)
}

// passLocked pops every due entry in deadline order and re-arms the timer for
// the earliest remaining one.
func (s *Service) passLocked(now time.Time) []*task.Task {
	var due []*task.Task
	for len(s.pending) > 0 && !s.pending[0].at.After(now) {
		e := heap.Pop(&s.pending).(*entry)
		delete(s.byTask, e.t)
		due = append(due, e.t)
	}

	if len(s.pending) == 0 {
		s.disarmLocked()
		return due
	}
	at := s.pending[0].at
	if s.timer != nil && s.timerAt.Equal(at) {
		return due
	}
	s.disarmLocked()
	ver := s.version
	s.timer = s.afterFunc(at.Sub(now), func() { s.pass(ver) })
	s.timerAt = at
	return due
}

func (s *Service) disarmLocked() {
	s.version++
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	s.timerAt = time.Time{}
}

func (s *Service) dispatch(due []*task.Task) {
	for _, t := range due {
		if err := s.exec.Submit(t, s.complete); err != nil {
			s.reportSubmitError(t.Name, err)
		}
	}
}
