package task

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Func is the body of a task. It receives the task itself so it can adjust
// Data or the recurrence interval before completing.
type Func func(ctx context.Context, t *Task) (any, error)

// Handler is called once per execution with the outcome. When set it owns
// re-admission; the scheduler default is not applied.
type Handler func(res Result, t *Task)

// Result is the outcome of one execution.
type Result struct {
	Value any
	Err   error
}

func (r Result) OK() bool { return r.Err == nil }

// Task is a schedulable unit of work.
type Task struct {
	ID      string
	Name    string
	Fn      Func
	Handler Handler
	// NextRun is the earliest time the task may run. Zero means now.
	NextRun time.Time
	Data    any

	mu      sync.Mutex
	rec     Recurrence
	running bool
	success bool
	err     error
	started time.Time
	ended   time.Time
	block   uint64
}

// Status is a point-in-time copy of the task's execution bookkeeping.
type Status struct {
	Running bool      `json:"running"`
	Success bool      `json:"success"`
	Err     string    `json:"err,omitempty"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
	Block   uint64    `json:"block,omitempty"`
}

type Option func(*Task)

func WithRecurrence(r Recurrence) Option { return func(t *Task) { t.rec = r } }
func WithHandler(h Handler) Option       { return func(t *Task) { t.Handler = h } }
func WithData(v any) Option              { return func(t *Task) { t.Data = v } }
func At(when time.Time) Option           { return func(t *Task) { t.NextRun = when } }

// New builds a task. An empty name falls back to the function's name.
func New(name string, fn Func, opts ...Option) *Task {
	t := &Task{Name: strings.TrimSpace(name), Fn: fn}
	for _, o := range opts {
		o(t)
	}
	t.EnsureName()
	return t
}

// EnsureName fills Name from Fn when unset.
func (t *Task) EnsureName() {
	if strings.TrimSpace(t.Name) != "" {
		return
	}
	t.Name = funcName(t.Fn)
}

var reClosure = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

func funcName(fn Func) string {
	if fn == nil {
		return "(anonymous)"
	}
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "(anonymous)"
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	// Closures are named pkg.fn.func1; they carry no useful label.
	if name == "" || reClosure.MatchString(name) {
		return "(anonymous)"
	}
	return name
}

func (t *Task) Recurrence() Recurrence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

func (t *Task) SetRecurrence(r Recurrence) {
	t.mu.Lock()
	t.rec = r
	t.mu.Unlock()
}

// SetInterval switches the task to a fixed-interval recurrence.
func (t *Task) SetInterval(d time.Duration) { t.SetRecurrence(Every(d)) }

// Interval returns the current interval, or 0 when the recurrence is not Every.
func (t *Task) Interval() time.Duration { return t.Recurrence().Interval() }

// MarkStarted is called by the executor right before Fn runs.
func (t *Task) MarkStarted(now time.Time) {
	t.mu.Lock()
	t.running = true
	t.success = false
	t.err = nil
	t.started = now
	t.ended = time.Time{}
	t.mu.Unlock()
}

// MarkFinished records the outcome of an execution.
func (t *Task) MarkFinished(now time.Time, err error) {
	t.mu.Lock()
	t.running = false
	t.success = err == nil
	t.err = err
	t.ended = now
	t.mu.Unlock()
}

func (t *Task) SetBlock(n uint64) {
	t.mu.Lock()
	t.block = n
	t.mu.Unlock()
}

// Block returns the head number the task was dispatched for, or 0.
func (t *Task) Block() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.block
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		Running: t.running,
		Success: t.success,
		Started: t.started,
		Ended:   t.ended,
		Block:   t.block,
	}
	if t.err != nil {
		st.Err = t.err.Error()
	}
	return st
}

// DataOf returns t.Data as *T, or nil when it holds something else.
func DataOf[T any](t *Task) *T {
	if t == nil {
		return nil
	}
	v, _ := t.Data.(*T)
	return v
}

var idSeq atomic.Uint64

// NewID returns a short id that is unique within the process.
func NewID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), idSeq.Add(1))
}
