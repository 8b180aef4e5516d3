package scheduler

import (
	"errors"
	"time"

	"chainwatch/internal/task"
	"chainwatch/internal/task/worker"
)

var ErrStopped = errors.New("scheduler stopped")

// Executor runs due tasks. *worker.Service implements it.
type Executor interface {
	Submit(t *task.Task, done worker.Done) error
}

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a timer. Defaults to time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

type TaskInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	NextRun    time.Time `json:"next_run"`
	Recurrence string    `json:"recurrence"`
}

type Snapshot struct {
	Pending    int        `json:"pending"`
	NextWake   time.Time  `json:"next_wake"`
	TimerArmed bool       `json:"timer_armed"`
	Tasks      []TaskInfo `json:"tasks"`
}

type entry struct {
	t     *task.Task
	at    time.Time
	seq   uint64
	index int
}

// pendingHeap orders entries by deadline, then admission order.
type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
