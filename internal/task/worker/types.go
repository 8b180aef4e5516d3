package worker

import (
	"errors"
	"time"

	"chainwatch/internal/task"
)

var ErrStopped = errors.New("worker queue stopped")

// Config controls the execution pool.
type Config struct {
	// Concurrency is the maximum number of tasks running at once (default 4).
	Concurrency int
	// HistorySize bounds the ring of recent executions kept for Snapshot (default 200).
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Done receives the outcome of one execution. It is called exactly once per Submit.
type Done func(res task.Result, t *task.Task)

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Block      uint64        `json:"block,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Concurrency int           `json:"concurrency"`
	Running     int           `json:"running"`
	Waiting     int           `json:"waiting"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
	History     []HistoryItem `json:"history"`
}

type queued struct {
	t          *task.Task
	done       Done
	enqueuedAt time.Time
}
