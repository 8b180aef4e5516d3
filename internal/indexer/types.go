// Package indexer scans contract event logs in bounded block ranges and
// persists a per-source checkpoint after every fully dispatched range.
package indexer

import (
	"context"
	"errors"
	"strings"
	"time"

	"chainwatch/internal/chain"
	"chainwatch/internal/task"
)

var (
	ErrDuplicateSource = errors.New("indexer source already registered")
	// ErrCheckpointRegress is returned when a save would move a checkpoint backwards.
	ErrCheckpointRegress = errors.New("checkpoint must not decrease")
)

// Handler processes one decoded event. It must be idempotent: a range is
// redelivered when any event in it fails or the process restarts mid-range.
type Handler func(ctx context.Context, ev chain.Event) error

// Scheduler admits recurring tasks. *scheduler.Service satisfies it.
type Scheduler interface {
	Add(t *task.Task) error
	Remove(t *task.Task) bool
}

type Source struct {
	// Key names the checkpoint. Exactly one indexer may own a key.
	Key        string
	Address    string
	StartBlock uint64
	MaxRange   uint64

	IdleInterval    time.Duration
	CatchUpInterval time.Duration
	RetryInterval   time.Duration
	// QueryTimeout bounds each RPC call of a run. Zero disables it.
	QueryTimeout time.Duration

	// Handlers are keyed by event type; Fallback gets everything else.
	Handlers map[string]Handler
	Fallback Handler
}

func (s Source) withDefaults() Source {
	s.Key = strings.TrimSpace(s.Key)
	if s.MaxRange == 0 {
		s.MaxRange = 10_000
	}
	if s.IdleInterval <= 0 {
		s.IdleInterval = 5 * time.Second
	}
	if s.CatchUpInterval <= 0 {
		s.CatchUpInterval = 100 * time.Millisecond
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = time.Second
	}
	return s
}

// Progress describes one completed range. It is the task result value and
// the payload of indexer.progress events.
type Progress struct {
	Source string `json:"source"`
	From   uint64 `json:"from"`
	To     uint64 `json:"to"`
	Height uint64 `json:"height"`
	Events int    `json:"events"`
}

type SourceStatus struct {
	Key        string        `json:"key"`
	Address    string        `json:"address"`
	Checkpoint uint64        `json:"checkpoint"`
	HasCP      bool          `json:"has_checkpoint"`
	Interval   time.Duration `json:"interval"`
	Last       *Progress     `json:"last,omitempty"`
	Task       task.Status   `json:"task"`
}
