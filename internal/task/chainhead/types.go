package chainhead

import (
	"errors"
	"time"

	"chainwatch/internal/task"
	"chainwatch/internal/task/worker"
)

var ErrStopped = errors.New("chain head scheduler stopped")

// Executor runs dispatched tasks. *worker.Service implements it.
type Executor interface {
	Submit(t *task.Task, done worker.Done) error
}

type State int

const (
	Idle State = iota
	Subscribing
	Active
	Unsubscribing
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Unsubscribing:
		return "unsubscribing"
	default:
		return "idle"
	}
}

type Config struct {
	// Backoff window between failed subscribe attempts.
	RetryMin time.Duration
	RetryMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMin <= 0 {
		c.RetryMin = 500 * time.Millisecond
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = max(10*time.Second, c.RetryMin)
	}
	return c
}

type Snapshot struct {
	State      string `json:"state"`
	Pending    int    `json:"pending"`
	LastSeen   uint64 `json:"last_seen"`
	Subscribes uint64 `json:"subscribes"`
}
