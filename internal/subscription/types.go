// Package subscription re-evaluates channel queries on a scheduler and
// notifies sessions only when the result changed.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainwatch/internal/task"
)

var (
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrDuplicateChannel = errors.New("channel already registered")
	ErrEmitterClosed    = errors.New("emitter closed")
)

// ValidationError rejects subscription arguments before anything is scheduled.
type ValidationError struct {
	Channel string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid args: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("%s: invalid %s: %s", e.Channel, e.Field, e.Reason)
}

// Invalid is a shorthand for channel validators.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type Trigger int

const (
	// TriggerTime re-evaluates every Channel.Interval.
	TriggerTime Trigger = iota
	// TriggerChainHead re-evaluates on every new block.
	TriggerChainHead
)

func (t Trigger) String() string {
	if t == TriggerChainHead {
		return "chain_head"
	}
	return "time"
}

// FailurePolicy decides what happens to a subscription whose refresh failed.
type FailurePolicy int

const (
	// Continue skips the cycle and retries on the next trigger.
	Continue FailurePolicy = iota
	// Stop ends the subscription and tells the session why.
	Stop
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return Continue, nil
	case "stop":
		return Stop, nil
	default:
		return Continue, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Channel is a registered query type.
type Channel struct {
	Name     string
	Trigger  Trigger
	Interval time.Duration
	// Timeout bounds a single query. Zero means none.
	Timeout time.Duration
	OnError FailurePolicy

	// Validate turns raw args into the params passed to Query and Release.
	// Nil accepts any args and passes them through unchanged.
	Validate func(args json.RawMessage) (any, error)
	Query    func(ctx context.Context, params any) (any, error)
	// Release frees channel resources held for params. Optional.
	Release func(params any)
}

// Emitter delivers notifications to one client session.
type Emitter interface {
	Emit(event string, payload any) error
}

// closer is implemented by emitters with a lifetime, such as transport
// sessions. A subscription whose emitter is done is cancelled.
type closer interface {
	Done() <-chan struct{}
}

func emitterClosed(em Emitter) bool {
	c, ok := em.(closer)
	if !ok {
		return false
	}
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// advancer is implemented by schedulers that can pull a pending task forward
// without removing it.
type advancer interface {
	Advance(t *task.Task) bool
}

// Scheduler admits and removes refresh tasks.
type Scheduler interface {
	Add(t *task.Task) error
	Remove(t *task.Task) bool
}

// Ack answers a successful subscribe.
type Ack struct {
	ID      string `json:"subscriptionId"`
	Initial any    `json:"initialResult"`
}

// Update is the payload emitted when a subscription's result changed.
type Update struct {
	ID      string `json:"subscriptionId"`
	Channel string `json:"channel"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Info struct {
	ID       string      `json:"id"`
	Channel  string      `json:"channel"`
	Session  string      `json:"session"`
	Hash     uint64      `json:"hash"`
	Emits    int64       `json:"emits"`
	Failures int64       `json:"failures"`
	Task     task.Status `json:"task"`
}

type Snapshot struct {
	Channels      []string `json:"channels"`
	Subscriptions []Info   `json:"subscriptions"`
}
