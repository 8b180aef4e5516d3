// Package chainhead dispatches tasks when the chain advances instead of on a clock.
package chainhead

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"chainwatch/internal/chain"
	rtsup "chainwatch/internal/runtime/supervisor"
	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

// Service holds tasks until the next head. The head subscription is only
// open while tasks are pending.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	exec   Executor
	source chain.HeadSource

	sup *rtsup.Supervisor

	pending  []*task.Task
	lastSeen uint64

	state State
	// epoch identifies the current subscription; goroutines holding an older
	// epoch exit without touching state.
	epoch       uint64
	cancel      func()
	resubscribe bool
	subscribes  uint64

	stopped bool
}

func New(source chain.HeadSource, exec Executor, cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "chainhead")),
		exec:   exec,
		source: source,
	}
}

// Start enables subscribing. Tasks added earlier are picked up now.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.stopped {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	if len(s.pending) > 0 && s.state == Idle {
		s.startSubscribeLocked(0)
	}
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.pending = nil
	s.epoch++
	s.state = Idle
	c, sup := s.cancel, s.sup
	s.cancel = nil
	s.mu.Unlock()

	if c != nil {
		c()
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Add admits t for the next head with a fresh id.
func (s *Service) Add(t *task.Task) error {
	if t == nil || t.Fn == nil {
		return fmt.Errorf("task Fn is nil")
	}
	t.EnsureName()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.pending = slices.DeleteFunc(s.pending, func(p *task.Task) bool { return p == t })
	t.ID = task.NewID(time.Now())
	s.pending = append(s.pending, t)

	switch s.state {
	case Idle:
		s.startSubscribeLocked(0)
	case Unsubscribing:
		s.resubscribe = true
	}
	return nil
}

func (s *Service) Remove(t *task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.pending, t)
	if i < 0 {
		name := ""
		if t != nil {
			name = t.Name
		}
		s.log.Warn("remove: task not pending", logx.String("task", name))
		return false
	}
	s.pending = slices.Delete(s.pending, i, i+1)
	if len(s.pending) == 0 && s.state == Active {
		s.unsubscribeLocked()
	}
	return true
}

func (s *Service) RemoveAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	s.pending = nil
	if s.state == Active {
		s.unsubscribeLocked()
	}
	return n
}

// BlockNumber returns the head t was dispatched for, or the last seen head.
func (s *Service) BlockNumber(t *task.Task) uint64 {
	if t != nil {
		if n := t.Block(); n > 0 {
			return n
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:      s.state.String(),
		Pending:    len(s.pending),
		LastSeen:   s.lastSeen,
		Subscribes: s.subscribes,
	}
}

// Reschedule re-admits t for the next head when its recurrence is OnHead.
func (s *Service) Reschedule(t *task.Task) error {
	if t.Recurrence().Kind() != task.KindOnHead {
		return nil
	}
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

func (s *Service) startSubscribeLocked(delay time.Duration) {
	if s.sup == nil {
		s.state = Idle
		return
	}
	s.state = Subscribing
	s.resubscribe = false
	s.epoch++
	ep := s.epoch
	s.sup.Go0("chainhead.subscribe", func(ctx context.Context) {
		s.subscribe(ctx, ep, delay)
	})
}

func (s *Service) unsubscribeLocked() {
	s.state = Unsubscribing
	c := s.cancel
	s.cancel = nil
	ep := s.epoch
	s.sup.Go0("chainhead.unsubscribe", func(context.Context) {
		if c != nil {
			c()
		}
		s.afterUnsubscribe(ep)
	})
}

func (s *Service) afterUnsubscribe(ep uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep != s.epoch || s.state != Unsubscribing {
		return
	}
	if s.resubscribe || len(s.pending) > 0 {
		s.log.Debug("resubscribing after unsubscribe", logx.Int("pending", len(s.pending)))
		s.startSubscribeLocked(0)
		return
	}
	s.state = Idle
}

func (s *Service) subscribe(ctx context.Context, ep uint64, delay time.Duration) {
	wait := s.cfg.RetryMin
	for {
		if delay > 0 && !sleepCtx(ctx, delay) {
			return
		}
		s.mu.Lock()
		if ep != s.epoch || s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.pending) == 0 {
			s.state = Idle
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		heads, cancel, err := s.source.SubscribeHeads(ctx)
		if err == nil && heads == nil {
			err = errors.New("nil head channel")
		}
		if err != nil {
			if cancel != nil {
				cancel()
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("head subscribe failed", logx.Err(err), logx.Duration("retry_in", wait))
			delay = wait
			wait = min(wait*2, s.cfg.RetryMax)
			continue
		}

		s.mu.Lock()
		if ep != s.epoch || s.stopped {
			s.mu.Unlock()
			cancel()
			return
		}
		s.state = Active
		s.cancel = cancel
		s.subscribes++
		// Work may have been removed while subscribing.
		if len(s.pending) == 0 {
			s.unsubscribeLocked()
		}
		s.mu.Unlock()
		s.log.Debug("head subscription established", logx.Uint64("epoch", ep))

		s.consume(ctx, ep, heads)
		return
	}
}

func (s *Service) consume(ctx context.Context, ep uint64, heads <-chan uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-heads:
			if !ok {
				s.onClosed(ep)
				return
			}
			s.onHead(ep, n)
		}
	}
}

// onClosed handles a head channel closed by the source rather than by us.
func (s *Service) onClosed(ep uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep != s.epoch || s.state != Active {
		return
	}
	s.cancel = nil
	if len(s.pending) == 0 {
		s.state = Idle
		return
	}
	s.log.Warn("head channel closed, resubscribing", logx.Int("pending", len(s.pending)))
	s.startSubscribeLocked(s.cfg.RetryMin)
}

func (s *Service) onHead(ep uint64, n uint64) {
	s.mu.Lock()
	if ep != s.epoch || n <= s.lastSeen {
		s.mu.Unlock()
		return
	}
	s.lastSeen = n
	due := s.pending
	s.pending = nil
	for _, t := range due {
		t.SetBlock(n)
	}
	if s.state == Active {
		s.unsubscribeLocked()
	}
	s.mu.Unlock()

	if len(due) > 0 {
		s.log.Debug("head dispatch", logx.Block(n), logx.Int("tasks", len(due)))
	}
	for _, t := range due {
		if err := s.exec.Submit(t, s.complete); err != nil {
			s.log.Warn("chain head scheduler failed to submit task", logx.String("task", t.Name), logx.Err(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
