package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/internal/eventbus"
	"chainwatch/internal/observability/metrics"
	rtsup "chainwatch/internal/runtime/supervisor"
	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

// Service is a FIFO queue drained by a fixed number of workers.
// The wait list is unbounded; Submit never blocks.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Tasks

	queue   []queued
	notify  chan struct{}
	stopped bool

	sup    *rtsup.Supervisor
	stopCh chan struct{}

	running   atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

type Option func(*Service)

func WithEventBus(bus eventbus.Bus) Option  { return func(s *Service) { s.bus = bus } }
func WithMetrics(m *metrics.Tasks) Option   { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "worker")),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the workers. Tasks submitted before Start wait in the queue.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, stopCh, n := s.sup, s.stopCh, s.cfg.Concurrency
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.loop(c, stopCh)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishErrors(true))
	}
	s.log.Info("worker queue started", logx.Int("concurrency", n))
}

// Stop prevents new submissions and waits for running tasks to return.
// Queued tasks that never started are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	dropped := len(s.queue)
	s.queue = nil
	sup, stopCh := s.sup, s.stopCh
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	close(stopCh)
	err := sup.Wait(ctx)
	// Past the deadline, cancel whatever is still running.
	sup.Cancel()
	if ctx.Err() != nil {
		s.log.Warn("worker queue stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
	s.log.Info("worker queue stopped", logx.Int("dropped", dropped))
	return err
}

// Submit appends t to the queue. done is called exactly once after t.Fn returns.
func (s *Service) Submit(t *task.Task, done Done) error {
	if t == nil || t.Fn == nil {
		return fmt.Errorf("task Fn is nil")
	}
	t.EnsureName()
	now := s.now()
	if t.ID == "" {
		t.ID = task.NewID(now)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queue = append(s.queue, queued{t: t, done: done, enqueuedAt: now})
	s.mu.Unlock()

	s.wake()
	return nil
}

func (s *Service) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes the head of the queue. It re-signals when more work remains so
// another idle worker picks it up.
func (s *Service) pop() (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.stopped {
		return queued{}, false
	}
	q := s.queue[0]
	s.queue[0] = queued{}
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.wake()
	}
	return q, true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	waiting := len(s.queue)
	n := s.cfg.Concurrency
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Concurrency: n,
		Running:     int(s.running.Load()),
		Waiting:     waiting,
		Completed:   s.completed.Load(),
		Failed:      s.failed.Load(),
		History:     h,
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
