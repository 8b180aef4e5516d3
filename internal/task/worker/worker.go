package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"chainwatch/internal/eventbus"
	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		// Drain before sleeping so a single wake-up is never lost.
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			default:
			}
			q, ok := s.pop()
			if !ok {
				break
			}
			s.execOne(ctx, q)
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.notify:
		}
	}
}

func (s *Service) execOne(ctx context.Context, q queued) {
	t := q.t
	start := s.now()
	queueDelay := max(start.Sub(q.enqueuedAt), 0)

	s.running.Add(1)
	t.MarkStarted(start)
	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Block: t.Block()})

	var (
		value any
		err   error
	)
	// Task panics become errors so a bad task can't kill a worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		value, err = t.Fn(ctx, t)
		if err != nil {
			value = nil
		}
	}()

	end := s.now()
	dur := end.Sub(start)
	t.MarkFinished(end, err)
	s.running.Add(-1)

	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Block: t.Block()}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TaskFinished, ev)
	}
	s.record(item)
	s.metrics.Record(ctx, t.Name, queueDelay, dur, err)

	s.complete(q.done, task.Result{Value: value, Err: err}, t)
}

func (s *Service) complete(done Done, res task.Result, t *task.Task) {
	if done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.done.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	done(res, t)
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
