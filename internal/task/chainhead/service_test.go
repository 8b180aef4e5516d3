package chainhead

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chainwatch/internal/task"
	"chainwatch/internal/task/worker"
	logx "chainwatch/pkg/logx"
)

// fakeSource hands out buffered head channels; the first failN attempts fail.
type fakeSource struct {
	mu      sync.Mutex
	failN   int
	chans   []chan uint64
	cancels int
}

func (f *fakeSource) SubscribeHeads(ctx context.Context) (<-chan uint64, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return nil, nil, errors.New("node unavailable")
	}
	ch := make(chan uint64, 8)
	f.chans = append(f.chans, ch)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.cancels++
			f.mu.Unlock()
			close(ch)
		})
	}, nil
}

func (f *fakeSource) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chans)
}

func (f *fakeSource) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeSource) current() chan uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chans[len(f.chans)-1]
}

// closeCurrent simulates the source dropping the connection.
func (f *fakeSource) closeCurrent() {
	f.mu.Lock()
	ch := f.chans[len(f.chans)-1]
	f.mu.Unlock()
	close(ch)
}

type syncExec struct {
	mu     sync.Mutex
	blocks []uint64
}

func (e *syncExec) Submit(t *task.Task, done worker.Done) error {
	e.mu.Lock()
	e.blocks = append(e.blocks, t.Block())
	e.mu.Unlock()
	v, err := t.Fn(context.Background(), t)
	done(task.Result{Value: v, Err: err}, t)
	return nil
}

func (e *syncExec) Blocks() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.blocks...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noop(context.Context, *task.Task) (any, error) { return nil, nil }

func newService(t *testing.T, src *fakeSource, exec Executor) *Service {
	t.Helper()
	s := New(src, exec, Config{RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func isActive(s *Service) func() bool {
	return func() bool { return s.Snapshot().State == Active.String() }
}

func TestSubscribesOnlyWhileWorkIsPending(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	exec := &syncExec{}
	s := newService(t, src, exec)

	if s.Snapshot().State != Idle.String() || src.subscriptions() != 0 {
		t.Fatal("must not subscribe without pending work")
	}
	tk := task.New("once", noop)
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	eventually(t, "active subscription", isActive(s))

	src.current() <- 7
	eventually(t, "dispatch", func() bool { return len(exec.Blocks()) == 1 })
	if got := exec.Blocks()[0]; got != 7 {
		t.Fatalf("dispatched for block %d, want 7", got)
	}
	if s.BlockNumber(tk) != 7 {
		t.Fatalf("BlockNumber = %d", s.BlockNumber(tk))
	}
	eventually(t, "idle after drain", func() bool { return s.Snapshot().State == Idle.String() })
	if n := src.cancelCount(); n != 1 {
		t.Fatalf("cancels = %d, want 1", n)
	}
}

func TestStaleHeadsIgnored(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	exec := &syncExec{}
	s := newService(t, src, exec)

	tk := task.New("head", noop, task.WithRecurrence(task.OnHead()))
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	eventually(t, "active", isActive(s))
	src.current() <- 10
	eventually(t, "first run", func() bool { return len(exec.Blocks()) == 1 })

	// The task re-admits itself; wait for the new subscription.
	eventually(t, "resubscribed", func() bool { return src.subscriptions() == 2 && s.Snapshot().State == Active.String() })
	src.current() <- 10
	src.current() <- 9
	src.current() <- 11
	eventually(t, "second run", func() bool { return len(exec.Blocks()) == 2 })

	if got := exec.Blocks(); got[0] != 10 || got[1] != 11 {
		t.Fatalf("blocks = %v, want [10 11]", got)
	}
	if s.Snapshot().LastSeen != 11 {
		t.Fatalf("LastSeen = %d", s.Snapshot().LastSeen)
	}
}

func TestAllPendingTasksDrainOnOneHead(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	exec := &syncExec{}
	s := newService(t, src, exec)

	for i := 0; i < 5; i++ {
		if err := s.Add(task.New("t", noop)); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "active", isActive(s))
	src.current() <- 3
	eventually(t, "all dispatched", func() bool { return len(exec.Blocks()) == 5 })
	if s.Len() != 0 {
		t.Fatalf("pending = %d", s.Len())
	}
}

func TestSubscribeRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	src := &fakeSource{failN: 3}
	s := newService(t, src, &syncExec{})
	if err := s.Add(task.New("t", noop)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "active after retries", isActive(s))
	if s.Snapshot().Subscribes != 1 {
		t.Fatalf("subscribes = %d", s.Snapshot().Subscribes)
	}
}

func TestResubscribesWhenSourceClosesChannel(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	exec := &syncExec{}
	s := newService(t, src, exec)
	if err := s.Add(task.New("t", noop)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "active", isActive(s))
	src.closeCurrent()
	eventually(t, "second subscription", func() bool { return src.subscriptions() == 2 && s.Snapshot().State == Active.String() })

	src.current() <- 1
	eventually(t, "dispatch after reconnect", func() bool { return len(exec.Blocks()) == 1 })
}

func TestRemoveLastTaskUnsubscribes(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	s := newService(t, src, &syncExec{})
	tk := task.New("t", noop)
	if err := s.Add(tk); err != nil {
		t.Fatal(err)
	}
	eventually(t, "active", isActive(s))
	if !s.Remove(tk) {
		t.Fatal("Remove returned false")
	}
	eventually(t, "idle", func() bool { return s.Snapshot().State == Idle.String() })
	if s.Remove(tk) {
		t.Fatal("second Remove must report absence")
	}
}

func TestStopRejectsAdd(t *testing.T) {
	t.Parallel()
	s := New(&fakeSource{}, &syncExec{}, Config{}, logx.Nop())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(task.New("t", noop)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Add after Stop = %v", err)
	}
}
