package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chainwatch/internal/eventbus"
	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

func startQueue(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() { wg.Wait(); close(ch) }()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	const limit, total = 4, 20
	s := startQueue(t, Config{Concurrency: limit})

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < total; i++ {
		tk := task.New("slow", func(ctx context.Context, _ *task.Task) (any, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			cur.Add(-1)
			return nil, nil
		})
		if err := s.Submit(tk, func(task.Result, *task.Task) { wg.Done() }); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, &wg)
	if p := peak.Load(); p > limit {
		t.Fatalf("peak concurrency %d exceeds %d", p, limit)
	}
	if got := s.Snapshot().Completed; got != total {
		t.Fatalf("completed = %d, want %d", got, total)
	}
}

func TestFIFOWithSingleWorker(t *testing.T) {
	t.Parallel()
	s := New(Config{Concurrency: 1}, logx.Nop())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		tk := task.New("ordered", func(ctx context.Context, _ *task.Task) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
		if err := s.Submit(tk, func(task.Result, *task.Task) { wg.Done() }); err != nil {
			t.Fatal(err)
		}
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	waitFor(t, &wg)

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestDoneCalledOnceWithOutcome(t *testing.T) {
	t.Parallel()
	s := startQueue(t, Config{Concurrency: 2})

	tests := []struct {
		name    string
		fn      task.Func
		wantErr string
		wantVal any
	}{
		{name: "ok", fn: func(context.Context, *task.Task) (any, error) { return 7, nil }, wantVal: 7},
		{name: "error", fn: func(context.Context, *task.Task) (any, error) { return nil, errors.New("rpc down") }, wantErr: "rpc down"},
		{name: "error with value", fn: func(context.Context, *task.Task) (any, error) { return 5, errors.New("partial") }, wantErr: "partial"},
		{name: "panic", fn: func(context.Context, *task.Task) (any, error) { panic("boom") }, wantErr: "panic: boom"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			results := make(chan task.Result, 2)
			tk := task.New(tt.name, tt.fn)
			err := s.Submit(tk, func(res task.Result, got *task.Task) {
				calls.Add(1)
				if got != tk {
					t.Errorf("done got a different task")
				}
				results <- res
			})
			if err != nil {
				t.Fatal(err)
			}
			var res task.Result
			select {
			case res = <-results:
			case <-time.After(2 * time.Second):
				t.Fatal("done not called")
			}
			time.Sleep(20 * time.Millisecond)
			if calls.Load() != 1 {
				t.Fatalf("done called %d times", calls.Load())
			}
			st := tk.Status()
			if tt.wantErr != "" {
				if res.OK() || res.Value != nil || res.Err.Error() != tt.wantErr || st.Success || st.Err != tt.wantErr {
					t.Fatalf("res=%v status=%+v", res, st)
				}
				return
			}
			if !res.OK() || res.Value != tt.wantVal || !st.Success || st.Ended.IsZero() {
				t.Fatalf("res=%v status=%+v", res, st)
			}
		})
	}
}

func TestPanicInDoneIsRecovered(t *testing.T) {
	t.Parallel()
	s := startQueue(t, Config{Concurrency: 1})

	if err := s.Submit(task.New("a", func(context.Context, *task.Task) (any, error) { return nil, nil }),
		func(task.Result, *task.Task) { panic("handler bug") }); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	if err := s.Submit(task.New("b", func(context.Context, *task.Task) (any, error) { return nil, nil }),
		func(task.Result, *task.Task) { close(done) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking done")
	}
}

func TestLifecycleEventsAndStop(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "task.")
	defer unsub()
	s := New(Config{Concurrency: 1}, logx.Nop(), WithEventBus(bus))
	s.Start(context.Background())

	done := make(chan struct{})
	tk := task.New("evt", func(context.Context, *task.Task) (any, error) { return nil, nil })
	if err := s.Submit(tk, func(task.Result, *task.Task) { close(done) }); err != nil {
		t.Fatal(err)
	}
	<-done

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != eventbus.TaskStarted || types[1] != eventbus.TaskFinished {
		t.Fatalf("events = %v", types)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(tk, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v", err)
	}
}
