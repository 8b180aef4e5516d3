package indexer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/internal/chain"
	"chainwatch/internal/eventbus"
	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

// Indexer owns one source. Its task runs on a time scheduler and adjusts its
// own interval: idle when caught up, catch-up after a range, retry on error.
type Indexer struct {
	src    Source
	client chain.Client
	cps    *Checkpoints
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	t *task.Task
	// admitMu orders re-admission against Remove so a removed indexer is
	// never left pending.
	admitMu sync.Mutex
	stopped atomic.Bool

	mu   sync.Mutex
	last *Progress
}

func New(src Source, client chain.Client, cps *Checkpoints, bus eventbus.Bus, log logx.Logger) (*Indexer, error) {
	src = src.withDefaults()
	if src.Key == "" {
		return nil, fmt.Errorf("indexer source key is required")
	}
	if client == nil || cps == nil {
		return nil, fmt.Errorf("indexer %s: client and checkpoints are required", src.Key)
	}
	ix := &Indexer{
		src:    src,
		client: client,
		cps:    cps,
		bus:    bus,
		log:    log.With(logx.String("comp", "indexer"), logx.String("source", src.Key)),
		now:    time.Now,
	}
	ix.t = task.New("indexer."+src.Key, ix.run, task.WithRecurrence(task.Every(src.CatchUpInterval)))
	return ix, nil
}

func (ix *Indexer) Key() string      { return ix.src.Key }
func (ix *Indexer) Task() *task.Task { return ix.t }

// Last returns the most recent completed range, if any.
func (ix *Indexer) Last() *Progress {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.last == nil {
		return nil
	}
	p := *ix.last
	return &p
}

// run scans at most one range. A nil value means nothing was left to scan.
func (ix *Indexer) run(ctx context.Context, t *task.Task) (any, error) {
	cp, hasCP, err := ix.cps.Load(ctx, ix.src.Key)
	if err != nil {
		t.SetInterval(ix.src.RetryInterval)
		return nil, err
	}
	from := ix.src.StartBlock
	if hasCP {
		from = cp + 1
	}

	height, err := ix.height(ctx)
	if err != nil {
		t.SetInterval(ix.src.RetryInterval)
		return nil, err
	}
	if from > height {
		t.SetInterval(ix.src.IdleInterval)
		ix.log.Trace("caught up", logx.Uint64("height", height))
		return nil, nil
	}
	to := min(height, from+ix.src.MaxRange-1)

	events, err := ix.events(ctx, from, to)
	if err != nil {
		t.SetInterval(ix.src.RetryInterval)
		return nil, err
	}
	for _, ev := range events {
		if err := ix.dispatch(ctx, ev); err != nil {
			t.SetInterval(ix.src.RetryInterval)
			return nil, fmt.Errorf("range [%d,%d]: %w", from, to, err)
		}
	}
	if err := ix.cps.Save(ctx, ix.src.Key, to); err != nil {
		t.SetInterval(ix.src.RetryInterval)
		return nil, err
	}
	t.SetInterval(ix.src.CatchUpInterval)

	p := Progress{Source: ix.src.Key, From: from, To: to, Height: height, Events: len(events)}
	ix.mu.Lock()
	ix.last = &p
	ix.mu.Unlock()
	if ix.bus != nil {
		ix.bus.Publish(eventbus.Event{Type: eventbus.IndexerProgress, Time: ix.now(), Data: p})
	}
	ix.log.Debug("range indexed", logx.Range(from, to), logx.Int("events", len(events)))
	return p, nil
}

func (ix *Indexer) height(ctx context.Context) (uint64, error) {
	if ix.src.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.src.QueryTimeout)
		defer cancel()
	}
	n, err := ix.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain height: %w", err)
	}
	return n, nil
}

func (ix *Indexer) events(ctx context.Context, from, to uint64) ([]chain.Event, error) {
	if ix.src.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.src.QueryTimeout)
		defer cancel()
	}
	evs, err := ix.client.GetEvents(ctx, ix.src.Address, from, to)
	if err != nil {
		return nil, fmt.Errorf("events [%d,%d]: %w", from, to, err)
	}
	return evs, nil
}

func (ix *Indexer) dispatch(ctx context.Context, ev chain.Event) error {
	h, ok := ix.src.Handlers[ev.Type]
	if !ok {
		h = ix.src.Fallback
	}
	if h == nil {
		return nil
	}
	if err := h(ctx, ev); err != nil {
		return fmt.Errorf("handle %s at %d#%d: %w", ev.Type, ev.Block, ev.LogIndex, err)
	}
	return nil
}
