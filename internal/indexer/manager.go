package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chainwatch/internal/chain"
	"chainwatch/internal/eventbus"
	"chainwatch/internal/storage"
	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

// Manager runs one Indexer per source key on a shared scheduler.
type Manager struct {
	sched  Scheduler
	client chain.Client
	cps    *Checkpoints
	bus    eventbus.Bus
	log    logx.Logger

	mu       sync.Mutex
	indexers map[string]*Indexer
}

func NewManager(sched Scheduler, client chain.Client, store storage.Store, bus eventbus.Bus, log logx.Logger) *Manager {
	return &Manager{
		sched:    sched,
		client:   client,
		cps:      NewCheckpoints(store),
		bus:      bus,
		log:      log,
		indexers: make(map[string]*Indexer),
	}
}

func (m *Manager) Checkpoints() *Checkpoints { return m.cps }

// Add builds the indexer for src and admits its task.
func (m *Manager) Add(src Source) (*Indexer, error) {
	ix, err := New(src, m.client, m.cps, m.bus, m.log)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.indexers[ix.Key()]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, ix.Key())
	}
	m.indexers[ix.Key()] = ix
	m.mu.Unlock()

	ix.Task().Handler = func(res task.Result, t *task.Task) { m.readmit(ix, t) }

	if err := m.sched.Add(ix.Task()); err != nil {
		m.mu.Lock()
		delete(m.indexers, ix.Key())
		m.mu.Unlock()
		return nil, fmt.Errorf("admit indexer %s: %w", ix.Key(), err)
	}
	m.log.Info("indexer started", logx.String("source", ix.Key()), logx.String("address", ix.src.Address), logx.Uint64("start_block", ix.src.StartBlock))
	return ix, nil
}

// readmit schedules the next run after the interval the run chose for itself.
func (m *Manager) readmit(ix *Indexer, t *task.Task) {
	ix.admitMu.Lock()
	defer ix.admitMu.Unlock()
	if ix.stopped.Load() {
		return
	}
	t.NextRun = time.Now().Add(t.Interval())
	if err := m.sched.Add(t); err != nil {
		m.log.Warn("indexer not re-admitted", logx.String("source", ix.Key()), logx.Err(err))
	}
}

// Remove stops future runs of key. A run in flight completes and is not
// re-admitted.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	ix, ok := m.indexers[key]
	delete(m.indexers, key)
	m.mu.Unlock()
	if !ok {
		return false
	}
	ix.admitMu.Lock()
	ix.stopped.Store(true)
	m.sched.Remove(ix.Task())
	ix.admitMu.Unlock()
	m.log.Info("indexer removed", logx.String("source", key))
	return true
}

// Stop removes every indexer.
func (m *Manager) Stop() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.indexers))
	for k := range m.indexers {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.Remove(k)
	}
}

// Status lists every registered source with its stored checkpoint.
func (m *Manager) Status(ctx context.Context) ([]SourceStatus, error) {
	cps, err := m.cps.List(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]SourceStatus, 0, len(m.indexers))
	for key, ix := range m.indexers {
		cp, ok := cps[key]
		out = append(out, SourceStatus{
			Key:        key,
			Address:    ix.src.Address,
			Checkpoint: cp,
			HasCP:      ok,
			Interval:   ix.Task().Interval(),
			Last:       ix.Last(),
			Task:       ix.Task().Status(),
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
