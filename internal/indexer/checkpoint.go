package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"chainwatch/internal/storage"
)

const checkpointPrefix = "checkpoint"

// Checkpoints stores the last processed block per source key as a decimal
// string under checkpoint/<key>.
type Checkpoints struct {
	mu    sync.Mutex
	store *storage.Prefixed
}

func NewCheckpoints(store storage.Store) *Checkpoints {
	p, _ := storage.WithPrefix(checkpointPrefix, store)
	return &Checkpoints{store: p}
}

// Load returns the checkpoint of key. ok is false when none was saved yet.
func (c *Checkpoints) Load(ctx context.Context, key string) (block uint64, ok bool, err error) {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse checkpoint %s=%q: %w", key, raw, err)
	}
	return n, true, nil
}

// Save persists block for key. Saving a lower block than the stored one fails
// with ErrCheckpointRegress; saving the same block is a no-op.
func (c *Checkpoints) Save(ctx context.Context, key string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok, err := c.Load(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		if block < cur {
			return fmt.Errorf("%w: %s %d -> %d", ErrCheckpointRegress, key, cur, block)
		}
		if block == cur {
			return nil
		}
	}
	if err := c.store.Put(ctx, key, []byte(strconv.FormatUint(block, 10))); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

// List returns every stored checkpoint.
func (c *Checkpoints) List(ctx context.Context) (map[string]uint64, error) {
	kvs, err := c.store.Scan(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make(map[string]uint64, len(kvs))
	for _, kv := range kvs {
		n, err := strconv.ParseUint(string(kv.Value), 10, 64)
		if err != nil {
			continue
		}
		out[kv.Key] = n
	}
	return out, nil
}
