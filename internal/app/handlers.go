package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chainwatch/internal/chain"
	"chainwatch/internal/eventbus"
	"chainwatch/internal/indexer"
	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

const eventsPrefix = "events"

// eventKey orders events of a source by block and log index under a plain
// lexicographic scan.
func eventKey(source string, block uint64, logIndex uint) string {
	return fmt.Sprintf("%s/%020d/%06d", source, block, logIndex)
}

func eventBlock(key string) (uint64, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 3 {
		return 0, false
	}
	n, err := strconv.ParseUint(parts[len(parts)-2], 10, 64)
	return n, err == nil
}

// storeEvents persists every event of source under events/<source>/...
// Writes overwrite, so redelivered ranges are harmless.
func (a *App) storeEvents(source string) indexer.Handler {
	return func(ctx context.Context, ev chain.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return a.events.Put(ctx, eventKey(source, ev.Block, ev.LogIndex), b)
	}
}

// compactEvents drops stored events more than keep blocks below each
// source's checkpoint.
func (a *App) compactEvents(keep uint64) task.Func {
	return func(ctx context.Context, t *task.Task) (any, error) {
		if a.indexers == nil {
			return 0, nil
		}
		cps, err := a.indexers.Checkpoints().List(ctx)
		if err != nil {
			return nil, err
		}
		removed := 0
		for source, cp := range cps {
			if cp <= keep {
				continue
			}
			cutoff := cp - keep
			kvs, err := a.events.Scan(ctx, source+"/")
			if err != nil {
				return removed, err
			}
			for _, kv := range kvs {
				block, ok := eventBlock(kv.Key)
				if !ok || block >= cutoff {
					continue
				}
				if err := a.events.Del(ctx, kv.Key); err != nil {
					return removed, err
				}
				removed++
			}
		}
		if removed > 0 {
			a.bus.Publish(eventbus.Event{Type: eventbus.StoreChanged, Time: time.Now(), Data: eventsPrefix})
			a.log.Info("events compacted", logx.String("job", t.Name), logx.Int("removed", removed))
		}
		return removed, nil
	}
}

// forwardEvents turns bus events into room broadcasts and subscription
// refreshes until ctx is done.
func (a *App) forwardEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(256, eventbus.ChainHead, eventbus.IndexerProgress, eventbus.StoreChanged)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.ChainHead:
				a.hub.Broadcast(roomChainHead, channelChainHead, ev.Data)
			case eventbus.IndexerProgress:
				a.hub.Broadcast(roomIndexerProgress, eventbus.IndexerProgress, ev.Data)
				a.subs.Refresh(channelIndexerStatus)
				if p, ok := ev.Data.(indexer.Progress); ok && p.Events > 0 {
					a.refreshStore()
				}
			case eventbus.StoreChanged:
				a.refreshStore()
			}
		}
	}
}

func (a *App) refreshStore() {
	a.subs.Refresh(channelStoreKey)
	a.subs.Refresh(channelStorePrefix)
}
