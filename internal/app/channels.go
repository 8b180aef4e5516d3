package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"

	"chainwatch/internal/storage"
	"chainwatch/internal/subscription"
)

const (
	channelChainHead     = "chain.head"
	channelIndexerStatus = "indexer.status"
	channelStoreKey      = "store.key"
	channelStorePrefix   = "store.prefix"

	roomChainHead       = "chain.head"
	roomIndexerProgress = "indexer.progress"

	defaultPrefixLimit = 100
)

type keyArgs struct {
	Key string `json:"key"`
}

type prefixArgs struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit,omitempty"`
}

type entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// channelDefaults are shared by the time-triggered built-in channels.
type channelDefaults struct {
	interval time.Duration
	timeout  time.Duration
	onError  subscription.FailurePolicy
}

func (a *App) registerChannels(reg *subscription.Registry, d channelDefaults) error {
	chans := []subscription.Channel{
		{
			Name:     channelStoreKey,
			Interval: d.interval,
			Timeout:  d.timeout,
			OnError:  d.onError,
			Validate: func(args json.RawMessage) (any, error) {
				var p keyArgs
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				if strings.TrimSpace(p.Key) == "" {
					return nil, subscription.Invalid("key", "required")
				}
				return p, nil
			},
			Query: func(ctx context.Context, params any) (any, error) {
				key := params.(keyArgs).Key
				v, err := a.store.Get(ctx, key)
				if errors.Is(err, storage.ErrKeyNotFound) {
					return map[string]any{"key": key, "found": false}, nil
				}
				if err != nil {
					return nil, err
				}
				return map[string]any{"key": key, "found": true, "value": decodeValue(v)}, nil
			},
		},
		{
			Name:     channelStorePrefix,
			Interval: d.interval,
			Timeout:  d.timeout,
			OnError:  d.onError,
			Validate: func(args json.RawMessage) (any, error) {
				var p prefixArgs
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				if strings.TrimSpace(p.Prefix) == "" {
					return nil, subscription.Invalid("prefix", "required")
				}
				if p.Limit < 0 {
					return nil, subscription.Invalid("limit", "must be >= 0")
				}
				if p.Limit == 0 {
					p.Limit = defaultPrefixLimit
				}
				return p, nil
			},
			Query: func(ctx context.Context, params any) (any, error) {
				p := params.(prefixArgs)
				kvs, err := a.store.Scan(ctx, p.Prefix)
				if err != nil {
					return nil, err
				}
				total := len(kvs)
				if total > p.Limit {
					kvs = kvs[total-p.Limit:]
				}
				entries := lo.Map(kvs, func(kv storage.KV, _ int) entry {
					return entry{Key: kv.Key, Value: decodeValue(kv.Value)}
				})
				return map[string]any{"prefix": p.Prefix, "total": total, "entries": entries}, nil
			},
		},
	}
	if a.indexers != nil {
		chans = append(chans, subscription.Channel{
			Name:     channelIndexerStatus,
			Interval: d.interval,
			Timeout:  d.timeout,
			OnError:  d.onError,
			Query: func(ctx context.Context, _ any) (any, error) {
				return a.indexers.Status(ctx)
			},
		})
	}
	if a.heads != nil {
		chans = append(chans, subscription.Channel{
			Name:    channelChainHead,
			Trigger: subscription.TriggerChainHead,
			OnError: d.onError,
			Query: func(context.Context, any) (any, error) {
				return map[string]uint64{"block": a.heads.Snapshot().LastSeen}, nil
			},
		})
	}
	for _, ch := range chans {
		if err := reg.Register(ch); err != nil {
			return err
		}
	}
	return nil
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return subscription.Invalid("", "args are required")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return subscription.Invalid("", err.Error())
	}
	return nil
}

// decodeValue returns stored JSON as-is and anything else as a string.
func decodeValue(v []byte) any {
	if json.Valid(v) {
		return json.RawMessage(v)
	}
	return string(v)
}
