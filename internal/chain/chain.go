// Package chain defines what chainwatch needs from a blockchain node.
package chain

import "context"

// Event is one decoded log entry.
type Event struct {
	Type     string         `json:"type"`
	Address  string         `json:"address"`
	Block    uint64         `json:"block"`
	TxHash   string         `json:"tx_hash"`
	LogIndex uint           `json:"log_index"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// HeadSource delivers new chain head numbers until cancel is called or the
// channel is closed by the source.
type HeadSource interface {
	SubscribeHeads(ctx context.Context) (heads <-chan uint64, cancel func(), err error)
}

type HeightReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// LogQuerier returns decoded events emitted by address in [from, to].
type LogQuerier interface {
	GetEvents(ctx context.Context, address string, from, to uint64) ([]Event, error)
}

// Client is the full RPC surface the indexer consumes.
type Client interface {
	HeightReader
	LogQuerier
}
