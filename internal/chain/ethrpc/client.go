// Package ethrpc implements the chain interfaces over Ethereum JSON-RPC.
package ethrpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"chainwatch/internal/chain"
	logx "chainwatch/pkg/logx"
)

type Config struct {
	URL string
	// HeightTTL bounds how stale a cached BlockNumber may be (default 1s).
	HeightTTL time.Duration
	// LogRatePerSec limits eth_getLogs calls (default 10).
	LogRatePerSec int
	// ABIs are contract ABI JSON documents used to decode event logs.
	ABIs []string
}

// Backend is the subset of *ethclient.Client the adapter uses.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type Client struct {
	rpc     Backend
	closer  func()
	log     logx.Logger
	cache   *cache.Cache
	group   singleflight.Group
	limiter *rate.Limiter
	events  map[common.Hash]abi.Event
}

var _ chain.Client = (*Client)(nil)

const (
	heightKey     = "height"
	heightTimeout = 10 * time.Second
)

// Dial connects to cfg.URL.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("chain.url is required")
	}
	ec, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	c, err := New(ec, cfg, log)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

func New(rpc Backend, cfg Config, log logx.Logger) (*Client, error) {
	if cfg.HeightTTL <= 0 {
		cfg.HeightTTL = time.Second
	}
	if cfg.LogRatePerSec <= 0 {
		cfg.LogRatePerSec = 10
	}
	events := map[common.Hash]abi.Event{}
	for i, doc := range cfg.ABIs {
		parsed, err := abi.JSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("abi %d: %w", i, err)
		}
		for _, ev := range parsed.Events {
			events[ev.ID] = ev
		}
	}
	return &Client{
		rpc:     rpc,
		log:     log.With(logx.String("comp", "ethrpc")),
		cache:   cache.New(cfg.HeightTTL, 2*cfg.HeightTTL),
		limiter: rate.NewLimiter(rate.Limit(cfg.LogRatePerSec), cfg.LogRatePerSec),
		events:  events,
	}, nil
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// BlockNumber returns the chain height. Concurrent callers share one RPC and
// results are reused for HeightTTL. The shared call is detached from any one
// caller's cancellation; each caller still stops waiting when its ctx ends.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if v, ok := c.cache.Get(heightKey); ok {
		return v.(uint64), nil
	}
	ch := c.group.DoChan(heightKey, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), heightTimeout)
		defer cancel()
		n, err := c.rpc.BlockNumber(callCtx)
		if err != nil {
			return uint64(0), fmt.Errorf("eth_blockNumber: %w", err)
		}
		c.cache.Set(heightKey, n, cache.DefaultExpiration)
		return n, nil
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(uint64), nil
	}
}

// GetEvents returns decoded logs of address in [from, to].
func (c *Client) GetEvents(ctx context.Context, address string, from, to uint64) ([]chain.Event, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}
	if address != "" {
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("invalid address %q", address)
		}
		q.Addresses = []common.Address{common.HexToAddress(address)}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.rpc.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs [%d,%d]: %w", from, to, err)
	}

	out := make([]chain.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := c.decode(lg)
		if err != nil {
			return nil, fmt.Errorf("decode log %s#%d: %w", lg.TxHash.Hex(), lg.Index, err)
		}
		out = append(out, ev)
	}
	c.log.Debug("logs fetched", logx.String("address", address), logx.Range(from, to), logx.Int("count", len(out)))
	return out, nil
}

func (c *Client) decode(lg types.Log) (chain.Event, error) {
	ev := chain.Event{
		Address:  lg.Address.Hex(),
		Block:    lg.BlockNumber,
		TxHash:   lg.TxHash.Hex(),
		LogIndex: lg.Index,
	}
	if len(lg.Topics) == 0 {
		return ev, nil
	}
	def, ok := c.events[lg.Topics[0]]
	if !ok {
		// Unknown events keep their signature hash as type.
		ev.Type = lg.Topics[0].Hex()
		return ev, nil
	}
	ev.Type = def.Name

	fields := map[string]any{}
	if len(lg.Data) > 0 {
		if err := def.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
			return ev, err
		}
	}
	var indexed abi.Arguments
	for _, in := range def.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
			return ev, err
		}
	}
	for k, v := range fields {
		fields[k] = normalize(v)
	}
	ev.Fields = fields
	return ev, nil
}

// normalize turns ABI values into JSON-friendly scalars.
func normalize(v any) any {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case [32]byte:
		return common.Hash(x).Hex()
	case []byte:
		return "0x" + common.Bytes2Hex(x)
	default:
		return v
	}
}
