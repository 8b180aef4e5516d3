package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"chainwatch/internal/task"
)

// Config is the chainwatch configuration file. Durations are Go duration
// strings ("500ms", "5s", "1m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Workers       WorkersConfig       `json:"workers"`
	ChainHead     ChainHeadConfig     `json:"chain_head"`
	Chain         ChainConfig         `json:"chain"`
	Storage       StorageConfig       `json:"storage"`
	Indexer       IndexerConfig       `json:"indexer"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	HTTP          HTTPConfig          `json:"http"`
	Metrics       MetricsConfig       `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WorkersConfig sizes the shared worker queue.
type WorkersConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

type ChainHeadConfig struct {
	RetryMin string `json:"retry_min,omitempty"`
	RetryMax string `json:"retry_max,omitempty"`
}

// ChainConfig selects the JSON-RPC endpoint. An empty rpc_url disables the
// chain head scheduler and the indexer.
type ChainConfig struct {
	RPCURL        string   `json:"rpc_url"`
	PollInterval  string   `json:"poll_interval,omitempty"`
	HeightTTL     string   `json:"height_ttl,omitempty"`
	LogRatePerSec int      `json:"log_rate_per_sec,omitempty"`
	ABIFiles      []string `json:"abi_files,omitempty"`
}

// StorageConfig selects the KV driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chainwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type IndexerConfig struct {
	Sources []SourceConfig `json:"sources"`
}

type SourceConfig struct {
	Key        string `json:"key"`
	Address    string `json:"address"`
	StartBlock uint64 `json:"start_block"`
	MaxRange   uint64 `json:"max_range,omitempty"`

	IdleInterval    string `json:"idle_interval,omitempty"`
	CatchUpInterval string `json:"catch_up_interval,omitempty"`
	RetryInterval   string `json:"retry_interval,omitempty"`
	QueryTimeout    string `json:"query_timeout,omitempty"`
}

type SubscriptionsConfig struct {
	// Interval is the refresh period of time-triggered channels.
	Interval string `json:"interval,omitempty"`
	// OnError is "continue" (default) or "stop".
	OnError       string `json:"on_error,omitempty"`
	QueryTimeout  string `json:"query_timeout,omitempty"`
	SessionBuffer int    `json:"session_buffer,omitempty"`
	// Jobs are server-internal recurring tasks, e.g. "@every 1h" or "interval:30s".
	Jobs []JobConfig `json:"jobs,omitempty"`
}

// JobCompactEvents deletes stored events older than keep_blocks below the
// source checkpoint.
const JobCompactEvents = "compact_events"

// JobConfig is a recurring maintenance job run on the time scheduler.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Kind is the built-in job to run ("compact_events").
	Kind       string `json:"kind"`
	KeepBlocks uint64 `json:"keep_blocks,omitempty"`
}

type HTTPConfig struct {
	Addr      string `json:"addr"`
	Debug     bool   `json:"debug,omitempty"`
	Heartbeat string `json:"heartbeat,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}

var knownDrivers = map[string]bool{"": true, "memory": true, "mem": true, "file": true, "sqlite": true, "sqlite3": true, "badger": true}

// Validate reports every problem in cfg at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	addDur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if c.Workers.Concurrency < 0 {
		errs = multierror.Append(errs, fmt.Errorf("workers.concurrency must be >= 0"))
	}
	addDur("chain_head.retry_min", c.ChainHead.RetryMin)
	addDur("chain_head.retry_max", c.ChainHead.RetryMax)
	addDur("chain.poll_interval", c.Chain.PollInterval)
	addDur("chain.height_ttl", c.Chain.HeightTTL)
	addDur("storage.busy_timeout", c.Storage.BusyTimeout)
	addDur("subscriptions.interval", c.Subscriptions.Interval)
	addDur("subscriptions.query_timeout", c.Subscriptions.QueryTimeout)
	addDur("http.heartbeat", c.HTTP.Heartbeat)
	addDur("metrics.interval", c.Metrics.Interval)

	if !knownDrivers[strings.ToLower(strings.TrimSpace(c.Storage.Driver))] {
		errs = multierror.Append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(c.Subscriptions.OnError)) {
	case "", "continue", "stop":
	default:
		errs = multierror.Append(errs, fmt.Errorf("subscriptions.on_error: unknown policy %q", c.Subscriptions.OnError))
	}

	if len(c.Indexer.Sources) > 0 && strings.TrimSpace(c.Chain.RPCURL) == "" {
		errs = multierror.Append(errs, fmt.Errorf("indexer.sources require chain.rpc_url"))
	}
	seen := map[string]bool{}
	for i, s := range c.Indexer.Sources {
		p := fmt.Sprintf("indexer.sources[%d]", i)
		key := strings.TrimSpace(s.Key)
		switch {
		case key == "":
			errs = multierror.Append(errs, fmt.Errorf("%s.key is required", p))
		case seen[key]:
			errs = multierror.Append(errs, fmt.Errorf("%s.key %q is duplicated", p, key))
		}
		seen[key] = true
		addDur(p+".idle_interval", s.IdleInterval)
		addDur(p+".catch_up_interval", s.CatchUpInterval)
		addDur(p+".retry_interval", s.RetryInterval)
		addDur(p+".query_timeout", s.QueryTimeout)
	}

	for i, j := range c.Subscriptions.Jobs {
		p := fmt.Sprintf("subscriptions.jobs[%d]", i)
		if strings.TrimSpace(j.Name) == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s.name is required", p))
		}
		if _, err := task.ParseRecurrence(j.Schedule); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s.schedule: %w", p, err))
		}
		if j.Kind != JobCompactEvents {
			errs = multierror.Append(errs, fmt.Errorf("%s.kind: unknown job %q", p, j.Kind))
		}
	}
	return errs.ErrorOrNil()
}
