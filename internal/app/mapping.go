package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"chainwatch/internal/chain/ethrpc"
	"chainwatch/internal/config"
	"chainwatch/internal/indexer"
	"chainwatch/internal/observability/metrics"
	"chainwatch/internal/storage"
	"chainwatch/internal/task/chainhead"
	"chainwatch/internal/task/worker"
	"chainwatch/internal/transport/httpapi"
	logx "chainwatch/pkg/logx"
)

// Durations below were checked by Config.Validate; errors here are ignored.
func dur(raw string) time.Duration {
	d, _ := config.ParseDurationField("", raw)
	return d
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	path := strings.TrimSpace(c.Path)
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file", "badger":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", c.Driver)
	}
}

func mapWorkers(c config.WorkersConfig) worker.Config {
	return worker.Config{Concurrency: c.Concurrency, HistorySize: c.HistorySize}
}

func mapChainHead(c config.ChainHeadConfig) chainhead.Config {
	return chainhead.Config{RetryMin: dur(c.RetryMin), RetryMax: dur(c.RetryMax)}
}

func mapRPC(c config.ChainConfig) (ethrpc.Config, error) {
	abis := make([]string, 0, len(c.ABIFiles))
	for _, p := range c.ABIFiles {
		b, err := os.ReadFile(p)
		if err != nil {
			return ethrpc.Config{}, fmt.Errorf("chain.abi_files: %w", err)
		}
		abis = append(abis, string(b))
	}
	return ethrpc.Config{
		URL:           c.RPCURL,
		HeightTTL:     dur(c.HeightTTL),
		LogRatePerSec: c.LogRatePerSec,
		ABIs:          abis,
	}, nil
}

func mapSource(c config.SourceConfig) indexer.Source {
	return indexer.Source{
		Key:             c.Key,
		Address:         c.Address,
		StartBlock:      c.StartBlock,
		MaxRange:        c.MaxRange,
		IdleInterval:    dur(c.IdleInterval),
		CatchUpInterval: dur(c.CatchUpInterval),
		RetryInterval:   dur(c.RetryInterval),
		QueryTimeout:    dur(c.QueryTimeout),
	}
}

func mapHTTP(c config.HTTPConfig) httpapi.Config {
	return httpapi.Config{Addr: c.Addr, Debug: c.Debug, Heartbeat: dur(c.Heartbeat)}
}

func mapMetrics(c config.MetricsConfig) metrics.Config {
	return metrics.Config{Enabled: c.Enabled, Interval: dur(c.Interval)}
}
