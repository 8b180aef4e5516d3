package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "chainwatch/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
workers:
  concurrency: 8
chain:
  rpc_url: http://127.0.0.1:8545
  poll_interval: 2s
storage:
  driver: sqlite
  path: ./chainwatch.db
indexer:
  sources:
    - key: token
      address: "0x00000000000000000000000000000000000000aa"
      start_block: 100
      idle_interval: 5s
subscriptions:
  interval: 3s
  on_error: stop
  jobs:
    - name: compact
      schedule: "@every 1h"
      kind: compact_events
      keep_blocks: 1000
http:
  addr: 127.0.0.1:8080
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "chainwatch.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers.Concurrency != 8 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Indexer.Sources) != 1 || cfg.Indexer.Sources[0].StartBlock != 100 {
		t.Fatalf("sources = %+v", cfg.Indexer.Sources)
	}
	if cfg.Subscriptions.Jobs[0].KeepBlocks != 1000 {
		t.Fatalf("jobs = %+v", cfg.Subscriptions.Jobs)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		name, body, want string
	}{
		"unknown field": {"c.json", `{"logging":{"level":"info"},"telegram":{}}`, "unknown field"},
		"trailing data": {"c.json", `{} {}`, "trailing data"},
		"bad duration":  {"c.json", `{"chain":{"poll_interval":"soon"}}`, "chain.poll_interval"},
		"bad driver":    {"c.json", `{"storage":{"driver":"mongo"}}`, "storage.driver"},
		"no rpc":        {"c.json", `{"indexer":{"sources":[{"key":"a"}]}}`, "chain.rpc_url"},
		"dup source": {"c.json", `{"chain":{"rpc_url":"x"},"indexer":{"sources":[{"key":"a"},{"key":"a"}]}}`,
			"duplicated"},
		"bad job": {"c.json", `{"subscriptions":{"jobs":[{"name":"j","schedule":"nope nope","kind":"compact_events"}]}}`,
			"schedule"},
		"bad yaml": {"c.yaml", "logging: [", "yaml"},
		"two docs": {"c.yaml", "logging: {}\n---\nlogging: {}\n", "single document"},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, tc.name, tc.body)).Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Storage:       StorageConfig{Driver: "nope"},
		Subscriptions: SubscriptionsConfig{OnError: "explode"},
		HTTP:          HTTPConfig{Heartbeat: "-1s"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"storage.driver", "on_error", "http.heartbeat"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-3s", time.Second); err == nil {
		t.Fatal("negative accepted")
	}
	if d, err := ParseDurationField("x", "1500"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("bare ms = %v, %v", d, err)
	}
}

func TestWatchPublishesChangedContent(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "chainwatch.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-updates:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
