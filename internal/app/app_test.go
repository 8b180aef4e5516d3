package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chainwatch/internal/chain"
	"chainwatch/internal/config"
	"chainwatch/internal/eventbus"
	"chainwatch/internal/indexer"
	"chainwatch/internal/storage"
	"chainwatch/internal/subscription"
	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

type nopSched struct{}

func (nopSched) Add(*task.Task) error   { return nil }
func (nopSched) Remove(*task.Task) bool { return true }

type nopChain struct{}

func (nopChain) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (nopChain) GetEvents(context.Context, string, uint64, uint64) ([]chain.Event, error) {
	return nil, nil
}

type discard struct{}

func (discard) Emit(string, any) error { return nil }

func newTestApp(t *testing.T) *App {
	t.Helper()
	store := storage.NewMemory()
	events, err := storage.WithPrefix(eventsPrefix, store)
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	return &App{
		log:      logx.Nop(),
		bus:      bus,
		store:    store,
		events:   events,
		indexers: indexer.NewManager(nopSched{}, nopChain{}, store, bus, logx.Nop()),
	}
}

func TestEventKeyOrdersByBlock(t *testing.T) {
	t.Parallel()
	a, b := eventKey("tok", 9, 3), eventKey("tok", 10, 0)
	if a >= b {
		t.Fatalf("%q should sort before %q", a, b)
	}
	if n, ok := eventBlock(b); !ok || n != 10 {
		t.Fatalf("eventBlock(%q) = %d, %v", b, n, ok)
	}
	if _, ok := eventBlock("junk"); ok {
		t.Fatal("junk key parsed")
	}
}

func TestStoreEventsAndCompact(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	ctx := context.Background()

	h := a.storeEvents("tok")
	for _, b := range []uint64{10, 50, 95, 100} {
		if err := h(ctx, chain.Event{Type: "Transfer", Block: b, LogIndex: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.indexers.Checkpoints().Save(ctx, "tok", 100); err != nil {
		t.Fatal(err)
	}

	ch, unsub := a.bus.Subscribe(4, eventbus.StoreChanged)
	defer unsub()

	res, err := a.compactEvents(10)(ctx, task.New("compact", func(context.Context, *task.Task) (any, error) { return nil, nil }))
	if err != nil {
		t.Fatal(err)
	}
	if res.(int) != 2 {
		t.Fatalf("removed = %v, want 2", res)
	}
	kvs, err := a.events.Scan(ctx, "tok/")
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 2 || kvs[0].Key != eventKey("tok", 95, 1) {
		t.Fatalf("left = %+v", kvs)
	}
	var ev chain.Event
	if err := json.Unmarshal(kvs[1].Value, &ev); err != nil || ev.Block != 100 {
		t.Fatalf("stored event = %+v, %v", ev, err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no store change published")
	}
}

func TestStoreChannels(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	ctx := context.Background()
	reg := subscription.New(nopSched{}, nil, logx.Nop())
	if err := a.registerChannels(reg, channelDefaults{interval: time.Second}); err != nil {
		t.Fatal(err)
	}
	if got := reg.Channels(); len(got) != 3 {
		t.Fatalf("channels = %v", got)
	}

	ack, err := reg.Subscribe(ctx, "s1", channelStoreKey, json.RawMessage(`{"key":"missing"}`), discard{})
	if err != nil {
		t.Fatal(err)
	}
	if found := ack.Initial.(map[string]any)["found"]; found != false {
		t.Fatalf("initial = %+v", ack.Initial)
	}

	_, err = reg.Subscribe(ctx, "s1", channelStoreKey, json.RawMessage(`{"key":" "}`), discard{})
	var ve *subscription.ValidationError
	if !errors.As(err, &ve) || ve.Field != "key" {
		t.Fatalf("err = %v", err)
	}

	for _, k := range []string{"p/a", "p/b", "p/c"} {
		if err := a.store.Put(ctx, k, []byte(`1`)); err != nil {
			t.Fatal(err)
		}
	}
	ack, err = reg.Subscribe(ctx, "s1", channelStorePrefix, json.RawMessage(`{"prefix":"p/","limit":2}`), discard{})
	if err != nil {
		t.Fatal(err)
	}
	out := ack.Initial.(map[string]any)
	entries := out["entries"].([]entry)
	if out["total"] != 3 || len(entries) != 2 || entries[0].Key != "p/b" {
		t.Fatalf("prefix result = %+v", out)
	}
}

func TestChainHeadChannelNeedsHeads(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	reg := subscription.New(nopSched{}, nil, logx.Nop())
	if err := a.registerChannels(reg, channelDefaults{}); err != nil {
		t.Fatal(err)
	}
	for _, name := range reg.Channels() {
		if name == channelChainHead {
			t.Fatal("chain.head registered without a head scheduler")
		}
	}
}

func TestMapStorage(t *testing.T) {
	t.Parallel()
	if c, err := mapStorage(storageConfig("", "")); err != nil || c.Driver != "memory" {
		t.Fatalf("default = %+v, %v", c, err)
	}
	if _, err := mapStorage(storageConfig("badger", "")); err == nil {
		t.Fatal("badger without path accepted")
	}
	c, err := mapStorage(storageConfig("sqlite3", "x.db"))
	if err != nil || c.Driver != "sqlite" || c.BusyTimeout != time.Second {
		t.Fatalf("sqlite = %+v, %v", c, err)
	}
}

func storageConfig(driver, path string) config.StorageConfig {
	return config.StorageConfig{Driver: driver, Path: path}
}
