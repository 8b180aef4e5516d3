package ethrpc

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	logx "chainwatch/pkg/logx"
)

const transferABI = `[{"anonymous":false,"inputs":[
 {"indexed":true,"name":"from","type":"address"},
 {"indexed":true,"name":"to","type":"address"},
 {"indexed":false,"name":"value","type":"uint256"}],
 "name":"Transfer","type":"event"}]`

type fakeBackend struct {
	height  atomic.Uint64
	calls   atomic.Int32
	logs    []types.Log
	lastQ   ethereum.FilterQuery
	queryMu sync.Mutex
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return f.height.Load(), nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queryMu.Lock()
	f.lastQ = q
	f.queryMu.Unlock()
	return f.logs, nil
}

func TestBlockNumberIsCachedAndShared(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{}
	be.height.Store(100)
	c, err := New(be, Config{HeightTTL: time.Minute}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := c.BlockNumber(context.Background()); err != nil || n != 100 {
				t.Errorf("BlockNumber = %d, %v", n, err)
			}
		}()
	}
	wg.Wait()
	be.height.Store(101)
	if n, _ := c.BlockNumber(context.Background()); n != 100 {
		t.Fatalf("cached height = %d, want 100", n)
	}
	if got := be.calls.Load(); got > 2 {
		t.Fatalf("backend called %d times", got)
	}
}

func TestGetEventsDecodesKnownAndUnknownLogs(t *testing.T) {
	t.Parallel()
	parsed, err := abi.JSON(strings.NewReader(transferABI))
	if err != nil {
		t.Fatal(err)
	}
	transfer := parsed.Events["Transfer"]
	data, err := transfer.Inputs.NonIndexed().Pack(big.NewInt(5))
	if err != nil {
		t.Fatal(err)
	}
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	from := common.HexToAddress("0x0000000000000000000000000000000000000001")
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	unknown := common.HexToHash("0xdeadbeef")

	be := &fakeBackend{logs: []types.Log{
		{Address: token, BlockNumber: 7, Index: 0, Data: data,
			Topics: []common.Hash{transfer.ID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())}},
		{Address: token, BlockNumber: 7, Index: 1, Topics: []common.Hash{unknown}},
		{Address: token, BlockNumber: 8, Index: 0, Removed: true, Topics: []common.Hash{unknown}},
	}}
	c, err := New(be, Config{ABIs: []string{transferABI}}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	evs, err := c.GetEvents(context.Background(), token.Hex(), 5, 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2 (removed logs skipped)", len(evs))
	}
	if evs[0].Type != "Transfer" || evs[0].Fields["value"] != "5" ||
		evs[0].Fields["from"] != from.Hex() || evs[0].Fields["to"] != to.Hex() {
		t.Fatalf("decoded %+v", evs[0])
	}
	if evs[1].Type != unknown.Hex() || evs[1].LogIndex != 1 {
		t.Fatalf("fallback type %+v", evs[1])
	}

	be.queryMu.Lock()
	q := be.lastQ
	be.queryMu.Unlock()
	if q.FromBlock.Uint64() != 5 || q.ToBlock.Uint64() != 9 || len(q.Addresses) != 1 || q.Addresses[0] != token {
		t.Fatalf("query %+v", q)
	}
}

func TestGetEventsRejectsBadAddress(t *testing.T) {
	t.Parallel()
	c, err := New(&fakeBackend{}, Config{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetEvents(context.Background(), "not-an-address", 1, 2); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRejectsBadABI(t *testing.T) {
	t.Parallel()
	if _, err := New(&fakeBackend{}, Config{ABIs: []string{"{"}}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

type gatedBackend struct {
	fakeBackend
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) BlockNumber(ctx context.Context) (uint64, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return 42, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestBlockNumberSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()
	be := &gatedBackend{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c, err := New(be, Config{HeightTTL: time.Minute}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.BlockNumber(ctx1)
		first <- err
	}()
	<-be.entered

	second := make(chan uint64, 1)
	go func() {
		n, err := c.BlockNumber(context.Background())
		if err != nil {
			t.Error(err)
		}
		second <- n
	}()

	cancel1()
	if err := <-first; err != context.Canceled {
		t.Fatalf("first caller err = %v", err)
	}
	close(be.release)
	select {
	case n := <-second:
		if n != 42 {
			t.Fatalf("second caller got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
}
