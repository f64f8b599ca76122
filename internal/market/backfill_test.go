package market

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"marketScope/internal/alert"
	"marketScope/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingSink) Send(_ context.Context, a alert.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func epochLogs(t *testing.T, blocks ...uint64) []types.Log {
	parsed := mustMarketABI(t)
	q := new(big.Int).Lsh(big.NewInt(1), 96)
	out := make([]types.Log, 0, len(blocks))
	for i, b := range blocks {
		out = append(out, packLog(t, parsed, model.EventEpochCreated, b, 0, nil,
			big.NewInt(int64(i+1)), big.NewInt(1_700_000_000), big.NewInt(1_700_086_400), q))
	}
	return out
}

func newTestBackfiller(t *testing.T, c *fakeChain, store *memStore, sink alert.Sink) *Backfiller {
	t.Helper()
	return NewBackfiller(c, newTestIngestor(t, store, nil), store, BackfillOptions{
		Scan:   ScanConfig{BatchSize: 10, MaxRetries: 1, RetryBackoff: time.Millisecond},
		State:  store,
		Alerts: sink,
		Logger: zap.NewNop(),
	})
}

func TestBackfillRunStoresAndCheckpoints(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	c := &fakeChain{logs: epochLogs(t, 15, 25), latest: 40}

	if err := newTestBackfiller(t, c, store, nil).Market(context.Background(), group); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(store.events) != 2 || len(store.markets) != 2 {
		t.Fatalf("expected 2 events and markets, got %d %d", len(store.events), len(store.markets))
	}
	last, ok, _ := store.LoadState(context.Background(), CheckpointName(1, group.Address))
	if !ok || last != 40 {
		t.Fatalf("checkpoint mismatch: %d %v", last, ok)
	}
	if c.calls != 4 {
		t.Fatalf("expected 4 chunk queries, got %d", c.calls)
	}
}

func TestBackfillFallsBackToSingleBlocks(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	sink := &recordingSink{}
	c := &fakeChain{
		logs:       epochLogs(t, 15, 25),
		latest:     30,
		failRanges: true,
		badBlocks:  map[uint64]bool{25: true},
	}

	if err := newTestBackfiller(t, c, store, sink).Run(context.Background(), group, 10, 30); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(store.events))
	}
	if len(sink.alerts) != 1 || sink.alerts[0].Fields["block"] != "25" {
		t.Fatalf("expected one alert for block 25, got %+v", sink.alerts)
	}
	last, _, _ := store.LoadState(context.Background(), CheckpointName(1, group.Address))
	if last != 30 {
		t.Fatalf("checkpoint should advance past the failed block, got %d", last)
	}
}

func TestBackfillOlderWindowKeepsCheckpoint(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	name := CheckpointName(1, group.Address)
	_ = store.SaveState(context.Background(), name, 100)
	c := &fakeChain{logs: epochLogs(t, 15), latest: 200}

	if err := newTestBackfiller(t, c, store, nil).Run(context.Background(), group, 10, 40); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if last, _, _ := store.LoadState(context.Background(), name); last != 100 {
		t.Fatalf("checkpoint moved backwards to %d", last)
	}
	if len(store.events) != 1 {
		t.Fatalf("window not ingested")
	}
}

func TestBackfillEpochResolvesBlocks(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	c := &fakeChain{logs: epochLogs(t, 15, 25, 35), latest: 40}
	_ = store.UpsertMarket(context.Background(), model.Market{
		MarketGroupID:  group.ID,
		MarketID:       9,
		StartTimestamp: 1_700_000_000 + 20*12,
		EndTimestamp:   1_700_000_000 + 30*12 + 5,
	})

	if err := newTestBackfiller(t, c, store, nil).Epoch(context.Background(), group, 9); err != nil {
		t.Fatalf("epoch backfill: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected only the block 25 event, got %d", len(store.events))
	}
	for _, ev := range store.events {
		if ev.BlockNumber != 25 {
			t.Fatalf("unexpected block %d", ev.BlockNumber)
		}
	}
}

func TestBackfillEpochUnknown(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	c := &fakeChain{latest: 40}
	if err := newTestBackfiller(t, c, store, nil).Epoch(context.Background(), group, 3); err == nil {
		t.Fatalf("expected error for unknown epoch")
	}
}

func TestFollowCheckpointsCompletedBlocks(t *testing.T) {
	store := newMemStore()
	s := &scanner{
		chain:  &fakeChain{latest: 40},
		cfg:    ScanConfig{}.withDefaults(),
		state:  store,
		alerts: alert.Nop{},
		logger: zap.NewNop(),
	}
	sub := event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	})
	defer sub.Unsubscribe()

	logs := make(chan types.Log, 8)
	for _, l := range []types.Log{
		{BlockNumber: 38},
		{BlockNumber: 41, Index: 0},
		{BlockNumber: 41, Index: 1, Removed: true},
		{BlockNumber: 41, Index: 2},
		{BlockNumber: 43},
	} {
		logs <- l
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var handled []uint64
	err := follow(ctx, s, sub, logs, 40, "market:1:test", 0, func(_ context.Context, record model.LogRecord) error {
		handled = append(handled, record.BlockNumber)
		if len(handled) == 3 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	if len(handled) != 3 || handled[0] != 41 || handled[2] != 43 {
		t.Fatalf("unexpected handled blocks: %v", handled)
	}
	if last, _, _ := store.LoadState(context.Background(), "market:1:test"); last != 41 {
		t.Fatalf("checkpoint mismatch: %d", last)
	}
}

func TestWatchCatchesUpAndGuards(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	c := &fakeChain{logs: epochLogs(t, 15, 25), latest: 40}
	w := NewWatcher(newTestBackfiller(t, c, store, nil), WatcherOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, group) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.events)
		store.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("catch-up did not finish, %d events", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !w.Watching(group) {
		t.Fatalf("watcher should be running")
	}
	if err := w.Watch(ctx, group); err != nil {
		t.Fatalf("second watch should be a no-op, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
	if last, _, _ := store.LoadState(context.Background(), CheckpointName(1, group.Address)); last != 40 {
		t.Fatalf("checkpoint mismatch: %d", last)
	}
}

func TestFactoryRegistersGroupsOnce(t *testing.T) {
	parsed, err := FactoryABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	factoryAddress := common.HexToAddress("0xabababababababababababababababababababab")
	l := packLog(t, parsed, model.EventMarketGroupInitialized, 20, 0,
		[]common.Hash{topicFromAddress(traderA), topicFromAddress(groupAddress)}, big.NewInt(7))
	l.Address = factoryAddress

	store := newMemStore()
	c := &fakeChain{logs: []types.Log{l}, latest: 30}
	var started []model.MarketGroup
	fw, err := NewFactoryWatcher(c, store, nil, func(_ context.Context, g model.MarketGroup) {
		started = append(started, g)
	}, BackfillOptions{Scan: ScanConfig{BatchSize: 100}, State: store})
	if err != nil {
		t.Fatalf("factory watcher: %v", err)
	}

	factory := Factory{ChainID: 1, Address: factoryAddress.Hex(), DeployBlock: 1}
	for i := 0; i < 2; i++ {
		if err := fw.Backfill(context.Background(), factory, 1, 0); err != nil {
			t.Fatalf("factory backfill: %v", err)
		}
	}

	if len(started) != 1 {
		t.Fatalf("expected one started group, got %d", len(started))
	}
	g, ok, _ := store.GetMarketGroup(context.Background(), 1, hexAddress(groupAddress))
	if !ok {
		t.Fatalf("group not registered")
	}
	if g.FactoryAddress != hexAddress(factoryAddress) || g.InitializationNonce != "7" || g.DeployBlock != 20 || g.DeployTimestamp != 1_700_000_000+20*12 {
		t.Fatalf("group provenance mismatch: %+v", g)
	}
	if !fw.Started(1, groupAddress.Hex()) {
		t.Fatalf("started set not updated")
	}
	if last, _, _ := store.LoadState(context.Background(), FactoryCheckpointName(1, factoryAddress.Hex())); last != 30 {
		t.Fatalf("factory checkpoint mismatch: %d", last)
	}
}
