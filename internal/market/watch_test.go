package market

import (
	"context"
	"math/big"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"marketScope/internal/alert"
	"marketScope/internal/model"
)

// ledgerLogs covers an epoch, a trader position that is settled, and an LP
// position that changes hands.
func ledgerLogs(t *testing.T) []types.Log {
	parsed := mustMarketABI(t)
	q := new(big.Int).Lsh(big.NewInt(1), 96)
	logs := []types.Log{
		packLog(t, parsed, model.EventEpochCreated, 50, 0, nil,
			big.NewInt(1), big.NewInt(1_700_000_000), big.NewInt(1_700_086_400), q),
	}
	logs = append(logs, tradeLogs(t)...)
	logs = append(logs,
		packLog(t, parsed, model.EventLiquidityPositionCreated, 120, 0, positionTopics(traderA, 1, 9),
			big.NewInt(1000), big.NewInt(300), big.NewInt(400), big.NewInt(-60), big.NewInt(60),
			big.NewInt(100), big.NewInt(100), big.NewInt(0), big.NewInt(0), big.NewInt(300), big.NewInt(400)),
		packLog(t, parsed, model.EventTransfer, 125, 0,
			[]common.Hash{topicFromAddress(traderA), topicFromAddress(traderB), topicFromUint(9)}),
		packLog(t, parsed, model.EventEpochSettled, 150, 0, nil, big.NewInt(1), new(big.Int).Lsh(q, 1)),
		packLog(t, parsed, model.EventPositionSettled, 200, 0, []common.Hash{topicFromUint(7)}, big.NewInt(250)),
	)
	return logs
}

type ledgerSnapshot struct {
	events       []model.Event
	transactions []model.Transaction
	positions    []model.Position
}

// snapshot copies the derived state of store without its row ids.
func snapshot(store *memStore) ledgerSnapshot {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out ledgerSnapshot
	for _, ev := range store.events {
		ev.ID = 0
		out.events = append(out.events, ev)
	}
	for _, tx := range store.txs {
		tx.ID, tx.EventID = 0, 0
		out.transactions = append(out.transactions, tx)
	}
	for _, p := range store.positions {
		p.ID = 0
		out.positions = append(out.positions, p)
	}
	sort.Slice(out.events, func(i, j int) bool {
		a, b := out.events[i], out.events[j]
		return a.BlockNumber < b.BlockNumber || (a.BlockNumber == b.BlockNumber && a.LogIndex < b.LogIndex)
	})
	sort.Slice(out.transactions, func(i, j int) bool {
		a, b := out.transactions[i], out.transactions[j]
		return a.BlockNumber < b.BlockNumber || (a.BlockNumber == b.BlockNumber && a.LogIndex < b.LogIndex)
	})
	sort.Slice(out.positions, func(i, j int) bool { return out.positions[i].PositionID < out.positions[j].PositionID })
	return out
}

func TestLiveAndBackfillConverge(t *testing.T) {
	logs := ledgerLogs(t)

	backfilled := newMemStore()
	bgroup := seedGroup(t, backfilled)
	bc := &fakeChain{logs: logs, latest: 210}
	if err := newTestBackfiller(t, bc, backfilled, nil).Run(context.Background(), bgroup, bgroup.DeployBlock, 0); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	// The live feed redelivers the first trade before the settlement.
	live := append(append([]types.Log(nil), logs[:len(logs)-1]...), logs[1], logs[len(logs)-1])
	followed := newMemStore()
	lgroup := seedGroup(t, followed)
	lc := &fakeChain{live: live, latest: lgroup.DeployBlock}
	w := NewWatcher(newTestBackfiller(t, lc, followed, nil), WatcherOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, lgroup) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		pos, _, _ := followed.GetPosition(context.Background(), lgroup.ID, 7)
		followed.mu.Lock()
		n := len(followed.events)
		followed.mu.Unlock()
		if pos.IsSettled && n == len(logs) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("live path did not finish, %d events", n)
		}
		time.Sleep(5 * time.Millisecond)
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

	want, got := snapshot(backfilled), snapshot(followed)
	if len(want.events) != len(logs) || len(want.transactions) != 4 || len(want.positions) != 2 {
		t.Fatalf("unexpected backfilled state: %d events %d transactions %d positions",
			len(want.events), len(want.transactions), len(want.positions))
	}
	if !reflect.DeepEqual(want.events, got.events) {
		t.Fatalf("events differ:\nbackfill %+v\n    live %+v", want.events, got.events)
	}
	if !reflect.DeepEqual(want.transactions, got.transactions) {
		t.Fatalf("transactions differ:\nbackfill %+v\n    live %+v", want.transactions, got.transactions)
	}
	if !reflect.DeepEqual(want.positions, got.positions) {
		t.Fatalf("positions differ:\nbackfill %+v\n    live %+v", want.positions, got.positions)
	}
}

func TestFollowFlushesCheckpointWhenQuiet(t *testing.T) {
	store := newMemStore()
	s := &scanner{
		chain:  &fakeChain{latest: 60},
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

	logs := make(chan types.Log, 1)
	logs <- types.Log{BlockNumber: 45}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var handled []uint64
	done := make(chan error, 1)
	go func() {
		done <- follow(ctx, s, sub, logs, 40, "market:1:quiet", 5*time.Millisecond, func(_ context.Context, record model.LogRecord) error {
			handled = append(handled, record.BlockNumber)
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		last, _, _ := store.LoadState(context.Background(), "market:1:quiet")
		if last == 60 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("checkpoint not flushed, at %d", last)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}
	if len(handled) != 1 || handled[0] != 45 {
		t.Fatalf("unexpected handled blocks: %v", handled)
	}
}
