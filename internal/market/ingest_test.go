package market

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"marketScope/internal/model"
)

func tradeLogs(t *testing.T) []types.Log {
	parsed := mustMarketABI(t)
	return []types.Log{
		traderLog(t, parsed, model.EventTraderPositionCreated, 100, 0, traderA, 7,
			1000, 1200, 500, 250, 250, 10, 20, 0, 5),
		traderLog(t, parsed, model.EventTraderPositionModified, 110, 1, traderA, 7,
			1200, 1100, 400, -50, 200, 4, 30, 3, 5),
	}
}

func processAll(t *testing.T, ingestor *Ingestor, group model.MarketGroup, logs []types.Log) {
	t.Helper()
	for _, l := range logs {
		if err := ingestor.Process(context.Background(), group, toRecord(l)); err != nil {
			t.Fatalf("process block %d: %v", l.BlockNumber, err)
		}
	}
}

func transactionCount(store *memStore) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.txs)
}

func TestIngestTraderPositionLedger(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	ingestor := newTestIngestor(t, store, nil)
	processAll(t, ingestor, group, tradeLogs(t))

	pos, ok, _ := store.GetPosition(context.Background(), group.ID, 7)
	if !ok {
		t.Fatalf("position not stored")
	}
	pos.ID = 0
	want := model.Position{
		MarketGroupID: group.ID,
		PositionID:    7,
		MarketID:      1,
		Owner:         hexAddress(traderA),
		Base:          "30",
		Quote:         "4",
		BorrowedBase:  "5",
		BorrowedQuote: "3",
		Collateral:    "200",
		LpBase:        "0",
		LpQuote:       "0",
	}
	if !reflect.DeepEqual(pos, want) {
		t.Fatalf("position mismatch:\n got %+v\nwant %+v", pos, want)
	}

	txs, _ := store.PositionTransactions(context.Background(), group.ID, 7)
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Type != model.TxLong || txs[1].Type != model.TxShort {
		t.Fatalf("unexpected types: %s %s", txs[0].Type, txs[1].Type)
	}
	if txs[1].Deltas.Base != "10" || txs[1].Deltas.Quote != "-6" || txs[1].Deltas.Collateral != "-50" {
		t.Fatalf("unexpected deltas: %+v", txs[1].Deltas)
	}
	if txs[1].MarketPrice == nil || txs[1].MarketPrice.Value != "1100" || txs[1].MarketPrice.Timestamp != 1_700_000_000+110*12 {
		t.Fatalf("unexpected market price: %+v", txs[1].MarketPrice)
	}
	if txs[1].CollateralTransfer == nil || txs[1].CollateralTransfer.Collateral != "-50" || txs[1].CollateralTransfer.Owner != hexAddress(traderA) {
		t.Fatalf("unexpected collateral transfer: %+v", txs[1].CollateralTransfer)
	}
	if txs[0].TradeRatioD18 != "500" {
		t.Fatalf("trade ratio mismatch: %s", txs[0].TradeRatioD18)
	}
}

func TestIngestReplayIsIdempotent(t *testing.T) {
	logs := tradeLogs(t)

	store := newMemStore()
	group := seedGroup(t, store)
	ingestor := newTestIngestor(t, store, nil)
	processAll(t, ingestor, group, logs)

	first, _, _ := store.GetPosition(context.Background(), group.ID, 7)
	firstTxs, _ := store.PositionTransactions(context.Background(), group.ID, 7)

	processAll(t, ingestor, group, []types.Log{logs[1], logs[0]})
	if len(store.events) != 2 {
		t.Fatalf("expected 2 events after replay, got %d", len(store.events))
	}
	again, _, _ := store.GetPosition(context.Background(), group.ID, 7)
	againTxs, _ := store.PositionTransactions(context.Background(), group.ID, 7)
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("position changed on replay:\n%+v\n%+v", first, again)
	}
	if !reflect.DeepEqual(firstTxs, againTxs) {
		t.Fatalf("transactions changed on replay")
	}

	reversed := newMemStore()
	rgroup := seedGroup(t, reversed)
	processAll(t, newTestIngestor(t, reversed, nil), rgroup, []types.Log{logs[1], logs[0]})
	other, _, _ := reversed.GetPosition(context.Background(), rgroup.ID, 7)
	first.ID, other.ID = 0, 0
	if !reflect.DeepEqual(first, other) {
		t.Fatalf("fold depends on arrival order:\n%+v\n%+v", first, other)
	}
}

func TestIngestEpochLifecycle(t *testing.T) {
	parsed := mustMarketABI(t)
	store := newMemStore()
	group := seedGroup(t, store)
	ingestor := newTestIngestor(t, store, nil)

	q := new(big.Int).Lsh(big.NewInt(1), 96)
	logs := []types.Log{
		packLog(t, parsed, model.EventEpochCreated, 50, 0, nil,
			big.NewInt(1), big.NewInt(1_700_000_000), big.NewInt(1_700_086_400), q),
		packLog(t, parsed, model.EventEpochSettled, 60, 0, nil,
			big.NewInt(1), new(big.Int).Lsh(q, 1)),
		packLog(t, parsed, model.EventEpochSettled, 61, 0, nil,
			big.NewInt(1), new(big.Int).Lsh(q, 2)),
	}
	processAll(t, ingestor, group, logs)

	m, ok, _ := store.GetMarket(context.Background(), group.ID, 1)
	if !ok {
		t.Fatalf("market not stored")
	}
	if m.StartTimestamp != 1_700_000_000 || m.EndTimestamp != 1_700_086_400 || m.StartingSqrtPriceX96 != q.String() {
		t.Fatalf("epoch mismatch: %+v", m)
	}
	if !m.Settled || m.SettlementPriceD18 != "4000000000000000000" {
		t.Fatalf("settlement mismatch: %+v", m)
	}
	if n := transactionCount(store); n != 0 {
		t.Fatalf("epoch events produced %d transactions", n)
	}

	// Replaying the creation leaves the settlement in place.
	processAll(t, ingestor, group, logs[:1])
	m, _, _ = store.GetMarket(context.Background(), group.ID, 1)
	if !m.Settled {
		t.Fatalf("settlement lost on replay")
	}
}

func TestIngestTransferSetsOwner(t *testing.T) {
	parsed := mustMarketABI(t)
	store := newMemStore()
	group := seedGroup(t, store)
	ingestor := newTestIngestor(t, store, nil)

	created := packLog(t, parsed, model.EventLiquidityPositionCreated, 100, 0, positionTopics(traderA, 1, 9),
		big.NewInt(1000), big.NewInt(300), big.NewInt(400), big.NewInt(-60), big.NewInt(60),
		big.NewInt(100), big.NewInt(100), big.NewInt(0), big.NewInt(0), big.NewInt(300), big.NewInt(400))
	transfer := packLog(t, parsed, model.EventTransfer, 101, 0,
		[]common.Hash{topicFromAddress(traderA), topicFromAddress(traderB), topicFromUint(9)})
	increased := packLog(t, parsed, model.EventLiquidityPositionIncreased, 102, 0, positionTopics(traderA, 1, 9),
		big.NewInt(500), big.NewInt(30), big.NewInt(40),
		big.NewInt(10), big.NewInt(110), big.NewInt(0), big.NewInt(0), big.NewInt(330), big.NewInt(440))
	processAll(t, ingestor, group, []types.Log{created, transfer, increased})

	pos, _, _ := store.GetPosition(context.Background(), group.ID, 9)
	if pos.Owner != hexAddress(traderB) {
		t.Fatalf("owner mismatch: %s", pos.Owner)
	}
	txs, _ := store.PositionTransactions(context.Background(), group.ID, 9)
	if len(txs) != 2 || transactionCount(store) != 2 {
		t.Fatalf("transfer produced a transaction: %+v", txs)
	}
	if txs[0].Type != model.TxAddLiquidity || txs[1].Type != model.TxAddLiquidity {
		t.Fatalf("unexpected transaction types: %s %s", txs[0].Type, txs[1].Type)
	}
	if !pos.IsLP || pos.LpBase != "330" || pos.LpQuote != "440" {
		t.Fatalf("lp mismatch: %+v", pos)
	}
	if pos.LowPriceTick != -60 || pos.HighPriceTick != 60 {
		t.Fatalf("ticks mismatch: %+v", pos)
	}
	if pos.BorrowedBase != "440" || pos.BorrowedQuote != "330" || pos.Collateral != "110" {
		t.Fatalf("balances mismatch: %+v", pos)
	}
}

func TestIngestLiquidityClosedIntoTrade(t *testing.T) {
	parsed := mustMarketABI(t)
	store := newMemStore()
	group := seedGroup(t, store)
	ingestor := newTestIngestor(t, store, nil)

	created := packLog(t, parsed, model.EventLiquidityPositionCreated, 100, 0, positionTopics(traderA, 1, 9),
		big.NewInt(1000), big.NewInt(300), big.NewInt(400), big.NewInt(-60), big.NewInt(60),
		big.NewInt(100), big.NewInt(100), big.NewInt(0), big.NewInt(0), big.NewInt(300), big.NewInt(400))
	closed := packLog(t, parsed, model.EventLiquidityPositionClosed, 120, 0, positionTopics(traderA, 1, 9),
		model.PositionKindTrade, big.NewInt(300), big.NewInt(380),
		big.NewInt(0), big.NewInt(100), big.NewInt(0), big.NewInt(20), big.NewInt(0), big.NewInt(0))
	processAll(t, ingestor, group, []types.Log{created, closed})

	pos, _, _ := store.GetPosition(context.Background(), group.ID, 9)
	if pos.IsLP {
		t.Fatalf("position closed into a trade is still LP")
	}
	if pos.LpBase != "0" || pos.LpQuote != "20" || pos.Base != "20" || pos.BorrowedBase != "0" {
		t.Fatalf("balances mismatch: %+v", pos)
	}
	txs, _ := store.PositionTransactions(context.Background(), group.ID, 9)
	if len(txs) != 2 || txs[1].Type != model.TxRemoveLiquidity || txs[1].CloseKind != model.PositionKindTrade {
		t.Fatalf("unexpected transactions: %+v", txs)
	}
	if txs[1].CollateralTransfer != nil {
		t.Fatalf("zero collateral delta should not record a transfer")
	}
}

func TestIngestPositionSettled(t *testing.T) {
	parsed := mustMarketABI(t)
	store := newMemStore()
	group := seedGroup(t, store)
	ingestor := newTestIngestor(t, store, nil)

	logs := tradeLogs(t)[:1]
	logs = append(logs, packLog(t, parsed, model.EventPositionSettled, 200, 0,
		[]common.Hash{topicFromUint(7)}, big.NewInt(250)))
	processAll(t, ingestor, group, logs)

	pos, _, _ := store.GetPosition(context.Background(), group.ID, 7)
	if !pos.IsSettled || pos.Collateral != "0" {
		t.Fatalf("settled position mismatch: %+v", pos)
	}
	if pos.Owner != hexAddress(traderA) {
		t.Fatalf("settlement lost the owner: %+v", pos)
	}
	txs, _ := store.PositionTransactions(context.Background(), group.ID, 7)
	if len(txs) != 2 || txs[1].Type != model.TxSettledPosition || txs[1].TradeRatioD18 != "0" {
		t.Fatalf("unexpected settle transaction: %+v", txs)
	}
}

func TestIngestPositionSettledUsesSettlementPrice(t *testing.T) {
	parsed := mustMarketABI(t)
	store := newMemStore()
	group := seedGroup(t, store)
	ingestor := newTestIngestor(t, store, nil)

	q := new(big.Int).Lsh(big.NewInt(1), 96)
	logs := []types.Log{
		packLog(t, parsed, model.EventEpochCreated, 50, 0, nil,
			big.NewInt(1), big.NewInt(1_700_000_000), big.NewInt(1_700_086_400), q),
	}
	logs = append(logs, tradeLogs(t)[:1]...)
	logs = append(logs,
		packLog(t, parsed, model.EventEpochSettled, 150, 0, nil, big.NewInt(1), new(big.Int).Lsh(q, 1)),
		packLog(t, parsed, model.EventPositionSettled, 200, 0, []common.Hash{topicFromUint(7)}, big.NewInt(250)),
	)
	processAll(t, ingestor, group, logs)

	txs, _ := store.PositionTransactions(context.Background(), group.ID, 7)
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	settled := txs[1]
	if settled.Type != model.TxSettledPosition || settled.MarketID != 1 {
		t.Fatalf("unexpected settle transaction: %+v", settled)
	}
	if settled.TradeRatioD18 != "4000000000000000000" {
		t.Fatalf("trade ratio = %q, want settlement price", settled.TradeRatioD18)
	}
}

func TestIngestRejectsUndecodable(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	dl := &deadLetters{}
	ingestor := newTestIngestor(t, store, dl)

	record := toRecord(tradeLogs(t)[0])
	record.Data = record.Data[:66]
	if err := ingestor.Process(context.Background(), group, record); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.events) != 0 {
		t.Fatalf("undecodable log stored as event")
	}
	if len(dl.records) != 1 || dl.records[0].Stage != StageDecode || dl.records[0].BlockNumber != 100 {
		t.Fatalf("unexpected dead letters: %+v", dl.records)
	}
	if dl.records[0].MarketGroupID != group.ID {
		t.Fatalf("dead letter missing group id: %+v", dl.records[0])
	}
}

func TestIngestIgnoresUnknownTopics(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	dl := &deadLetters{}
	ingestor := newTestIngestor(t, store, dl)

	record := toRecord(tradeLogs(t)[0])
	record.Topics[0] = common.HexToHash("0x01").Hex()
	if err := ingestor.Process(context.Background(), group, record); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.events) != 0 || len(dl.records) != 0 {
		t.Fatalf("unknown topic should be skipped silently")
	}
}

func TestIngestMarketInitialized(t *testing.T) {
	parsed := mustMarketABI(t)
	store := newMemStore()
	group := seedGroup(t, store)
	ingestor := newTestIngestor(t, store, nil)
	ingestor.deriver.Callers = func(uint64) (Caller, error) { return &fakeChain{}, nil }

	owner := common.HexToAddress("0x4444444444444444444444444444444444444444")
	params := marketParamsTuple{FeeRate: big.NewInt(3000), BondAmount: big.NewInt(1), ClaimStatement: []byte("claim")}
	l := packLog(t, parsed, model.EventMarketInitialized, 11, 0, nil, owner, groupAddress, params)
	processAll(t, ingestor, group, []types.Log{l})

	g, _, _ := store.GetMarketGroup(context.Background(), 1, group.Address)
	if !g.Initialized || g.Owner != hexAddress(owner) || g.Params.FeeRate != 3000 {
		t.Fatalf("group not initialized: %+v", g)
	}
	if g.CollateralSymbol != "" || g.DeployBlock != 10 {
		t.Fatalf("unexpected group fields: %+v", g)
	}

	updated := marketParamsTuple{FeeRate: big.NewInt(500), BondAmount: big.NewInt(2), ClaimStatement: []byte("claim")}
	processAll(t, ingestor, group, []types.Log{packLog(t, parsed, model.EventMarketUpdated, 12, 0, nil, updated)})
	g, _, _ = store.GetMarketGroup(context.Background(), 1, group.Address)
	if g.Params.FeeRate != 500 || !g.Initialized {
		t.Fatalf("group not updated: %+v", g)
	}
	if n := transactionCount(store); n != 0 {
		t.Fatalf("group events produced %d transactions", n)
	}
}

func TestDeriveRejectsMismatchedArgs(t *testing.T) {
	store := newMemStore()
	group := seedGroup(t, store)
	d := NewDeriver(store, nil)
	ev := model.Event{ID: 1, MarketGroupID: group.ID, Name: model.EventTransfer, Args: model.PositionSettledArgs{PositionID: 1}}
	if err := d.Derive(context.Background(), group, ev); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := d.Derive(context.Background(), group, model.Event{Name: model.EventTransfer}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for missing args, got %v", err)
	}
}
