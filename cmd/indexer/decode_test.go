package main

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"marketScope/internal/indexer"
	"marketScope/internal/market"
	"marketScope/internal/model"
)

var marketAddress = common.HexToAddress("0x1111111111111111111111111111111111111111")

type memSink struct {
	events []model.Event
	errors []model.DecodeError
}

func (s *memSink) PutEvents(events []model.Event) error {
	s.events = append(s.events, events...)
	return nil
}

func (s *memSink) PutDecodeErrors(records []model.DecodeError) error {
	s.errors = append(s.errors, records...)
	return nil
}

type fakeSource struct {
	logs   []types.Log
	latest uint64
	calls  [][2]uint64
}

func (f *fakeSource) LatestBlockNumber(context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeSource) BlockTimestamp(_ context.Context, n uint64) (uint64, error) {
	return 1_700_000_000 + n*12, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	f.calls = append(f.calls, [2]uint64{from, to})
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func transferLog(t *testing.T, block uint64, tokenID int64) types.Log {
	t.Helper()
	parsed, err := market.MarketABI()
	if err != nil {
		t.Fatalf("market abi: %v", err)
	}
	return types.Log{
		Address: marketAddress,
		Topics: []common.Hash{
			parsed.Events["Transfer"].ID,
			common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()),
			common.BytesToHash(common.HexToAddress("0x3333333333333333333333333333333333333333").Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
	}
}

func newTestRun(t *testing.T) (*decodeRun, *memSink) {
	t.Helper()
	decoder, err := market.NewDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	sink := &memSink{}
	return &decodeRun{decoder: decoder, events: sink, deadLetter: sink, logger: zap.NewNop()}, sink
}

func TestReadRecords(t *testing.T) {
	run, sink := newTestRun(t)

	transfer := transferLog(t, 12, 7)
	record := model.LogRecord{
		ChainID:     1,
		BlockNumber: 12,
		TxHash:      transfer.TxHash.Hex(),
		Address:     transfer.Address.Hex(),
		Data:        "0x",
		Timestamp:   1700000144,
	}
	for _, topic := range transfer.Topics {
		record.Topics = append(record.Topics, topic.Hex())
	}
	line, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	unknown := `{"block_number":13,"topics":["0x` + strings.Repeat("ab", 32) + `"],"data":"0x"}`
	truncated := `{"block_number":14,"topics":["` + transfer.Topics[0].Hex() + `"],"data":"0x"}`

	input := strings.Join([]string{string(line), "", unknown, "not json", truncated}, "\n")
	if err := run.readRecords(strings.NewReader(input)); err != nil {
		t.Fatalf("read records: %v", err)
	}

	want := decodeStats{total: 4, decoded: 1, skipped: 1, failed: 2}
	if run.stats != want {
		t.Fatalf("stats = %+v, want %+v", run.stats, want)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	args, ok := ev.Args.(model.TransferArgs)
	if !ok || ev.Name != model.EventTransfer || args.TokenID != 7 || ev.Timestamp != 1700000144 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(sink.errors) != 2 {
		t.Fatalf("expected 2 decode errors, got %d", len(sink.errors))
	}
	if sink.errors[1].BlockNumber != 14 || sink.errors[1].Stage != market.StageDecode {
		t.Fatalf("unexpected decode error: %+v", sink.errors[1])
	}
}

func TestScanChainResumesFromStateFile(t *testing.T) {
	run, sink := newTestRun(t)
	src := &fakeSource{
		logs:   []types.Log{transferLog(t, 3, 1), transferLog(t, 12, 2), transferLog(t, 25, 3)},
		latest: 20,
	}
	state := indexer.NewFileStateStore(filepath.Join(t.TempDir(), "state.json"))
	scan := decodeScan{
		chainID:      1,
		addresses:    []common.Address{marketAddress},
		from:         1,
		batchSize:    10,
		maxRetries:   1,
		retryBackoff: 1,
		state:        state,
		checkpoint:   "decode:1:test",
	}
	ctx := context.Background()

	if err := run.scanChain(ctx, src, scan); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.events))
	}
	if sink.events[1].Timestamp != 1_700_000_000+12*12 {
		t.Fatalf("unexpected timestamp %d", sink.events[1].Timestamp)
	}
	last, ok, err := state.LoadState(ctx, scan.checkpoint)
	if err != nil || !ok || last != 20 {
		t.Fatalf("state = %d %v %v, want 20", last, ok, err)
	}

	src.latest = 30
	src.calls = nil
	scan.from = 0
	if err := run.scanChain(ctx, src, scan); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(src.calls) != 1 || src.calls[0] != [2]uint64{21, 30} {
		t.Fatalf("unexpected resume calls: %v", src.calls)
	}
	if len(sink.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(sink.events))
	}
}

func TestSelectResources(t *testing.T) {
	registered := []model.Resource{{ID: 1, Slug: "ethereum-gas"}, {ID: 2, Slug: "bitcoin-fees"}}

	all, err := selectResources(registered, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected all resources, got %v %v", all, err)
	}
	picked, err := selectResources(registered, []string{"bitcoin-fees"})
	if err != nil || len(picked) != 1 || picked[0].ID != 2 {
		t.Fatalf("unexpected selection %v %v", picked, err)
	}
	if _, err := selectResources(registered, []string{"missing"}); err == nil {
		t.Fatalf("expected error for unknown slug")
	}
}
