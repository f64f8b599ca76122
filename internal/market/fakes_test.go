package market

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"marketScope/internal/model"
)

var (
	groupAddress = common.HexToAddress("0x1111111111111111111111111111111111111111")
	traderA      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	traderB      = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type positionKey struct {
	group    int64
	position uint64
}

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	events    map[model.EventKey]model.Event
	groups    map[string]model.MarketGroup
	markets   map[positionKey]model.Market
	txs       map[int64]model.Transaction
	positions map[positionKey]model.Position
	state     map[string]uint64
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[model.EventKey]model.Event),
		groups:    make(map[string]model.MarketGroup),
		markets:   make(map[positionKey]model.Market),
		txs:       make(map[int64]model.Transaction),
		positions: make(map[positionKey]model.Position),
		state:     make(map[string]uint64),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func groupKey(chainID uint64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(address))
}

func (s *memStore) InsertEvent(_ context.Context, e model.Event) (model.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.EventKey{MarketGroupID: e.MarketGroupID, BlockNumber: e.BlockNumber, LogIndex: e.LogIndex, TransactionHash: e.TransactionHash}
	if stored, ok := s.events[key]; ok {
		return stored, false, nil
	}
	e.ID = s.id()
	s.events[key] = e
	return e, true, nil
}

func (s *memStore) GetMarketGroup(_ context.Context, chainID uint64, address string) (model.MarketGroup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupKey(chainID, address)]
	return g, ok, nil
}

func (s *memStore) UpsertMarketGroup(_ context.Context, g model.MarketGroup) (model.MarketGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(g.ChainID, g.Address)
	existing, ok := s.groups[key]
	if !ok {
		g.ID = s.id()
		s.groups[key] = g
		return g, nil
	}
	if existing.FactoryAddress == "" {
		existing.FactoryAddress = g.FactoryAddress
	}
	if existing.InitializationNonce == "" {
		existing.InitializationNonce = g.InitializationNonce
	}
	if existing.DeployBlock == 0 {
		existing.DeployBlock = g.DeployBlock
	}
	if existing.DeployTimestamp == 0 {
		existing.DeployTimestamp = g.DeployTimestamp
	}
	s.groups[key] = existing
	return existing, nil
}

func (s *memStore) SaveMarketGroup(_ context.Context, g model.MarketGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(g.ChainID, g.Address)
	if _, ok := s.groups[key]; !ok {
		return fmt.Errorf("market group %s not found", g.Address)
	}
	s.groups[key] = g
	return nil
}

func (s *memStore) GetMarket(_ context.Context, groupID int64, marketID uint64) (model.Market, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[positionKey{groupID, marketID}]
	return m, ok, nil
}

func (s *memStore) UpsertMarket(_ context.Context, m model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{m.MarketGroupID, m.MarketID}
	if existing, ok := s.markets[key]; ok {
		m.ID = existing.ID
		m.Settled = existing.Settled
		m.SettlementPriceD18 = existing.SettlementPriceD18
	} else {
		m.ID = s.id()
	}
	s.markets[key] = m
	return nil
}

func (s *memStore) SettleMarket(_ context.Context, groupID int64, marketID uint64, priceD18 string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{groupID, marketID}
	m, ok := s.markets[key]
	if !ok || m.Settled {
		return false, nil
	}
	m.Settled = true
	m.SettlementPriceD18 = priceD18
	s.markets[key] = m
	return true, nil
}

func (s *memStore) UpsertTransaction(_ context.Context, tx model.Transaction) (model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.txs[tx.EventID]; ok {
		tx.ID = existing.ID
	} else {
		tx.ID = s.id()
	}
	s.txs[tx.EventID] = tx
	return tx, nil
}

func (s *memStore) PositionTransactions(_ context.Context, groupID int64, positionID uint64) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	for _, tx := range s.txs {
		if tx.MarketGroupID == groupID && tx.PositionID == positionID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateTransactionDeltas(_ context.Context, txs []model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		stored, ok := s.txs[tx.EventID]
		if !ok {
			return fmt.Errorf("transaction %d not found", tx.EventID)
		}
		stored.Deltas = tx.Deltas
		s.txs[tx.EventID] = stored
	}
	return nil
}

func (s *memStore) GetPosition(_ context.Context, groupID int64, positionID uint64) (model.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionKey{groupID, positionID}]
	return p, ok, nil
}

func (s *memStore) UpsertPosition(_ context.Context, p model.Position) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{p.MarketGroupID, p.PositionID}
	if existing, ok := s.positions[key]; ok {
		p.ID = existing.ID
	} else {
		p.ID = s.id()
	}
	s.positions[key] = p
	return p, nil
}

func (s *memStore) SetPositionOwner(_ context.Context, groupID int64, positionID uint64, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{groupID, positionID}
	p, ok := s.positions[key]
	if !ok {
		return false, nil
	}
	p.Owner = owner
	s.positions[key] = p
	return true, nil
}

func (s *memStore) LoadState(_ context.Context, name string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[name]
	return v, ok, nil
}

func (s *memStore) SaveState(_ context.Context, name string, last uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[name] = last
	return nil
}

type deadLetters struct {
	mu      sync.Mutex
	records []model.DecodeError
}

func (d *deadLetters) PutDecodeErrors(records []model.DecodeError) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, records...)
	return nil
}

// fakeChain serves a fixed set of logs. With failRanges set every getLogs
// call spanning more than one block fails. Live logs are delivered in order
// on every log subscription.
type fakeChain struct {
	mu         sync.Mutex
	logs       []types.Log
	live       []types.Log
	latest     uint64
	failRanges bool
	badBlocks  map[uint64]bool
	calls      int
}

func (c *fakeChain) ChainID() uint64 { return 1 }

func (c *fakeChain) LatestBlockNumber(context.Context) (uint64, error) { return c.latest, nil }

func (c *fakeChain) BlockTimestamp(_ context.Context, n uint64) (uint64, error) {
	return 1_700_000_000 + n*12, nil
}

func (c *fakeChain) BlockAtOrAfter(_ context.Context, ts int64) (uint64, bool, error) {
	for n := uint64(0); n <= c.latest; n++ {
		if int64(1_700_000_000+n*12) >= ts {
			return n, true, nil
		}
	}
	return 0, false, nil
}

func (c *fakeChain) BlockAtOrBefore(_ context.Context, ts int64) (uint64, bool, error) {
	found, ok := uint64(0), false
	for n := uint64(0); n <= c.latest; n++ {
		if int64(1_700_000_000+n*12) <= ts {
			found, ok = n, true
		}
	}
	return found, ok, nil
}

func (c *fakeChain) FilterLogs(_ context.Context, from, to uint64, addresses []common.Address, _ []common.Hash) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failRanges && from != to {
		return nil, fmt.Errorf("query returned more than 10000 results")
	}
	if from == to && c.badBlocks[from] {
		return nil, fmt.Errorf("header not found")
	}
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		for _, a := range addresses {
			if a == l.Address {
				out = append(out, l)
				break
			}
		}
	}
	return out, nil
}

func (c *fakeChain) SubscribeLogs(ctx context.Context, _ []common.Address, _ []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	live := append([]types.Log(nil), c.live...)
	c.mu.Unlock()
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for _, l := range live {
			select {
			case ch <- l:
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-quit:
		case <-ctx.Done():
		}
		return nil
	}), nil
}

func (c *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, fmt.Errorf("execution reverted")
}

func mustMarketABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := MarketABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	return parsed
}

// packLog builds a chain log of event name emitted by the test group.
func packLog(t *testing.T, parsed abi.ABI, name string, block uint64, index uint, indexed []common.Hash, data ...interface{}) types.Log {
	t.Helper()
	ev, ok := parsed.Events[name]
	if !ok {
		t.Fatalf("unknown event %s", name)
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return types.Log{
		Address:     groupAddress,
		Topics:      append([]common.Hash{ev.ID}, indexed...),
		Data:        packed,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
		Index:       index,
	}
}

func toRecord(l types.Log) model.LogRecord {
	topics := make([]string, 0, len(l.Topics))
	for _, topic := range l.Topics {
		topics = append(topics, topic.Hex())
	}
	return model.LogRecord{
		ChainID:     1,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    uint64(l.Index),
		Address:     l.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(l.Data),
		Timestamp:   1_700_000_000 + l.BlockNumber*12,
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func topicFromUint(v uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(v))
}

func positionTopics(sender common.Address, epochID, positionID uint64) []common.Hash {
	return []common.Hash{topicFromAddress(sender), topicFromUint(epochID), topicFromUint(positionID)}
}

func bigs(values ...int64) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, big.NewInt(v))
	}
	return out
}

// traderLog packs a trader event: prices, trade ratio, collateral delta and
// the position state (collateral, vETH, vGas, borrowed vETH, borrowed vGas).
func traderLog(t *testing.T, parsed abi.ABI, name string, block uint64, index uint, sender common.Address, positionID uint64, values ...int64) types.Log {
	t.Helper()
	return packLog(t, parsed, name, block, index, positionTopics(sender, 1, positionID), bigs(values...)...)
}

func newTestIngestor(t *testing.T, store *memStore, dl *deadLetters) *Ingestor {
	t.Helper()
	decoder, err := NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	opts := IngestorOptions{}
	if dl != nil {
		opts.DeadLetter = dl
	}
	return NewIngestor(store, decoder, NewDeriver(store, nil), opts)
}

func seedGroup(t *testing.T, store *memStore) model.MarketGroup {
	t.Helper()
	g, err := store.UpsertMarketGroup(context.Background(), model.MarketGroup{
		ChainID:     1,
		Address:     hexAddress(groupAddress),
		DeployBlock: 10,
	})
	if err != nil {
		t.Fatalf("seed group: %v", err)
	}
	return g
}
