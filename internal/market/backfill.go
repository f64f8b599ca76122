package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"marketScope/internal/alert"
	"marketScope/internal/chain"
	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

// Chain is the RPC surface the market pipeline needs. *chain.Client
// implements it.
type Chain interface {
	Caller
	ChainID() uint64
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	BlockAtOrAfter(ctx context.Context, ts int64) (uint64, bool, error)
	BlockAtOrBefore(ctx context.Context, ts int64) (uint64, bool, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
}

var _ Chain = (*chain.Client)(nil)

// ScanConfig tunes chunked log scans.
type ScanConfig struct {
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c ScanConfig) withDefaults() ScanConfig {
	if c.BatchSize == 0 {
		c.BatchSize = 2000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// logHandler receives every log of a scan in chain order.
type logHandler func(ctx context.Context, record model.LogRecord) error

// scanner walks block ranges in chunks and hands logs to a handler.
type scanner struct {
	chain  Chain
	cfg    ScanConfig
	state  indexer.StateStore
	alerts alert.Sink
	logger *zap.Logger
}

// scan processes [from, to] for addresses. A chunk whose getLogs keeps
// failing is retried block by block; blocks that still fail are reported and
// skipped. When checkpoint is set it advances after every chunk.
func (s *scanner) scan(ctx context.Context, addresses []common.Address, topics []common.Hash, from, to uint64, checkpoint string, handle logHandler) error {
	if from > to {
		s.logger.Info("nothing to scan", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}
	ranges, err := indexer.SplitRange(from, to, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Info("fetch logs", zap.Uint64("from", r.From), zap.Uint64("to", r.To))

		logs, err := s.filterLogs(ctx, addresses, topics, r.From, r.To)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("chunk failed, falling back to single blocks",
				zap.Uint64("from", r.From),
				zap.Uint64("to", r.To),
				zap.Error(err),
			)
			logs = s.filterBlocks(ctx, addresses, topics, r)
		}

		sort.Slice(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})
		for _, l := range logs {
			if l.Removed {
				continue
			}
			ts, err := s.blockTimestamp(ctx, l.BlockNumber)
			if err != nil {
				return fmt.Errorf("block timestamp %d: %w", l.BlockNumber, err)
			}
			if err := handle(ctx, chain.ToLogRecord(s.chain.ChainID(), l, ts)); err != nil {
				return err
			}
		}

		if checkpoint != "" && s.state != nil {
			if err := s.state.SaveState(ctx, checkpoint, r.To); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
		}
		s.logger.Info("batch complete", zap.Int("logs", len(logs)), zap.Uint64("from", r.From), zap.Uint64("to", r.To))
	}
	return nil
}

func (s *scanner) filterLogs(ctx context.Context, addresses []common.Address, topics []common.Hash, from, to uint64) ([]types.Log, error) {
	var logs []types.Log
	err := indexer.WithRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = s.chain.FilterLogs(ctx, from, to, addresses, topics)
		if err != nil {
			s.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", from), zap.Uint64("to", to))
		}
		return err
	})
	return logs, err
}

func (s *scanner) filterBlocks(ctx context.Context, addresses []common.Address, topics []common.Hash, r indexer.BlockRange) []types.Log {
	var out []types.Log
	for n := r.From; n <= r.To; n++ {
		if ctx.Err() != nil {
			return out
		}
		logs, err := s.filterLogs(ctx, addresses, topics, n, n)
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			s.logger.Error("block failed, skipping", zap.Uint64("block_number", n), zap.Error(err))
			s.alerts.Send(ctx, alert.New(alert.SeverityError, "market-backfill", "getLogs failed for block", map[string]string{
				"chain_id":  fmt.Sprint(s.chain.ChainID()),
				"block":     fmt.Sprint(n),
				"addresses": joinAddresses(addresses),
				"error":     err.Error(),
			}))
			continue
		}
		out = append(out, logs...)
	}
	return out
}

func (s *scanner) blockTimestamp(ctx context.Context, n uint64) (uint64, error) {
	var ts uint64
	err := indexer.WithRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = s.chain.BlockTimestamp(ctx, n)
		return err
	})
	return ts, err
}

func joinAddresses(addresses []common.Address) string {
	parts := make([]string, 0, len(addresses))
	for _, a := range addresses {
		parts = append(parts, hexAddress(a))
	}
	return strings.Join(parts, ",")
}

// CheckpointName is the state key of a market group's ingestion stream.
func CheckpointName(chainID uint64, address string) string {
	return fmt.Sprintf("market:%d:%s", chainID, strings.ToLower(address))
}

// Backfiller replays historical logs of market groups.
type Backfiller struct {
	scanner  scanner
	ingestor *Ingestor
	groups   GroupStore
}

// BackfillOptions are the optional collaborators of a Backfiller.
type BackfillOptions struct {
	Scan   ScanConfig
	State  indexer.StateStore
	Alerts alert.Sink
	Logger *zap.Logger
}

func NewBackfiller(c Chain, ingestor *Ingestor, groups GroupStore, opts BackfillOptions) *Backfiller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = alert.Nop{}
	}
	return &Backfiller{
		scanner: scanner{
			chain:  c,
			cfg:    opts.Scan.withDefaults(),
			state:  opts.State,
			alerts: alerts,
			logger: logger.Named("backfill"),
		},
		ingestor: ingestor,
		groups:   groups,
	}
}

// Run ingests the logs of group in [from, to]; to == 0 means the latest
// block. The checkpoint only advances when the range continues from it, so
// replaying an older window never hides unprocessed blocks.
func (b *Backfiller) Run(ctx context.Context, group model.MarketGroup, from, to uint64) error {
	if to == 0 {
		latest, err := b.scanner.chain.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}

	name := CheckpointName(group.ChainID, group.Address)
	checkpoint := ""
	if b.scanner.state != nil {
		last, ok, err := b.scanner.state.LoadState(ctx, name)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if (ok && from <= last+1 && to > last) || (!ok && from <= group.DeployBlock) {
			checkpoint = name
		}
	}

	b.scanner.logger.Info("market backfill start",
		zap.String("market_group", group.Address),
		zap.Uint64("chain_id", group.ChainID),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
	)
	addresses := []common.Address{common.HexToAddress(group.Address)}
	return b.scanner.scan(ctx, addresses, b.ingestor.Topics(), from, to, checkpoint, func(ctx context.Context, record model.LogRecord) error {
		return b.ingestor.Process(ctx, group, record)
	})
}

// Market ingests the whole history of group, from its deploy block to the
// latest block.
func (b *Backfiller) Market(ctx context.Context, group model.MarketGroup) error {
	return b.Run(ctx, group, group.DeployBlock, 0)
}

// Epoch ingests the blocks spanning one epoch, clamped to the latest block.
func (b *Backfiller) Epoch(ctx context.Context, group model.MarketGroup, epochID uint64) error {
	m, ok, err := b.groups.GetMarket(ctx, group.ID, epochID)
	if err != nil {
		return fmt.Errorf("load epoch: %w", err)
	}
	if !ok {
		return fmt.Errorf("epoch %d of %s not found", epochID, group.Address)
	}

	c := b.scanner.chain
	from, ok, err := c.BlockAtOrAfter(ctx, int64(m.StartTimestamp))
	if err != nil {
		return fmt.Errorf("resolve epoch start: %w", err)
	}
	if !ok {
		b.scanner.logger.Info("epoch starts after the latest block", zap.Uint64("epoch", epochID))
		return nil
	}
	latest, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	to, ok, err := c.BlockAtOrBefore(ctx, int64(m.EndTimestamp))
	if err != nil {
		return fmt.Errorf("resolve epoch end: %w", err)
	}
	if !ok || to > latest {
		to = latest
	}
	return b.Run(ctx, group, from, to)
}
