package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"marketScope/internal/chain"
	"marketScope/internal/indexer"
	"marketScope/internal/metrics"
	"marketScope/internal/model"
)

// DefaultReconnect is the live watch policy of market groups and factories.
var DefaultReconnect = indexer.ReconnectPolicy{
	MaxAttempts: 5,
	BaseDelay:   5 * time.Second,
	Exponential: true,
	MaxDelay:    5 * time.Minute,
}

const (
	logBuffer = 256

	// DefaultCheckpointInterval paces checkpoint flushes while no logs arrive.
	DefaultCheckpointInterval = 30 * time.Second
)

// Watcher follows market groups live: it catches up from the checkpoint and
// then processes subscribed logs through the same ingestion path.
type Watcher struct {
	backfill   *Backfiller
	metrics    *metrics.Metrics
	policy     indexer.ReconnectPolicy
	flushEvery time.Duration

	mu     sync.Mutex
	guards map[string]*indexer.WatchGuard
}

// WatcherOptions are the optional collaborators of a Watcher.
type WatcherOptions struct {
	Metrics   *metrics.Metrics
	Reconnect *indexer.ReconnectPolicy
	// CheckpointInterval overrides DefaultCheckpointInterval.
	CheckpointInterval time.Duration
}

func NewWatcher(backfill *Backfiller, opts WatcherOptions) *Watcher {
	policy := DefaultReconnect
	if opts.Reconnect != nil {
		policy = *opts.Reconnect
	}
	flushEvery := DefaultCheckpointInterval
	if opts.CheckpointInterval > 0 {
		flushEvery = opts.CheckpointInterval
	}
	return &Watcher{
		backfill:   backfill,
		metrics:    opts.Metrics,
		policy:     policy,
		flushEvery: flushEvery,
		guards:     make(map[string]*indexer.WatchGuard),
	}
}

func (w *Watcher) guard(name string) *indexer.WatchGuard {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.guards[name]
	if !ok {
		g = &indexer.WatchGuard{}
		w.guards[name] = g
	}
	return g
}

// Watching reports whether group has a running watch.
func (w *Watcher) Watching(group model.MarketGroup) bool {
	return w.guard(CheckpointName(group.ChainID, group.Address)).Watching()
}

// Watch runs until ctx is done or the watcher is disabled, in which case the
// error wraps indexer.ErrWatcherDisabled. A second call for a group that is
// already watched returns nil.
func (w *Watcher) Watch(ctx context.Context, group model.MarketGroup) error {
	name := CheckpointName(group.ChainID, group.Address)
	s := &w.backfill.scanner
	guard := w.guard(name)
	watchCtx, ok := guard.Begin(ctx)
	if !ok {
		s.logger.Info("already watching", zap.String("market_group", group.Address))
		return nil
	}
	defer guard.End()

	s.logger.Info("watch start", zap.String("market_group", group.Address), zap.Uint64("chain_id", group.ChainID))
	sup := indexer.Supervisor{
		Name:    name,
		Policy:  w.policy,
		Logger:  s.logger,
		Alerts:  s.alerts,
		Metrics: w.metrics,
	}
	return sup.Run(watchCtx, func(ctx context.Context, healthy func()) error {
		return w.session(ctx, healthy, group, name)
	})
}

func (w *Watcher) session(ctx context.Context, healthy func(), group model.MarketGroup, checkpoint string) error {
	s := &w.backfill.scanner
	addresses := []common.Address{common.HexToAddress(group.Address)}
	topics := w.backfill.ingestor.Topics()

	// Subscribing before the catch-up leaves no gap between the two; logs
	// seen twice are idempotent.
	logs := make(chan types.Log, logBuffer)
	sub, err := s.chain.SubscribeLogs(ctx, addresses, topics, logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()
	healthy()

	head, err := w.catchUp(ctx, group, checkpoint)
	if err != nil {
		return err
	}

	handle := func(ctx context.Context, record model.LogRecord) error {
		return w.backfill.ingestor.Process(ctx, group, record)
	}
	return follow(ctx, s, sub, logs, head, checkpoint, w.flushEvery, handle)
}

// catchUp backfills from the checkpoint (or deploy block) to the current
// head and returns the head.
func (w *Watcher) catchUp(ctx context.Context, group model.MarketGroup, checkpoint string) (uint64, error) {
	s := &w.backfill.scanner
	head, err := s.chain.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get latest block: %w", err)
	}
	from := group.DeployBlock
	if s.state != nil {
		last, ok, err := s.state.LoadState(ctx, checkpoint)
		if err != nil {
			return 0, fmt.Errorf("load checkpoint: %w", err)
		}
		if ok {
			from = last + 1
		}
	}
	if from <= head {
		if err := w.backfill.Run(ctx, group, from, head); err != nil {
			return 0, fmt.Errorf("catch up: %w", err)
		}
	}
	return head, nil
}

// follow processes subscribed logs above head. A block is checkpointed once
// a log from a later block arrives. Every flushEvery, with no logs queued,
// the head seen at the previous flush is checkpointed as well.
func follow(ctx context.Context, s *scanner, sub ethereum.Subscription, logs <-chan types.Log, head uint64, checkpoint string, flushEvery time.Duration, handle logHandler) error {
	saved := head
	seen := head
	pending := uint64(0)
	save := func(block uint64) error {
		if block <= saved || s.state == nil || checkpoint == "" {
			return nil
		}
		if err := s.state.SaveState(ctx, checkpoint, block); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		saved = block
		return nil
	}

	var flush <-chan time.Time
	if flushEvery > 0 {
		ticker := time.NewTicker(flushEvery)
		defer ticker.Stop()
		flush = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				return fmt.Errorf("log subscription closed")
			}
			return err
		case <-flush:
			if len(logs) > 0 {
				continue
			}
			if err := save(seen); err != nil {
				return err
			}
			latest, err := s.chain.LatestBlockNumber(ctx)
			if err != nil {
				s.logger.Warn("head poll failed", zap.String("checkpoint", checkpoint), zap.Error(err))
				continue
			}
			if latest > seen {
				seen = latest
			}
		case l := <-logs:
			if l.Removed || l.BlockNumber <= head {
				continue
			}
			if pending != 0 && l.BlockNumber > pending {
				if err := save(pending); err != nil {
					return err
				}
			}
			if l.BlockNumber > pending {
				pending = l.BlockNumber
			}
			ts, err := s.blockTimestamp(ctx, l.BlockNumber)
			if err != nil {
				return fmt.Errorf("block timestamp %d: %w", l.BlockNumber, err)
			}
			if err := handle(ctx, chain.ToLogRecord(s.chain.ChainID(), l, ts)); err != nil {
				return err
			}
		}
	}
}
