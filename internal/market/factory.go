package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

// Factory is a market group factory to follow.
type Factory struct {
	ChainID     uint64
	Address     string
	DeployBlock uint64
}

// FactoryCheckpointName is the state key of a factory stream.
func FactoryCheckpointName(chainID uint64, address string) string {
	return fmt.Sprintf("factory:%d:%s", chainID, strings.ToLower(address))
}

// GroupHandler is called once per market group a factory deploys.
type GroupHandler func(ctx context.Context, group model.MarketGroup)

// FactoryWatcher registers market groups deployed by a factory and hands
// each new one to a GroupHandler.
type FactoryWatcher struct {
	scanner scanner
	decoder *Decoder
	groups  GroupStore
	watcher *Watcher
	onGroup GroupHandler

	mu      sync.Mutex
	started map[string]bool
}

func NewFactoryWatcher(c Chain, groups GroupStore, watcher *Watcher, onGroup GroupHandler, opts BackfillOptions) (*FactoryWatcher, error) {
	decoder, err := NewFactoryDecoder()
	if err != nil {
		return nil, err
	}
	b := NewBackfiller(c, nil, groups, opts)
	b.scanner.logger = b.scanner.logger.Named("factory")
	if watcher == nil {
		watcher = NewWatcher(b, WatcherOptions{})
	}
	return &FactoryWatcher{
		scanner: b.scanner,
		decoder: decoder,
		groups:  groups,
		watcher: watcher,
		onGroup: onGroup,
		started: make(map[string]bool),
	}, nil
}

// Backfill registers every group factory deployed in [from, to]; to == 0
// means the latest block.
func (f *FactoryWatcher) Backfill(ctx context.Context, factory Factory, from, to uint64) error {
	if to == 0 {
		latest, err := f.scanner.chain.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}
	addresses := []common.Address{common.HexToAddress(factory.Address)}
	return f.scanner.scan(ctx, addresses, f.decoder.Topics(), from, to, FactoryCheckpointName(factory.ChainID, factory.Address), f.handler(factory))
}

// Watch catches up from the factory checkpoint and follows new deployments
// under the reconnect supervisor of the market watcher.
func (f *FactoryWatcher) Watch(ctx context.Context, factory Factory) error {
	name := FactoryCheckpointName(factory.ChainID, factory.Address)
	guard := f.watcher.guard(name)
	watchCtx, ok := guard.Begin(ctx)
	if !ok {
		f.scanner.logger.Info("already watching", zap.String("factory", factory.Address))
		return nil
	}
	defer guard.End()

	f.scanner.logger.Info("watch start", zap.String("factory", factory.Address), zap.Uint64("chain_id", factory.ChainID))
	sup := indexer.Supervisor{
		Name:    name,
		Policy:  f.watcher.policy,
		Logger:  f.scanner.logger,
		Alerts:  f.scanner.alerts,
		Metrics: f.watcher.metrics,
	}
	return sup.Run(watchCtx, func(ctx context.Context, healthy func()) error {
		addresses := []common.Address{common.HexToAddress(factory.Address)}
		logs := make(chan types.Log, logBuffer)
		sub, err := f.scanner.chain.SubscribeLogs(ctx, addresses, f.decoder.Topics(), logs)
		if err != nil {
			return fmt.Errorf("subscribe factory logs: %w", err)
		}
		defer sub.Unsubscribe()
		healthy()

		head, err := f.scanner.chain.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		from := factory.DeployBlock
		if f.scanner.state != nil {
			last, ok, err := f.scanner.state.LoadState(ctx, name)
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}
			if ok {
				from = last + 1
			}
		}
		if err := f.Backfill(ctx, factory, from, head); err != nil {
			return fmt.Errorf("catch up: %w", err)
		}
		return follow(ctx, &f.scanner, sub, logs, head, name, DefaultCheckpointInterval, f.handler(factory))
	})
}

func (f *FactoryWatcher) handler(factory Factory) logHandler {
	return func(ctx context.Context, record model.LogRecord) error {
		args, err := f.decoder.Decode(record)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				return nil
			}
			f.scanner.logger.Warn("skip factory log", zap.String("tx_hash", record.TxHash), zap.Error(err))
			return nil
		}
		a, ok := args.(model.MarketGroupInitializedArgs)
		if !ok {
			return nil
		}
		group, err := f.register(ctx, factory, record, a)
		if err != nil {
			return err
		}
		f.start(ctx, group)
		return nil
	}
}

func (f *FactoryWatcher) register(ctx context.Context, factory Factory, record model.LogRecord, a model.MarketGroupInitializedArgs) (model.MarketGroup, error) {
	existing, ok, err := f.groups.GetMarketGroup(ctx, factory.ChainID, a.MarketGroup)
	if err != nil {
		return model.MarketGroup{}, fmt.Errorf("load market group: %w", err)
	}
	group := existing
	if !ok {
		group = model.MarketGroup{ChainID: factory.ChainID, Address: a.MarketGroup}
	}
	group.FactoryAddress = strings.ToLower(factory.Address)
	group.InitializationNonce = a.Nonce
	group.DeployBlock = record.BlockNumber
	group.DeployTimestamp = record.Timestamp

	stored, err := f.groups.UpsertMarketGroup(ctx, group)
	if err != nil {
		return model.MarketGroup{}, fmt.Errorf("upsert market group: %w", err)
	}
	f.scanner.logger.Info("market group registered",
		zap.String("market_group", stored.Address),
		zap.String("factory", stored.FactoryAddress),
		zap.String("nonce", stored.InitializationNonce),
		zap.Uint64("deploy_block", stored.DeployBlock),
	)
	return stored, nil
}

func (f *FactoryWatcher) start(ctx context.Context, group model.MarketGroup) {
	if f.onGroup == nil {
		return
	}
	key := CheckpointName(group.ChainID, group.Address)
	f.mu.Lock()
	if f.started[key] {
		f.mu.Unlock()
		return
	}
	f.started[key] = true
	f.mu.Unlock()
	f.onGroup(ctx, group)
}

// Started reports whether onGroup already ran for the group.
func (f *FactoryWatcher) Started(chainID uint64, address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[CheckpointName(chainID, address)]
}
