package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketScope/internal/alert"
	"marketScope/internal/chain"
	"marketScope/internal/config"
	"marketScope/internal/market"
	"marketScope/internal/metrics"
	"marketScope/internal/model"
	"marketScope/internal/resource"
	"marketScope/internal/storage"
	"marketScope/internal/storage/postgres"
)

// app owns everything a command needs for one process run.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *postgres.Store
	chains   chain.Clients
	alerts   alert.Sink
	webhook  *alert.WebhookSink
	metrics  *metrics.Metrics
	registry config.Registry

	resources *resource.Registry
	ingestor  *market.Ingestor

	mu       sync.Mutex
	backfill map[uint64]*market.Backfiller
	watchers map[uint64]*market.Watcher
}

// loadConfig reads the configuration and builds the run logger.
func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	runID := uuid.NewString()
	return cfg, logger.With(zap.String("run_id", runID), zap.String("command", cmd.Name())), nil
}

// newApp connects to Postgres and every configured chain, and seeds the
// registry into the database.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	reg, err := loadRegistry(cfg.Registry, logger)
	if err != nil {
		return nil, err
	}

	store, err := postgres.NewStore(ctx, cfg.DatabaseURL, postgres.Options{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	chains, err := chain.DialAll(ctx, cfg.RPCURLs)
	if err != nil {
		store.Close()
		return nil, err
	}
	for id, client := range chains {
		if err := client.VerifyChainID(ctx); err != nil {
			chains.Close()
			store.Close()
			return nil, fmt.Errorf("chain %d: %w", id, err)
		}
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		chains:   chains,
		metrics:  metrics.New(),
		registry: reg,
		backfill: make(map[uint64]*market.Backfiller),
		watchers: make(map[uint64]*market.Watcher),
	}

	sinks := alert.Multi{alert.NewLogSink(logger)}
	if cfg.AlertWebhook != "" {
		a.webhook = alert.NewWebhookSink(cfg.AlertWebhook, alert.Severity(strings.ToLower(cfg.AlertMinSeverity)), 0, logger)
		sinks = append(sinks, a.webhook)
	}
	a.alerts = sinks

	a.resources = resource.NewRegistry(resource.Sources{
		EVM: func(chainID uint64) (resource.EVMChain, error) {
			client, err := a.chains.Get(chainID)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		SolanaRPC:      cfg.SolanaRPC,
		SolanaWS:       cfg.SolanaWS,
		CeleniumAPIKey: cfg.CeleniumAPIKey,
		NOAAToken:      cfg.NOAAToken,
		HTTP: resource.HTTPOptions{
			RatePerSecond: cfg.HTTPRateLimit,
			MaxRetries:    cfg.MaxRetries,
			RetryBackoff:  cfg.RetryBackoff,
		},
	}, resource.Options{
		Store:   store,
		Logger:  logger,
		Alerts:  a.alerts,
		Metrics: a.metrics,
	})

	decoder, err := market.NewDecoder()
	if err != nil {
		a.Close()
		return nil, err
	}
	deriver := market.NewDeriver(store, logger)
	deriver.Callers = func(chainID uint64) (market.Caller, error) {
		client, err := a.chains.Get(chainID)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	a.ingestor = market.NewIngestor(store, decoder, deriver, market.IngestorOptions{
		DeadLetter: storage.NewJsonlStorage(cfg.DeadLetter),
		Metrics:    a.metrics,
		Logger:     logger,
	})

	if err := a.seed(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("indexer ready",
		zap.Int("chains", len(chains)),
		zap.Int("resources", len(reg.Resources)),
		zap.Int("markets", len(reg.Markets)),
		zap.Int("factories", len(reg.Factories)),
	)
	return a, nil
}

// loadRegistry reads the registry file. A missing file is an empty registry.
func loadRegistry(path string, logger *zap.Logger) (config.Registry, error) {
	if path == "" {
		return config.Registry{}, nil
	}
	reg, err := config.LoadRegistry(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("registry file not found", zap.String("path", path))
		return config.Registry{}, nil
	}
	return reg, err
}

// seed inserts registry resources and market groups that are not stored
// yet. Stored rows are left as they are.
func (a *app) seed(ctx context.Context) error {
	resources, err := a.store.SeedResources(ctx, a.registry.Resources)
	if err != nil {
		return fmt.Errorf("seed resources: %w", err)
	}
	a.registry.Resources = resources

	for _, entry := range a.registry.Markets {
		_, err := a.store.UpsertMarketGroup(ctx, model.MarketGroup{
			ChainID:         entry.ChainID,
			Address:         strings.ToLower(entry.Address),
			DeployBlock:     entry.DeployBlock,
			DeployTimestamp: entry.DeployTimestamp,
		})
		if err != nil {
			return fmt.Errorf("seed market group %s: %w", entry.Address, err)
		}
	}
	return nil
}

// resource returns the stored resource of slug.
func (a *app) resource(ctx context.Context, slug string) (model.Resource, error) {
	res, ok, err := a.store.ResourceBySlug(ctx, slug)
	if err != nil {
		return model.Resource{}, err
	}
	if !ok {
		return model.Resource{}, fmt.Errorf("unknown resource %q", slug)
	}
	return res, nil
}

// marketGroup returns the stored group at address on chainID.
func (a *app) marketGroup(ctx context.Context, chainID uint64, address string) (model.MarketGroup, error) {
	group, ok, err := a.store.GetMarketGroup(ctx, chainID, strings.ToLower(address))
	if err != nil {
		return model.MarketGroup{}, err
	}
	if !ok {
		return model.MarketGroup{}, fmt.Errorf("unknown market group %s on chain %d", address, chainID)
	}
	return group, nil
}

// backfiller returns the market backfiller of chainID.
func (a *app) backfiller(chainID uint64) (*market.Backfiller, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.backfill[chainID]; ok {
		return b, nil
	}
	client, err := a.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	b := market.NewBackfiller(client, a.ingestor, a.store, a.backfillOptions())
	a.backfill[chainID] = b
	return b, nil
}

// watcher returns the live market watcher of chainID.
func (a *app) watcher(chainID uint64) (*market.Watcher, error) {
	b, err := a.backfiller(chainID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.watchers[chainID]; ok {
		return w, nil
	}
	w := market.NewWatcher(b, market.WatcherOptions{Metrics: a.metrics})
	a.watchers[chainID] = w
	return w, nil
}

func (a *app) backfillOptions() market.BackfillOptions {
	return market.BackfillOptions{
		Scan: market.ScanConfig{
			BatchSize:    a.cfg.BatchSize,
			MaxRetries:   a.cfg.MaxRetries,
			RetryBackoff: a.cfg.RetryBackoff,
		},
		State:  a.store,
		Alerts: a.alerts,
		Logger: a.logger,
	}
}

// Close releases every connection and flushes pending alerts.
func (a *app) Close() {
	if a.resources != nil {
		a.resources.Close()
	}
	if a.webhook != nil {
		a.webhook.Close()
	}
	a.chains.Close()
	a.store.Close()
	_ = a.logger.Sync()
}
