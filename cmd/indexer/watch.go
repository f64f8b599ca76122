package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketScope/internal/indexer"
	"marketScope/internal/market"
	"marketScope/internal/model"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow resources and market groups live",
		RunE:  runWatch,
	}
	cmd.Flags().StringSlice("resources", nil, "resource slugs to watch (default all registered)")
	cmd.Flags().Bool("markets", true, "watch stored market groups and registry factories")
	cmd.Flags().String("metrics-addr", ":9090", "address of the metrics and health endpoint (empty disables it)")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	slugs, _ := cmd.Flags().GetStringSlice("resources")
	resources, err := selectResources(a.registry.Resources, slugs)
	if err != nil {
		return err
	}
	withMarkets, _ := cmd.Flags().GetBool("markets")

	g, gctx := errgroup.WithContext(ctx)
	abort := func(err error) error {
		stop()
		_ = g.Wait()
		return err
	}
	if addr := a.cfg.MetricsAddr; addr != "" {
		g.Go(func() error {
			return a.metrics.Serve(gctx, addr, a.logger)
		})
	}

	for _, res := range resources {
		res := res
		adapter, err := a.resources.For(gctx, res)
		if err != nil {
			return abort(err)
		}
		g.Go(func() error {
			return a.untilDisabled("resource "+res.Slug, adapter.WatchLive(gctx, res))
		})
	}

	if withMarkets {
		if err := a.watchMarkets(gctx, g); err != nil {
			return abort(err)
		}
	}

	a.logger.Info("watch start", zap.Int("resources", len(resources)), zap.Bool("markets", withMarkets))
	return g.Wait()
}

// watchMarkets starts a watcher per stored market group and per registry
// factory. Groups a factory deploys later are watched as they appear.
func (a *app) watchMarkets(ctx context.Context, g *errgroup.Group) error {
	watch := func(group model.MarketGroup) error {
		w, err := a.watcher(group.ChainID)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return a.untilDisabled("market "+group.Address, w.Watch(ctx, group))
		})
		return nil
	}

	groups, err := a.store.ListMarketGroups(ctx)
	if err != nil {
		return fmt.Errorf("list market groups: %w", err)
	}
	for _, group := range groups {
		if err := watch(group); err != nil {
			return err
		}
	}

	for _, entry := range a.registry.Factories {
		client, err := a.chains.Get(entry.ChainID)
		if err != nil {
			return err
		}
		w, err := a.watcher(entry.ChainID)
		if err != nil {
			return err
		}
		onGroup := func(_ context.Context, group model.MarketGroup) {
			if err := watch(group); err != nil {
				a.logger.Error("start market watcher failed", zap.String("market_group", group.Address), zap.Error(err))
			}
		}
		fw, err := market.NewFactoryWatcher(client, a.store, w, onGroup, a.backfillOptions())
		if err != nil {
			return err
		}
		factory := market.Factory{ChainID: entry.ChainID, Address: entry.Address, DeployBlock: entry.DeployBlock}
		g.Go(func() error {
			return a.untilDisabled("factory "+factory.Address, fw.Watch(ctx, factory))
		})
	}
	return nil
}

// untilDisabled keeps a disabled watcher from stopping the others. It has
// already alerted.
func (a *app) untilDisabled(name string, err error) error {
	if errors.Is(err, indexer.ErrWatcherDisabled) {
		a.logger.Error("watcher disabled", zap.String("watcher", name), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// selectResources returns the registered resources named by slugs, or all of
// them when slugs is empty.
func selectResources(registered []model.Resource, slugs []string) ([]model.Resource, error) {
	if len(slugs) == 0 {
		return registered, nil
	}
	bySlug := make(map[string]model.Resource, len(registered))
	for _, res := range registered {
		bySlug[res.Slug] = res
	}
	out := make([]model.Resource, 0, len(slugs))
	for _, slug := range slugs {
		res, ok := bySlug[slug]
		if !ok {
			return nil, fmt.Errorf("unknown resource %q", slug)
		}
		out = append(out, res)
	}
	return out, nil
}
