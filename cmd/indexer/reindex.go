package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketScope/internal/config"
	"marketScope/internal/indexer"
	"marketScope/internal/market"
	"marketScope/internal/model"
	"marketScope/internal/resource"
)

func newReindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Backfill historical resource prices or market events",
	}

	resourceCmd := &cobra.Command{
		Use:   "resource",
		Short: "Backfill one resource over a time range or a unit list",
		RunE:  runReindexResource,
	}
	resourceCmd.Flags().String("resource", "", "resource slug")
	resourceCmd.Flags().String("start", "", "range start (unix seconds or RFC3339)")
	resourceCmd.Flags().String("end", "", "range end (unix seconds or RFC3339), empty means now")
	resourceCmd.Flags().Bool("overwrite", false, "replace stored prices")
	resourceCmd.Flags().StringSlice("units", nil, "explicit blocks, slots or timestamps (n or from-to), overrides the range")

	missingCmd := &cobra.Command{
		Use:   "missing",
		Short: "Backfill the blocks or slots of a resource that have no stored price",
		RunE:  runReindexMissing,
	}
	missingCmd.Flags().String("resource", "", "resource slug")
	missingCmd.Flags().String("start", "", "range start (unix seconds or RFC3339)")
	missingCmd.Flags().String("end", "", "range end (unix seconds or RFC3339), empty means now")

	marketCmd := &cobra.Command{
		Use:   "market",
		Short: "Replay the logs of a market group",
		RunE:  runReindexMarket,
	}
	addMarketFlags(marketCmd)
	marketCmd.Flags().Uint64("from-block", 0, "start block (inclusive), 0 means the deploy block")
	marketCmd.Flags().Uint64("to-block", 0, "end block (inclusive), 0 means latest")

	epochCmd := &cobra.Command{
		Use:   "epoch",
		Short: "Replay the blocks spanning one epoch of a market group",
		RunE:  runReindexEpoch,
	}
	addMarketFlags(epochCmd)
	epochCmd.Flags().Uint64("epoch", 0, "epoch id")

	factoryCmd := &cobra.Command{
		Use:   "factory",
		Short: "Register the market groups a factory deployed",
		RunE:  runReindexFactory,
	}
	addMarketFlags(factoryCmd)
	factoryCmd.Flags().Uint64("from-block", 0, "start block (inclusive), 0 means the registry deploy block")
	factoryCmd.Flags().Uint64("to-block", 0, "end block (inclusive), 0 means latest")

	cmd.AddCommand(resourceCmd, missingCmd, marketCmd, epochCmd, factoryCmd)
	return cmd
}

func addMarketFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64("chain-id", 0, "chain id")
	cmd.Flags().String("address", "", "contract address")
}

// startApp builds the app under a signal-cancelled context.
func startApp(cmd *cobra.Command) (context.Context, *app, func(), error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a, err := newApp(ctx, cmd)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, a, func() {
		a.Close()
		stop()
	}, nil
}

func timeRange(cmd *cobra.Command) (int64, int64, error) {
	rawStart, _ := cmd.Flags().GetString("start")
	rawEnd, _ := cmd.Flags().GetString("end")
	start, err := config.ParseTimestamp(rawStart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start: %w", err)
	}
	end, err := config.ParseTimestamp(rawEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end: %w", err)
	}
	if end != 0 && end < start {
		return 0, 0, fmt.Errorf("end %d before start %d", end, start)
	}
	return start, end, nil
}

func runReindexResource(cmd *cobra.Command, _ []string) error {
	start, end, err := timeRange(cmd)
	if err != nil {
		return err
	}
	rawUnits, _ := cmd.Flags().GetStringSlice("units")
	units, err := indexer.ParseUnits(rawUnits)
	if err != nil {
		return err
	}
	overwrite, _ := cmd.Flags().GetBool("overwrite")
	slug, _ := cmd.Flags().GetString("resource")

	ctx, a, done, err := startApp(cmd)
	if err != nil {
		return err
	}
	defer done()

	res, err := a.resource(ctx, slug)
	if err != nil {
		return err
	}
	adapter, err := a.resources.For(ctx, res)
	if err != nil {
		return err
	}

	var found bool
	if len(units) > 0 {
		a.logger.Info("resource reindex start", zap.String("resource", res.Slug), zap.Int("units", len(units)))
		found, err = adapter.BackfillList(ctx, res, units)
	} else {
		a.logger.Info("resource reindex start",
			zap.String("resource", res.Slug),
			zap.Int64("start", start),
			zap.Int64("end", end),
			zap.Bool("overwrite", overwrite),
		)
		found, err = adapter.BackfillRange(ctx, res, start, end, overwrite)
	}
	if err != nil {
		return err
	}
	if !found {
		a.logger.Warn("no units in range", zap.String("resource", res.Slug))
	}
	a.logger.Info("resource reindex done", zap.String("resource", res.Slug))
	return nil
}

func runReindexMissing(cmd *cobra.Command, _ []string) error {
	start, end, err := timeRange(cmd)
	if err != nil {
		return err
	}
	slug, _ := cmd.Flags().GetString("resource")

	ctx, a, done, err := startApp(cmd)
	if err != nil {
		return err
	}
	defer done()

	res, err := a.resource(ctx, slug)
	if err != nil {
		return err
	}
	adapter, err := a.resources.For(ctx, res)
	if err != nil {
		return err
	}
	missing, err := resource.MissingInRange(ctx, adapter, a.store, res, start, end)
	if err != nil {
		return err
	}
	a.logger.Info("missing units", zap.String("resource", res.Slug), zap.Int("count", len(missing)))
	if len(missing) == 0 {
		return nil
	}
	if _, err := adapter.BackfillList(ctx, res, missing); err != nil {
		return err
	}
	a.logger.Info("missing units backfilled", zap.String("resource", res.Slug), zap.Int("count", len(missing)))
	return nil
}

func marketTarget(cmd *cobra.Command) (uint64, string, error) {
	chainID, _ := cmd.Flags().GetUint64("chain-id")
	address, _ := cmd.Flags().GetString("address")
	if chainID == 0 {
		return 0, "", fmt.Errorf("chain-id is required")
	}
	addresses, err := indexer.ParseAddresses([]string{address})
	if err != nil {
		return 0, "", err
	}
	if len(addresses) == 0 {
		return 0, "", fmt.Errorf("address is required")
	}
	return chainID, address, nil
}

func runReindexMarket(cmd *cobra.Command, _ []string) error {
	chainID, address, err := marketTarget(cmd)
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetUint64("from-block")
	to, _ := cmd.Flags().GetUint64("to-block")

	ctx, a, done, err := startApp(cmd)
	if err != nil {
		return err
	}
	defer done()

	group, err := a.marketGroup(ctx, chainID, address)
	if err != nil {
		return err
	}
	b, err := a.backfiller(chainID)
	if err != nil {
		return err
	}
	if from == 0 && to == 0 {
		return b.Market(ctx, group)
	}
	if from == 0 {
		from = group.DeployBlock
	}
	return b.Run(ctx, group, from, to)
}

func runReindexEpoch(cmd *cobra.Command, _ []string) error {
	chainID, address, err := marketTarget(cmd)
	if err != nil {
		return err
	}
	epochID, _ := cmd.Flags().GetUint64("epoch")

	ctx, a, done, err := startApp(cmd)
	if err != nil {
		return err
	}
	defer done()

	group, err := a.marketGroup(ctx, chainID, address)
	if err != nil {
		return err
	}
	b, err := a.backfiller(chainID)
	if err != nil {
		return err
	}
	return b.Epoch(ctx, group, epochID)
}

func runReindexFactory(cmd *cobra.Command, _ []string) error {
	chainID, address, err := marketTarget(cmd)
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetUint64("from-block")
	to, _ := cmd.Flags().GetUint64("to-block")

	ctx, a, done, err := startApp(cmd)
	if err != nil {
		return err
	}
	defer done()

	factory := market.Factory{ChainID: chainID, Address: address}
	for _, entry := range a.registry.Factories {
		if entry.ChainID == chainID && strings.EqualFold(entry.Address, address) {
			factory.DeployBlock = entry.DeployBlock
		}
	}
	if from == 0 {
		from = factory.DeployBlock
	}

	client, err := a.chains.Get(chainID)
	if err != nil {
		return err
	}
	fw, err := market.NewFactoryWatcher(client, a.store, nil, func(_ context.Context, group model.MarketGroup) {
		a.logger.Info("market group found", zap.String("market_group", group.Address), zap.Uint64("deploy_block", group.DeployBlock))
	}, a.backfillOptions())
	if err != nil {
		return err
	}
	return fw.Backfill(ctx, factory, from, to)
}
