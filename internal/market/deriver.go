package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"marketScope/internal/model"
)

// ErrInvalidEvent marks events that decode but cannot be applied. They go to
// the dead letter sink instead of stopping ingestion.
var ErrInvalidEvent = errors.New("invalid event")

// Deriver applies stored events to market groups, epochs and the ledger.
// Applying an event again leaves the same state.
type Deriver struct {
	store  Store
	logger *zap.Logger
	tokens *TokenMetaCache

	// Callers returns the contract caller of a chain. Contract reads are
	// best effort and skipped when it is nil or fails.
	Callers func(chainID uint64) (Caller, error)
}

func NewDeriver(store Store, logger *zap.Logger) *Deriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deriver{
		store:  store,
		logger: logger.Named("deriver"),
		tokens: NewTokenMetaCache(),
	}
}

// Derive dispatches ev on its event name.
func (d *Deriver) Derive(ctx context.Context, group model.MarketGroup, ev model.Event) error {
	if ev.Args == nil {
		return fmt.Errorf("event %d has no args: %w", ev.ID, ErrInvalidEvent)
	}
	if ev.Args.EventName() != ev.Name {
		return fmt.Errorf("event %d: name %s does not match args %s: %w", ev.ID, ev.Name, ev.Args.EventName(), ErrInvalidEvent)
	}

	switch a := ev.Args.(type) {
	case model.MarketInitializedArgs:
		return d.initializeGroup(ctx, group, a)
	case model.MarketUpdatedArgs:
		return d.updateGroup(ctx, group, a)
	case model.EpochCreatedArgs:
		return d.createEpoch(ctx, group, a)
	case model.EpochSettledArgs:
		return d.settleEpoch(ctx, group, a)
	case model.TransferArgs:
		return d.transfer(ctx, group, a)
	}

	tx, ok, err := buildTransaction(ev)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidEvent)
	}
	if !ok {
		return fmt.Errorf("unhandled event %s: %w", ev.Name, ErrInvalidEvent)
	}
	return d.recordTransaction(ctx, tx)
}

func (d *Deriver) caller(chainID uint64) Caller {
	if d.Callers == nil {
		return nil
	}
	caller, err := d.Callers(chainID)
	if err != nil {
		d.logger.Debug("no contract caller", zap.Uint64("chain_id", chainID), zap.Error(err))
		return nil
	}
	return caller
}

func (d *Deriver) currentGroup(ctx context.Context, group model.MarketGroup) (model.MarketGroup, error) {
	stored, ok, err := d.store.GetMarketGroup(ctx, group.ChainID, group.Address)
	if err != nil {
		return group, fmt.Errorf("load market group: %w", err)
	}
	if !ok {
		return group, nil
	}
	return stored, nil
}

func (d *Deriver) initializeGroup(ctx context.Context, group model.MarketGroup, a model.MarketInitializedArgs) error {
	g, err := d.currentGroup(ctx, group)
	if err != nil {
		return err
	}
	g.Owner = a.InitialOwner
	g.CollateralAsset = a.CollateralAsset
	g.Params = a.Params
	g.Initialized = true

	if caller := d.caller(g.ChainID); caller != nil && common.IsHexAddress(a.CollateralAsset) {
		meta, err := resolveCollateral(ctx, caller, d.tokens, common.HexToAddress(a.CollateralAsset), d.logger)
		if err != nil {
			d.logger.Warn("collateral metadata unavailable",
				zap.String("market_group", g.Address),
				zap.String("collateral", a.CollateralAsset),
				zap.Error(err),
			)
		} else {
			g.CollateralSymbol = meta.Symbol
			g.CollateralDecimals = meta.Decimals
		}
	}
	return d.store.SaveMarketGroup(ctx, g)
}

func (d *Deriver) updateGroup(ctx context.Context, group model.MarketGroup, a model.MarketUpdatedArgs) error {
	g, err := d.currentGroup(ctx, group)
	if err != nil {
		return err
	}
	g.Params = a.Params
	return d.store.SaveMarketGroup(ctx, g)
}

func (d *Deriver) createEpoch(ctx context.Context, group model.MarketGroup, a model.EpochCreatedArgs) error {
	m := model.Market{
		MarketGroupID:        group.ID,
		MarketID:             a.EpochID,
		StartTimestamp:       a.StartTime,
		EndTimestamp:         a.EndTime,
		StartingSqrtPriceX96: a.StartingSqrtPriceX96,
	}
	if caller := d.caller(group.ChainID); caller != nil {
		bounds, err := FetchEpochBounds(ctx, caller, common.HexToAddress(group.Address), a.EpochID)
		if err != nil {
			d.logger.Debug("epoch bounds unavailable",
				zap.String("market_group", group.Address),
				zap.Uint64("epoch", a.EpochID),
				zap.Error(err),
			)
		} else {
			m.BaseAssetMinPriceTick = bounds.MinPriceTick
			m.BaseAssetMaxPriceTick = bounds.MaxPriceTick
		}
	}
	return d.store.UpsertMarket(ctx, m)
}

func (d *Deriver) settleEpoch(ctx context.Context, group model.MarketGroup, a model.EpochSettledArgs) error {
	price, err := SettlementPriceD18(a.SettlementSqrtPriceX96)
	if err != nil {
		return fmt.Errorf("settlement price: %v: %w", err, ErrInvalidEvent)
	}
	settled, err := d.store.SettleMarket(ctx, group.ID, a.EpochID, price)
	if err != nil {
		return err
	}
	if !settled {
		d.logger.Info("epoch missing or already settled",
			zap.String("market_group", group.Address),
			zap.Uint64("epoch", a.EpochID),
		)
	}
	return nil
}

func (d *Deriver) transfer(ctx context.Context, group model.MarketGroup, a model.TransferArgs) error {
	updated, err := d.store.SetPositionOwner(ctx, group.ID, a.TokenID, a.To)
	if err != nil {
		return err
	}
	if !updated {
		d.logger.Debug("transfer before position exists",
			zap.String("market_group", group.Address),
			zap.Uint64("position", a.TokenID),
		)
	}
	return nil
}

func (d *Deriver) recordTransaction(ctx context.Context, tx model.Transaction) error {
	if tx.Owner == "" {
		pos, ok, err := d.store.GetPosition(ctx, tx.MarketGroupID, tx.PositionID)
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}
		if ok {
			tx.Owner = pos.Owner
			if tx.MarketID == 0 {
				tx.MarketID = pos.MarketID
			}
		}
	}
	if tx.Type == model.TxSettledPosition {
		ratio, err := d.settlementRatio(ctx, tx.MarketGroupID, tx.MarketID)
		if err != nil {
			return err
		}
		tx.TradeRatioD18 = ratio
	}
	attachCollateralTransfer(&tx)

	if _, err := d.store.UpsertTransaction(ctx, tx); err != nil {
		return fmt.Errorf("store transaction: %w", err)
	}
	return d.foldPosition(ctx, tx.MarketGroupID, tx.PositionID)
}

// settlementRatio is the settlement price of the position's epoch, or "0"
// while the epoch is unknown or unsettled.
func (d *Deriver) settlementRatio(ctx context.Context, groupID int64, marketID uint64) (string, error) {
	if marketID == 0 {
		return "0", nil
	}
	m, ok, err := d.store.GetMarket(ctx, groupID, marketID)
	if err != nil {
		return "", fmt.Errorf("load market: %w", err)
	}
	if !ok || m.SettlementPriceD18 == "" {
		return "0", nil
	}
	return m.SettlementPriceD18, nil
}

// foldPosition recomputes a position from all of its transactions.
func (d *Deriver) foldPosition(ctx context.Context, groupID int64, positionID uint64) error {
	pos, ok, err := d.store.GetPosition(ctx, groupID, positionID)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if !ok {
		pos = model.Position{MarketGroupID: groupID, PositionID: positionID}
	}
	txs, err := d.store.PositionTransactions(ctx, groupID, positionID)
	if err != nil {
		return fmt.Errorf("load position transactions: %w", err)
	}

	folded, changed, err := model.FoldPosition(pos, txs)
	if err != nil {
		return fmt.Errorf("fold position %d: %v: %w", positionID, err, ErrInvalidEvent)
	}
	if _, err := d.store.UpsertPosition(ctx, folded); err != nil {
		return fmt.Errorf("store position: %w", err)
	}
	if len(changed) > 0 {
		if err := d.store.UpdateTransactionDeltas(ctx, changed); err != nil {
			return fmt.Errorf("store transaction deltas: %w", err)
		}
	}
	return nil
}
