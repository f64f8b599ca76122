package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"marketScope/internal/model"
)

const groupColumns = `id, chain_id, address, owner, collateral_asset, collateral_symbol, collateral_decimals,
	factory_address, initialization_nonce, deploy_block, deploy_timestamp, initialized, params`

func scanGroup(row pgx.Row) (model.MarketGroup, error) {
	var (
		g                              model.MarketGroup
		chainID, deployBlock, deployTs int64
		decimals                       int16
		params                         []byte
	)
	err := row.Scan(&g.ID, &chainID, &g.Address, &g.Owner, &g.CollateralAsset, &g.CollateralSymbol, &decimals,
		&g.FactoryAddress, &g.InitializationNonce, &deployBlock, &deployTs, &g.Initialized, &params)
	if err != nil {
		return model.MarketGroup{}, err
	}
	g.ChainID = uint64(chainID)
	g.CollateralDecimals = uint8(decimals)
	g.DeployBlock = uint64(deployBlock)
	g.DeployTimestamp = uint64(deployTs)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &g.Params); err != nil {
			return model.MarketGroup{}, fmt.Errorf("decode params of %s: %w", g.Address, err)
		}
	}
	return g, nil
}

// GetMarketGroup returns the group at address on chainID.
func (s *Store) GetMarketGroup(ctx context.Context, chainID uint64, address string) (model.MarketGroup, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM market_groups WHERE chain_id=$1 AND address=$2`,
		int64(chainID), strings.ToLower(address))
	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MarketGroup{}, false, nil
		}
		return model.MarketGroup{}, false, err
	}
	return g, true, nil
}

// ListMarketGroups returns every stored group, oldest first.
func (s *Store) ListMarketGroups(ctx context.Context) ([]model.MarketGroup, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+groupColumns+` FROM market_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MarketGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertMarketGroup inserts g or fills the unset deploy and factory fields
// of the stored row.
func (s *Store) UpsertMarketGroup(ctx context.Context, g model.MarketGroup) (model.MarketGroup, error) {
	params, err := json.Marshal(g.Params)
	if err != nil {
		return model.MarketGroup{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO market_groups (
			chain_id, address, factory_address, initialization_nonce, deploy_block, deploy_timestamp, params
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain_id, address) DO UPDATE SET
			factory_address = CASE WHEN market_groups.factory_address = '' THEN EXCLUDED.factory_address ELSE market_groups.factory_address END,
			initialization_nonce = CASE WHEN market_groups.initialization_nonce = '' THEN EXCLUDED.initialization_nonce ELSE market_groups.initialization_nonce END,
			deploy_block = CASE WHEN market_groups.deploy_block = 0 THEN EXCLUDED.deploy_block ELSE market_groups.deploy_block END,
			deploy_timestamp = CASE WHEN market_groups.deploy_timestamp = 0 THEN EXCLUDED.deploy_timestamp ELSE market_groups.deploy_timestamp END,
			updated_at = now()
		RETURNING `+groupColumns,
		int64(g.ChainID), strings.ToLower(g.Address), strings.ToLower(g.FactoryAddress), g.InitializationNonce,
		int64(g.DeployBlock), int64(g.DeployTimestamp), params,
	)
	return scanGroup(row)
}

// SaveMarketGroup writes owner, collateral, params and the initialized flag.
func (s *Store) SaveMarketGroup(ctx context.Context, g model.MarketGroup) error {
	params, err := json.Marshal(g.Params)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE market_groups SET
			owner = $3,
			collateral_asset = $4,
			collateral_symbol = $5,
			collateral_decimals = $6,
			initialized = $7,
			params = $8,
			updated_at = now()
		WHERE chain_id = $1 AND address = $2
	`, int64(g.ChainID), strings.ToLower(g.Address), g.Owner, g.CollateralAsset, g.CollateralSymbol,
		int16(g.CollateralDecimals), g.Initialized, params)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market group %d:%s not found", g.ChainID, g.Address)
	}
	return nil
}

// GetMarket returns one epoch of a group.
func (s *Store) GetMarket(ctx context.Context, groupID int64, marketID uint64) (model.Market, bool, error) {
	var (
		m              model.Market
		id, start, end int64
	)
	row := s.pool.QueryRow(ctx, `
		SELECT id, market_group_id, market_id, start_timestamp, end_timestamp, starting_sqrt_price_x96::text,
			base_asset_min_price_tick, base_asset_max_price_tick, settled, COALESCE(settlement_price_d18::text, '')
		FROM markets WHERE market_group_id = $1 AND market_id = $2
	`, groupID, int64(marketID))
	err := row.Scan(&m.ID, &m.MarketGroupID, &id, &start, &end, &m.StartingSqrtPriceX96,
		&m.BaseAssetMinPriceTick, &m.BaseAssetMaxPriceTick, &m.Settled, &m.SettlementPriceD18)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Market{}, false, nil
		}
		return model.Market{}, false, err
	}
	m.MarketID = uint64(id)
	m.StartTimestamp = uint64(start)
	m.EndTimestamp = uint64(end)
	return m, true, nil
}

// UpsertMarket writes the epoch definition without touching settlement.
func (s *Store) UpsertMarket(ctx context.Context, m model.Market) error {
	sqrtPrice, err := numeric(m.StartingSqrtPriceX96)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", m.MarketID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO markets (
			market_group_id, market_id, start_timestamp, end_timestamp, starting_sqrt_price_x96,
			base_asset_min_price_tick, base_asset_max_price_tick
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_group_id, market_id) DO UPDATE SET
			start_timestamp = EXCLUDED.start_timestamp,
			end_timestamp = EXCLUDED.end_timestamp,
			starting_sqrt_price_x96 = EXCLUDED.starting_sqrt_price_x96,
			base_asset_min_price_tick = EXCLUDED.base_asset_min_price_tick,
			base_asset_max_price_tick = EXCLUDED.base_asset_max_price_tick,
			updated_at = now()
	`, m.MarketGroupID, int64(m.MarketID), int64(m.StartTimestamp), int64(m.EndTimestamp), sqrtPrice,
		m.BaseAssetMinPriceTick, m.BaseAssetMaxPriceTick)
	return err
}

// SettleMarket settles an unsettled epoch. It reports false when the epoch
// is missing or already settled.
func (s *Store) SettleMarket(ctx context.Context, groupID int64, marketID uint64, priceD18 string) (bool, error) {
	price, err := numeric(priceD18)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE markets SET settled = true, settlement_price_d18 = $3, updated_at = now()
		WHERE market_group_id = $1 AND market_id = $2 AND NOT settled
	`, groupID, int64(marketID), price)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertEvent stores e unless its key exists and returns the stored row.
func (s *Store) InsertEvent(ctx context.Context, e model.Event) (model.Event, bool, error) {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("encode %s args: %w", e.Name, err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO events (market_group_id, name, block_number, timestamp, log_index, transaction_hash, args)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_group_id, block_number, log_index, transaction_hash) DO NOTHING
		RETURNING id
	`, e.MarketGroupID, e.Name, int64(e.BlockNumber), int64(e.Timestamp), int64(e.LogIndex), e.TransactionHash, args).Scan(&id)
	if err == nil {
		e.ID = id
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, false, err
	}

	stored, ok, err := s.GetEvent(ctx, e.Key())
	if err != nil {
		return model.Event{}, false, err
	}
	if !ok {
		return model.Event{}, false, fmt.Errorf("event %+v vanished after conflict", e.Key())
	}
	return stored, false, nil
}

// GetEvent returns the event stored under key.
func (s *Store) GetEvent(ctx context.Context, key model.EventKey) (model.Event, bool, error) {
	var (
		e                   model.Event
		block, ts, logIndex int64
		raw                 []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, market_group_id, name, block_number, timestamp, log_index, transaction_hash, args
		FROM events
		WHERE market_group_id = $1 AND block_number = $2 AND log_index = $3 AND transaction_hash = $4
	`, key.MarketGroupID, int64(key.BlockNumber), int64(key.LogIndex), key.TransactionHash).
		Scan(&e.ID, &e.MarketGroupID, &e.Name, &block, &ts, &logIndex, &e.TransactionHash, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, false, nil
		}
		return model.Event{}, false, err
	}
	e.BlockNumber = uint64(block)
	e.Timestamp = uint64(ts)
	e.LogIndex = uint64(logIndex)
	if e.Args, err = model.UnmarshalArgs(e.Name, raw); err != nil {
		return model.Event{}, false, err
	}
	return e, true, nil
}
