package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"marketScope/internal/model"
)

const transactionColumns = `t.id, t.event_id, t.market_group_id, t.market_id, t.position_id, t.type, t.owner,
	t.transaction_hash, t.block_number, t.log_index, t.timestamp, t.close_kind, COALESCE(t.trade_ratio_d18::text, ''),
	t.has_snapshot, t.snapshot, t.has_ticks, t.low_tick, t.high_tick,
	t.base_delta::text, t.quote_delta::text, t.borrowed_base_delta::text, t.borrowed_quote_delta::text,
	t.collateral_delta::text, t.lp_base_delta::text, t.lp_quote_delta::text,
	mp.timestamp, mp.value::text,
	ct.transaction_hash, ct.timestamp, ct.owner, ct.collateral::text`

// UpsertTransaction stores tx keyed by its event together with its market
// price and collateral transfer.
func (s *Store) UpsertTransaction(ctx context.Context, tx model.Transaction) (model.Transaction, error) {
	deltas, err := numerics(tx.Deltas.Base, tx.Deltas.Quote, tx.Deltas.BorrowedBase, tx.Deltas.BorrowedQuote,
		tx.Deltas.Collateral, tx.Deltas.LpBase, tx.Deltas.LpQuote)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("transaction of event %d: %w", tx.EventID, err)
	}
	ratio, err := nullNumeric(tx.TradeRatioD18)
	if err != nil {
		return model.Transaction{}, err
	}
	snapshot, err := json.Marshal(tx.Snapshot)
	if err != nil {
		return model.Transaction{}, err
	}

	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Transaction{}, err
	}
	defer dbtx.Rollback(ctx)

	args := []any{
		tx.EventID, tx.MarketGroupID, int64(tx.MarketID), int64(tx.PositionID), string(tx.Type), tx.Owner,
		tx.TransactionHash, int64(tx.BlockNumber), int64(tx.LogIndex), int64(tx.Timestamp), int16(tx.CloseKind), ratio,
		tx.HasSnapshot, snapshot, tx.HasTicks, tx.LowTick, tx.HighTick,
	}
	args = append(args, deltas...)
	err = dbtx.QueryRow(ctx, `
		INSERT INTO transactions (
			event_id, market_group_id, market_id, position_id, type, owner,
			transaction_hash, block_number, log_index, timestamp, close_kind, trade_ratio_d18,
			has_snapshot, snapshot, has_ticks, low_tick, high_tick,
			base_delta, quote_delta, borrowed_base_delta, borrowed_quote_delta,
			collateral_delta, lp_base_delta, lp_quote_delta
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (event_id) DO UPDATE SET
			market_id = EXCLUDED.market_id,
			position_id = EXCLUDED.position_id,
			type = EXCLUDED.type,
			owner = EXCLUDED.owner,
			timestamp = EXCLUDED.timestamp,
			close_kind = EXCLUDED.close_kind,
			trade_ratio_d18 = EXCLUDED.trade_ratio_d18,
			has_snapshot = EXCLUDED.has_snapshot,
			snapshot = EXCLUDED.snapshot,
			has_ticks = EXCLUDED.has_ticks,
			low_tick = EXCLUDED.low_tick,
			high_tick = EXCLUDED.high_tick,
			base_delta = EXCLUDED.base_delta,
			quote_delta = EXCLUDED.quote_delta,
			borrowed_base_delta = EXCLUDED.borrowed_base_delta,
			borrowed_quote_delta = EXCLUDED.borrowed_quote_delta,
			collateral_delta = EXCLUDED.collateral_delta,
			lp_base_delta = EXCLUDED.lp_base_delta,
			lp_quote_delta = EXCLUDED.lp_quote_delta
		RETURNING id
	`, args...).Scan(&tx.ID)
	if err != nil {
		return model.Transaction{}, err
	}

	if err := saveMarketPrice(ctx, dbtx, tx); err != nil {
		return model.Transaction{}, err
	}
	if err := saveCollateralTransfer(ctx, dbtx, tx); err != nil {
		return model.Transaction{}, err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return model.Transaction{}, err
	}
	return tx, nil
}

func saveMarketPrice(ctx context.Context, q queryer, tx model.Transaction) error {
	if tx.MarketPrice == nil {
		_, err := q.Exec(ctx, `DELETE FROM market_prices WHERE transaction_id = $1`, tx.ID)
		return err
	}
	value, err := numeric(tx.MarketPrice.Value)
	if err != nil {
		return fmt.Errorf("market price: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO market_prices (transaction_id, timestamp, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id) DO UPDATE SET timestamp = EXCLUDED.timestamp, value = EXCLUDED.value
	`, tx.ID, int64(tx.MarketPrice.Timestamp), value)
	return err
}

func saveCollateralTransfer(ctx context.Context, q queryer, tx model.Transaction) error {
	if tx.CollateralTransfer == nil {
		_, err := q.Exec(ctx, `DELETE FROM collateral_transfers WHERE transaction_id = $1`, tx.ID)
		return err
	}
	ct := tx.CollateralTransfer
	collateral, err := numeric(ct.Collateral)
	if err != nil {
		return fmt.Errorf("collateral transfer: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO collateral_transfers (transaction_id, transaction_hash, timestamp, owner, collateral)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO UPDATE SET
			transaction_hash = EXCLUDED.transaction_hash,
			timestamp = EXCLUDED.timestamp,
			owner = EXCLUDED.owner,
			collateral = EXCLUDED.collateral
	`, tx.ID, ct.TransactionHash, int64(ct.Timestamp), ct.Owner, collateral)
	return err
}

// PositionTransactions returns every transaction of a position in chain
// order.
func (s *Store) PositionTransactions(ctx context.Context, groupID int64, positionID uint64) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions t
		LEFT JOIN market_prices mp ON mp.transaction_id = t.id
		LEFT JOIN collateral_transfers ct ON ct.transaction_id = t.id
		WHERE t.market_group_id = $1 AND t.position_id = $2
		ORDER BY t.block_number, t.log_index
	`, groupID, int64(positionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var (
		tx                                      model.Transaction
		marketID, positionID, block, logIdx, ts int64
		closeKind                               int16
		txType                                  string
		snapshot                                []byte
		mpTs                                    *int64
		mpValue                                 *string
		ctHash, ctOwner, ctCollateral           *string
		ctTs                                    *int64
	)
	err := row.Scan(
		&tx.ID, &tx.EventID, &tx.MarketGroupID, &marketID, &positionID, &txType, &tx.Owner,
		&tx.TransactionHash, &block, &logIdx, &ts, &closeKind, &tx.TradeRatioD18,
		&tx.HasSnapshot, &snapshot, &tx.HasTicks, &tx.LowTick, &tx.HighTick,
		&tx.Deltas.Base, &tx.Deltas.Quote, &tx.Deltas.BorrowedBase, &tx.Deltas.BorrowedQuote,
		&tx.Deltas.Collateral, &tx.Deltas.LpBase, &tx.Deltas.LpQuote,
		&mpTs, &mpValue,
		&ctHash, &ctTs, &ctOwner, &ctCollateral,
	)
	if err != nil {
		return model.Transaction{}, err
	}
	tx.MarketID = uint64(marketID)
	tx.PositionID = uint64(positionID)
	tx.BlockNumber = uint64(block)
	tx.LogIndex = uint64(logIdx)
	tx.Timestamp = uint64(ts)
	tx.CloseKind = uint8(closeKind)
	tx.Type = model.TransactionType(txType)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &tx.Snapshot); err != nil {
			return model.Transaction{}, fmt.Errorf("decode snapshot of transaction %d: %w", tx.ID, err)
		}
	}
	if mpTs != nil && mpValue != nil {
		tx.MarketPrice = &model.MarketPrice{Timestamp: uint64(*mpTs), Value: *mpValue}
	}
	if ctHash != nil && ctTs != nil && ctOwner != nil && ctCollateral != nil {
		tx.CollateralTransfer = &model.CollateralTransfer{
			TransactionHash: *ctHash,
			Timestamp:       uint64(*ctTs),
			Owner:           *ctOwner,
			Collateral:      *ctCollateral,
		}
	}
	return tx, nil
}

// UpdateTransactionDeltas rewrites the deltas of txs in one batch.
func (s *Store) UpdateTransactionDeltas(ctx context.Context, txs []model.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tx := range txs {
		deltas, err := numerics(tx.Deltas.Base, tx.Deltas.Quote, tx.Deltas.BorrowedBase, tx.Deltas.BorrowedQuote,
			tx.Deltas.Collateral, tx.Deltas.LpBase, tx.Deltas.LpQuote)
		if err != nil {
			return fmt.Errorf("transaction of event %d: %w", tx.EventID, err)
		}
		batch.Queue(`
			UPDATE transactions SET
				base_delta = $2, quote_delta = $3, borrowed_base_delta = $4, borrowed_quote_delta = $5,
				collateral_delta = $6, lp_base_delta = $7, lp_quote_delta = $8
			WHERE event_id = $1
		`, append([]any{tx.EventID}, deltas...)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range txs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

const positionColumns = `id, market_group_id, position_id, market_id, owner, is_lp, is_settled,
	base::text, quote::text, borrowed_base::text, borrowed_quote::text, collateral::text,
	lp_base::text, lp_quote::text, low_price_tick, high_price_tick`

func scanPosition(row pgx.Row) (model.Position, error) {
	var (
		p                    model.Position
		positionID, marketID int64
	)
	err := row.Scan(&p.ID, &p.MarketGroupID, &positionID, &marketID, &p.Owner, &p.IsLP, &p.IsSettled,
		&p.Base, &p.Quote, &p.BorrowedBase, &p.BorrowedQuote, &p.Collateral,
		&p.LpBase, &p.LpQuote, &p.LowPriceTick, &p.HighPriceTick)
	if err != nil {
		return model.Position{}, err
	}
	p.PositionID = uint64(positionID)
	p.MarketID = uint64(marketID)
	return p, nil
}

// GetPosition returns one position of a group.
func (s *Store) GetPosition(ctx context.Context, groupID int64, positionID uint64) (model.Position, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE market_group_id = $1 AND position_id = $2`,
		groupID, int64(positionID))
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Position{}, false, nil
		}
		return model.Position{}, false, err
	}
	return p, true, nil
}

// UpsertPosition writes the folded state of a position.
func (s *Store) UpsertPosition(ctx context.Context, p model.Position) (model.Position, error) {
	amounts, err := numerics(p.Base, p.Quote, p.BorrowedBase, p.BorrowedQuote, p.Collateral, p.LpBase, p.LpQuote)
	if err != nil {
		return model.Position{}, fmt.Errorf("position %d: %w", p.PositionID, err)
	}
	args := []any{p.MarketGroupID, int64(p.PositionID), int64(p.MarketID), p.Owner, p.IsLP, p.IsSettled}
	args = append(args, amounts...)
	args = append(args, p.LowPriceTick, p.HighPriceTick)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO positions (
			market_group_id, position_id, market_id, owner, is_lp, is_settled,
			base, quote, borrowed_base, borrowed_quote, collateral, lp_base, lp_quote,
			low_price_tick, high_price_tick
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (market_group_id, position_id) DO UPDATE SET
			market_id = EXCLUDED.market_id,
			owner = EXCLUDED.owner,
			is_lp = EXCLUDED.is_lp,
			is_settled = EXCLUDED.is_settled,
			base = EXCLUDED.base,
			quote = EXCLUDED.quote,
			borrowed_base = EXCLUDED.borrowed_base,
			borrowed_quote = EXCLUDED.borrowed_quote,
			collateral = EXCLUDED.collateral,
			lp_base = EXCLUDED.lp_base,
			lp_quote = EXCLUDED.lp_quote,
			low_price_tick = EXCLUDED.low_price_tick,
			high_price_tick = EXCLUDED.high_price_tick,
			updated_at = now()
		RETURNING `+positionColumns, args...)
	return scanPosition(row)
}

// SetPositionOwner reports false when the position does not exist.
func (s *Store) SetPositionOwner(ctx context.Context, groupID int64, positionID uint64, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET owner = $3, updated_at = now()
		WHERE market_group_id = $1 AND position_id = $2
	`, groupID, int64(positionID), owner)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
