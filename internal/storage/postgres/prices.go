package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"marketScope/internal/model"
)

// SeedResources inserts registry resources that are not stored yet and
// returns every resource with its id. Stored rows win on conflict.
func (s *Store) SeedResources(ctx context.Context, resources []model.Resource) ([]model.Resource, error) {
	if len(resources) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, res := range resources {
		batch.Queue(`
			INSERT INTO resources (slug, name, kind, chain_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (slug) DO NOTHING
		`, res.Slug, res.Name, string(res.Kind), int64(res.ChainID))
	}
	br := s.pool.SendBatch(ctx, batch)
	for range resources {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return nil, fmt.Errorf("seed resources: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}

	out := make([]model.Resource, 0, len(resources))
	for _, res := range resources {
		stored, ok, err := s.ResourceBySlug(ctx, res.Slug)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, stored)
		}
	}
	return out, nil
}

// ResourceBySlug returns the stored resource with slug.
func (s *Store) ResourceBySlug(ctx context.Context, slug string) (model.Resource, bool, error) {
	var (
		res     model.Resource
		kind    string
		chainID int64
	)
	row := s.pool.QueryRow(ctx, `SELECT id, slug, name, kind, chain_id FROM resources WHERE slug=$1`, slug)
	if err := row.Scan(&res.ID, &res.Slug, &res.Name, &kind, &chainID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Resource{}, false, nil
		}
		return model.Resource{}, false, err
	}
	res.Kind = model.ResourceKind(kind)
	res.ChainID = uint64(chainID)
	return res, true, nil
}

// UpsertPrice stores one price point. Without overwrite an existing point
// is kept and false is returned.
func (s *Store) UpsertPrice(ctx context.Context, p model.ResourcePrice, overwrite bool) (bool, error) {
	values, err := numerics(p.Value, p.Used, p.FeePaid)
	if err != nil {
		return false, fmt.Errorf("resource %d at %d: %w", p.ResourceID, p.Timestamp, err)
	}
	conflict := `ON CONFLICT (resource_id, timestamp) DO NOTHING`
	if overwrite {
		conflict = `
			ON CONFLICT (resource_id, timestamp) DO UPDATE SET
				block_number = EXCLUDED.block_number,
				value = EXCLUDED.value,
				used = EXCLUDED.used,
				fee_paid = EXCLUDED.fee_paid,
				updated_at = now()`
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO resource_prices (resource_id, timestamp, block_number, value, used, fee_paid)
		VALUES ($1, $2, $3, $4, $5, $6)
		`+conflict,
		p.ResourceID, p.Timestamp, int64(p.BlockNumber), values[0], values[1], values[2],
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExistingBlocks returns the block numbers of res stored in [from, to].
func (s *Store) ExistingBlocks(ctx context.Context, resourceID int64, from, to uint64) (map[uint64]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT block_number FROM resource_prices
		WHERE resource_id = $1 AND block_number BETWEEN $2 AND $3
	`, resourceID, int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint64]struct{})
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out[uint64(n)] = struct{}{}
	}
	return out, rows.Err()
}

// LatestPrice returns the newest price point of a resource.
func (s *Store) LatestPrice(ctx context.Context, resourceID int64) (model.ResourcePrice, bool, error) {
	var (
		p     model.ResourcePrice
		block int64
	)
	row := s.pool.QueryRow(ctx, `
		SELECT resource_id, timestamp, block_number, value::text, used::text, fee_paid::text
		FROM resource_prices
		WHERE resource_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`, resourceID)
	if err := row.Scan(&p.ResourceID, &p.Timestamp, &block, &p.Value, &p.Used, &p.FeePaid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ResourcePrice{}, false, nil
		}
		return model.ResourcePrice{}, false, err
	}
	p.BlockNumber = uint64(block)
	return p, true, nil
}
