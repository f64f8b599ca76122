package resource

import (
	"context"
	"errors"
	"fmt"

	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

// FindMissingUnits returns the units in [from, to] of res that have no
// stored price, using one range query.
func FindMissingUnits(ctx context.Context, store PriceStore, res model.Resource, from, to uint64) ([]uint64, error) {
	have, err := store.ExistingBlocks(ctx, res.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load existing units: %w", err)
	}
	return indexer.MissingUnits(from, to, have), nil
}

// MissingInRange resolves [start, end] to units and returns the missing
// ones. The adapter must implement UnitResolver.
func MissingInRange(ctx context.Context, adapter Adapter, store PriceStore, res model.Resource, start, end int64) ([]uint64, error) {
	resolver, ok := adapter.(UnitResolver)
	if !ok {
		return nil, fmt.Errorf("resource %s (%s) has no block or slot units", res.Slug, res.Kind)
	}
	from, to, err := resolver.UnitRange(ctx, start, end)
	if err != nil {
		if errors.Is(err, errNoUnits) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve unit range: %w", err)
	}
	return FindMissingUnits(ctx, store, res, from, to)
}
