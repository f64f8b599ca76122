// Package blocksearch finds the first block, slot or height whose timestamp
// reaches a target time.
package blocksearch

import (
	"context"
	"fmt"
)

// Probe returns the unix timestamp of unit n.
type Probe func(ctx context.Context, n uint64) (int64, error)

// FirstAtOrAfter returns the smallest unit in [lo, hi] whose timestamp is at
// or after target. A target at or before lo's timestamp yields lo. When every
// unit is older than target, ok is false.
func FirstAtOrAfter(ctx context.Context, lo, hi uint64, target int64, probe Probe) (uint64, bool, error) {
	if hi < lo {
		return 0, false, fmt.Errorf("invalid search range [%d, %d]", lo, hi)
	}

	last, err := probe(ctx, hi)
	if err != nil {
		return 0, false, fmt.Errorf("probe %d: %w", hi, err)
	}
	if last < target {
		return 0, false, nil
	}

	left, right := lo, hi
	for left < right {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		mid := left + (right-left)/2
		ts, err := probe(ctx, mid)
		if err != nil {
			return 0, false, fmt.Errorf("probe %d: %w", mid, err)
		}
		if ts < target {
			left = mid + 1
		} else {
			right = mid
		}
	}
	return left, true, nil
}

// LastAtOrBefore returns the largest unit in [lo, hi] whose timestamp is at
// or before target. When every unit is newer than target, ok is false.
func LastAtOrBefore(ctx context.Context, lo, hi uint64, target int64, probe Probe) (uint64, bool, error) {
	if target == int64(^uint64(0)>>1) {
		return hi, true, nil
	}
	n, ok, err := FirstAtOrAfter(ctx, lo, hi, target+1, probe)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return hi, true, nil
	}
	if n == lo {
		return 0, false, nil
	}
	return n - 1, true, nil
}
