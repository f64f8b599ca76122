package resource

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"marketScope/internal/blocksearch"
	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

// Bitcoin prices block space by total fees per unit of block weight.
type Bitcoin struct {
	base
	api          *HTTPClient
	PollInterval time.Duration
}

func NewBitcoin(api *HTTPClient, opts Options) *Bitcoin {
	return &Bitcoin{
		base: newBase(model.KindBitcoin, opts, indexer.ReconnectPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			Exponential: true,
		}),
		api:          api,
		PollInterval: 10 * time.Minute,
	}
}

// bitcoinPrice computes value = totalFee*1e9/weight.
func bitcoinPrice(block mempoolBlock) (model.ResourcePrice, error) {
	if block.Weight <= 0 {
		return model.ResourcePrice{}, fmt.Errorf("block %d has no weight: %w", block.Height, ErrMalformed)
	}
	fee := big.NewInt(block.Extras.TotalFees)
	value := new(big.Int).Mul(fee, big.NewInt(1_000_000_000))
	value.Quo(value, big.NewInt(block.Weight))
	return model.ResourcePrice{
		Timestamp:   block.Timestamp,
		BlockNumber: block.Height,
		Value:       value.String(),
		Used:        big.NewInt(block.Weight).String(),
		FeePaid:     fee.String(),
	}, nil
}

func (b *Bitcoin) fetch(ctx context.Context, height uint64) (model.ResourcePrice, error) {
	block, err := mempoolBlockAt(ctx, b.api, height)
	if err != nil {
		return model.ResourcePrice{}, err
	}
	return bitcoinPrice(block)
}

func (b *Bitcoin) blockTime(ctx context.Context, height uint64) (int64, error) {
	block, err := mempoolBlockAt(ctx, b.api, height)
	if err != nil {
		return 0, err
	}
	return block.Timestamp, nil
}

func (b *Bitcoin) UnitRange(ctx context.Context, start, end int64) (uint64, uint64, error) {
	tip, err := mempoolTip(ctx, b.api)
	if err != nil {
		return 0, 0, err
	}
	from, ok, err := blocksearch.FirstAtOrAfter(ctx, 0, tip, start, b.blockTime)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, errNoUnits
	}
	to := tip
	if end != 0 {
		to, ok, err = blocksearch.LastAtOrBefore(ctx, 0, tip, end, b.blockTime)
		if err != nil {
			return 0, 0, err
		}
		if !ok || to < from {
			return 0, 0, errNoUnits
		}
	}
	return from, to, nil
}

func (b *Bitcoin) BackfillRange(ctx context.Context, res model.Resource, start, end int64, overwrite bool) (bool, error) {
	return b.backfillResolved(ctx, b, res, start, end, overwrite, b.fetch)
}

func (b *Bitcoin) BackfillList(ctx context.Context, res model.Resource, units []uint64) (bool, error) {
	return b.backfillList(ctx, res, units, b.fetch)
}

// WatchLive polls the tip and stores every block after the newest stored one.
func (b *Bitcoin) WatchLive(ctx context.Context, res model.Resource) error {
	var last uint64
	return b.watch(ctx, res, func(ctx context.Context, healthy func()) error {
		if last == 0 {
			latest, ok, err := b.store.LatestPrice(ctx, res.ID)
			if err != nil {
				return fmt.Errorf("latest price: %w", err)
			}
			if ok {
				last = latest.BlockNumber
			}
		}

		ticker := time.NewTicker(b.PollInterval)
		defer ticker.Stop()
		for {
			tip, err := mempoolTip(ctx, b.api)
			if err != nil {
				return err
			}
			healthy()
			if last == 0 {
				last = tip - 1
			}
			for h := last + 1; h <= tip; h++ {
				if err := b.storeUnit(ctx, res, h, false, b.fetch); err != nil {
					return err
				}
				last = h
			}
			b.logger.Debug("bitcoin poll done", zap.Uint64("tip", tip))

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}
