package resource

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

const (
	secondsPerDay      = 24 * 60 * 60
	hashrateWindowDays = 7
	hashrateChunkSize  = 15
	bitcoinBlockTime   = 600
)

var (
	difficultyOneTarget = new(big.Int).Lsh(big.NewInt(1), 32)
	exaMultiplier       = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	feeScale            = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)
)

// Hashrate prices Bitcoin block rewards per exahash. It stores one point per
// UTC midnight, computed over the trailing seven days of blocks.
type Hashrate struct {
	base
	api           *HTTPClient
	CheckInterval time.Duration
}

func NewHashrate(api *HTTPClient, opts Options) *Hashrate {
	return &Hashrate{
		base: newBase(model.KindBitcoinHashrate, opts, indexer.ReconnectPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			Exponential: true,
		}),
		api:           api,
		CheckInterval: time.Hour,
	}
}

func midnight(ts int64) int64 {
	return ts - ts%secondsPerDay
}

// days lists the UTC midnights in [start, end].
func days(start, end int64) []uint64 {
	first := midnight(start)
	if first < start {
		first += secondsPerDay
	}
	out := make([]uint64, 0)
	for d := first; d <= end; d += secondsPerDay {
		out = append(out, uint64(d))
	}
	return out
}

func (h *Hashrate) fetch(ctx context.Context, day uint64) (model.ResourcePrice, error) {
	end := int64(day)
	start := end - hashrateWindowDays*secondsPerDay

	startHeight, err := mempoolHeightAt(ctx, h.api, start)
	if err != nil {
		return model.ResourcePrice{}, err
	}
	startHeight++
	endHeight, err := mempoolHeightAt(ctx, h.api, end)
	if err != nil {
		return model.ResourcePrice{}, err
	}
	if endHeight < startHeight {
		return model.ResourcePrice{}, fmt.Errorf("empty window %d-%d: %w", startHeight, endHeight, ErrMalformed)
	}

	blocks := make([]mempoolBlock, 0, endHeight-startHeight+1)
	for from := startHeight; from <= endHeight; from += hashrateChunkSize {
		to := from + hashrateChunkSize - 1
		if to > endHeight {
			to = endHeight
		}
		chunk, err := mempoolBlocks(ctx, h.api, to)
		if err != nil {
			return model.ResourcePrice{}, err
		}
		for _, b := range chunk {
			if b.Height < from || b.Height > to {
				break
			}
			blocks = append(blocks, b)
		}
	}
	return hashratePrice(end, startHeight, endHeight, blocks)
}

// validateWindow checks blocks, sorted by height descending, cover
// [startHeight, endHeight] without gaps.
func validateWindow(blocks []mempoolBlock, startHeight, endHeight uint64) error {
	if uint64(len(blocks)) != endHeight-startHeight+1 {
		return fmt.Errorf("window has %d blocks, want %d: %w", len(blocks), endHeight-startHeight+1, ErrMalformed)
	}
	if blocks[0].Height != endHeight || blocks[len(blocks)-1].Height != startHeight {
		return fmt.Errorf("window spans %d-%d, want %d-%d: %w",
			blocks[len(blocks)-1].Height, blocks[0].Height, startHeight, endHeight, ErrMalformed)
	}
	for i := 0; i < len(blocks)-1; i++ {
		if blocks[i].Height-blocks[i+1].Height != 1 {
			return fmt.Errorf("blocks %d and %d not in sequence: %w", blocks[i+1].Height, blocks[i].Height, ErrMalformed)
		}
	}
	return nil
}

// weightedDifficulty averages difficulty weighted by block count.
func weightedDifficulty(blocks []mempoolBlock) *big.Int {
	counts := make(map[string]int64)
	values := make(map[string]*big.Int)
	for _, b := range blocks {
		d := decimal.NewFromFloat(b.Difficulty).Round(0).BigInt()
		key := d.String()
		counts[key]++
		values[key] = d
	}
	if len(counts) == 1 {
		for key := range values {
			return values[key]
		}
	}

	sum := new(big.Int)
	for key, d := range values {
		sum.Add(sum, new(big.Int).Mul(d, big.NewInt(counts[key])))
	}
	return sum.Quo(sum, big.NewInt(int64(len(blocks))))
}

func hashratePrice(day int64, startHeight, endHeight uint64, blocks []mempoolBlock) (model.ResourcePrice, error) {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height > blocks[j].Height })
	if len(blocks) == 0 {
		return model.ResourcePrice{}, fmt.Errorf("no blocks in window: %w", ErrMalformed)
	}
	if err := validateWindow(blocks, startHeight, endHeight); err != nil {
		return model.ResourcePrice{}, err
	}

	difficulty := weightedDifficulty(blocks)
	hashrate := new(big.Int).Mul(difficulty, difficultyOneTarget)
	hashrate.Quo(hashrate, big.NewInt(bitcoinBlockTime))
	hashrateEH := new(big.Int).Mul(hashrate, big.NewInt(1000))
	hashrateEH.Quo(hashrateEH, exaMultiplier)

	dayAgo := day - secondsPerDay
	totalFees := new(big.Int)
	var count int64
	for _, b := range blocks {
		if b.Timestamp >= dayAgo {
			totalFees.Add(totalFees, big.NewInt(b.Extras.TotalFees))
			count++
		}
	}
	avgFee := new(big.Int)
	if count > 0 {
		avgFee.Mul(totalFees, feeScale)
		avgFee.Quo(avgFee, big.NewInt(count))
	}

	value := new(big.Int)
	if avgFee.Sign() > 0 {
		if hashrateEH.Sign() == 0 {
			return model.ResourcePrice{}, fmt.Errorf("hashrate rounds to zero: %w", ErrMalformed)
		}
		value.Quo(avgFee, hashrateEH)
	}

	return model.ResourcePrice{
		Timestamp:   day,
		BlockNumber: uint64(day),
		Value:       value.String(),
		Used:        hashrateEH.String(),
		FeePaid:     avgFee.String(),
	}, nil
}

func (h *Hashrate) BackfillRange(ctx context.Context, res model.Resource, start, end int64, overwrite bool) (bool, error) {
	units := days(start, resolveEnd(end))
	if len(units) == 0 {
		h.logger.Info("no midnight in range", zap.String("resource", res.Slug), zap.Int64("start", start), zap.Int64("end", end))
		return false, nil
	}
	if err := h.processUnits(ctx, res, units, overwrite, h.fetch); err != nil {
		return false, err
	}
	return true, nil
}

// BackfillList recomputes the days containing the given timestamps.
func (h *Hashrate) BackfillList(ctx context.Context, res model.Resource, units []uint64) (bool, error) {
	seen := make(map[uint64]bool, len(units))
	list := make([]uint64, 0, len(units))
	for _, u := range units {
		d := uint64(midnight(int64(u)))
		if !seen[d] {
			seen[d] = true
			list = append(list, d)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return h.backfillList(ctx, res, list, h.fetch)
}

// WatchLive fills the latest passed midnight once per check interval.
func (h *Hashrate) WatchLive(ctx context.Context, res model.Resource) error {
	var lastDay uint64
	return h.watch(ctx, res, func(ctx context.Context, healthy func()) error {
		if lastDay == 0 {
			latest, ok, err := h.store.LatestPrice(ctx, res.ID)
			if err != nil {
				return fmt.Errorf("latest price: %w", err)
			}
			if ok {
				lastDay = uint64(latest.Timestamp)
			}
		}
		healthy()

		ticker := time.NewTicker(h.CheckInterval)
		defer ticker.Stop()
		for {
			day := uint64(midnight(time.Now().Unix()))
			if day > lastDay {
				if err := h.storeUnit(ctx, res, day, false, h.fetch); err != nil {
					return err
				}
				lastDay = day
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}
