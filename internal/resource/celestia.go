package resource

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketScope/internal/blocksearch"
	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

// DefaultCeleniumURL is the public Celenium API.
const DefaultCeleniumURL = "https://api-mainnet.celenium.io"

const celeniumPageSize = 100

var gweiScale = decimal.New(1, 9)

type celeniumTx struct {
	Height  uint64          `json:"height"`
	Time    time.Time       `json:"time"`
	GasUsed decimal.Decimal `json:"gas_used"`
	Fee     decimal.Decimal `json:"fee"`
}

type celeniumBlock struct {
	Height uint64    `json:"height"`
	Time   time.Time `json:"time"`
}

type celeniumCount struct {
	Count uint64 `json:"count"`
}

// Celestia prices blobspace by the fee per unit of gas paid by successful
// PayForBlobs transactions of each block.
type Celestia struct {
	base
	api          *HTTPClient
	PollInterval time.Duration
}

// NewCelestia fails when no API key is configured.
func NewCelestia(api *HTTPClient, apiKey string, opts Options) (*Celestia, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("CELENIUM_API_KEY is not set")
	}
	api.SetHeader("apikey", apiKey)
	return &Celestia{
		base: newBase(model.KindCelestia, opts, indexer.ReconnectPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			Exponential: true,
		}),
		api:          api,
		PollInterval: 3 * time.Second,
	}, nil
}

func payForBlobsQuery() url.Values {
	q := url.Values{}
	q.Set("status", "success")
	q.Set("msg_type", "MsgPayForBlobs")
	q.Set("excluded_msg_type", "MsgUnknown")
	q.Set("limit", strconv.Itoa(celeniumPageSize))
	return q
}

func (c *Celestia) fetch(ctx context.Context, height uint64) (model.ResourcePrice, error) {
	var txs []celeniumTx
	for offset := 0; ; offset += celeniumPageSize {
		q := payForBlobsQuery()
		q.Set("height", strconv.FormatUint(height, 10))
		q.Set("offset", strconv.Itoa(offset))

		var page []celeniumTx
		if err := c.api.GetJSON(ctx, "/v1/tx", q, &page); err != nil {
			return model.ResourcePrice{}, err
		}
		txs = append(txs, page...)
		if len(page) < celeniumPageSize {
			break
		}
	}
	return celestiaPrice(height, txs)
}

// celestiaPrice aggregates the PayForBlobs transactions of one block.
func celestiaPrice(height uint64, txs []celeniumTx) (model.ResourcePrice, error) {
	if len(txs) == 0 {
		return model.ResourcePrice{}, fmt.Errorf("block %d has no blob transactions: %w", height, ErrSkip)
	}
	used := decimal.Zero
	fee := decimal.Zero
	for _, tx := range txs {
		used = used.Add(tx.GasUsed)
		fee = fee.Add(tx.Fee)
	}
	if used.IsZero() {
		return model.ResourcePrice{}, fmt.Errorf("block %d used no gas: %w", height, ErrSkip)
	}

	scaled := fee.Mul(gweiScale)
	value := scaled.DivRound(used, 0)
	return model.ResourcePrice{
		Timestamp:   txs[0].Time.Unix(),
		BlockNumber: height,
		Value:       value.String(),
		Used:        used.Truncate(0).String(),
		FeePaid:     scaled.Truncate(0).String(),
	}, nil
}

func (c *Celestia) blockTime(ctx context.Context, height uint64) (int64, error) {
	var block celeniumBlock
	if err := c.api.GetJSON(ctx, "/v1/block/"+strconv.FormatUint(height, 10), nil, &block); err != nil {
		return 0, err
	}
	if block.Time.IsZero() {
		return 0, fmt.Errorf("block %d has no time: %w", height, ErrMalformed)
	}
	return block.Time.Unix(), nil
}

func (c *Celestia) UnitRange(ctx context.Context, start, end int64) (uint64, uint64, error) {
	var count celeniumCount
	if err := c.api.GetJSON(ctx, "/v1/block/count", nil, &count); err != nil {
		return 0, 0, fmt.Errorf("block count: %w", err)
	}
	if count.Count < 1 {
		return 0, 0, errNoUnits
	}
	latest := count.Count

	from, ok, err := blocksearch.FirstAtOrAfter(ctx, 1, latest, start, c.blockTime)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, errNoUnits
	}
	to := latest
	if end != 0 {
		to, ok, err = blocksearch.LastAtOrBefore(ctx, 1, latest, end, c.blockTime)
		if err != nil {
			return 0, 0, err
		}
		if !ok || to < from {
			return 0, 0, errNoUnits
		}
	}
	return from, to, nil
}

func (c *Celestia) BackfillRange(ctx context.Context, res model.Resource, start, end int64, overwrite bool) (bool, error) {
	return c.backfillResolved(ctx, c, res, start, end, overwrite, c.fetch)
}

func (c *Celestia) BackfillList(ctx context.Context, res model.Resource, units []uint64) (bool, error) {
	return c.backfillList(ctx, res, units, c.fetch)
}

// WatchLive polls recent PayForBlobs transactions and stores one point per
// block, resuming from the newest stored price.
func (c *Celestia) WatchLive(ctx context.Context, res model.Resource) error {
	var from int64
	return c.watch(ctx, res, func(ctx context.Context, healthy func()) error {
		if from == 0 {
			latest, ok, err := c.store.LatestPrice(ctx, res.ID)
			if err != nil {
				return fmt.Errorf("latest price: %w", err)
			}
			from = time.Now().Unix()
			if ok {
				from = latest.Timestamp
			}
		}

		ticker := time.NewTicker(c.PollInterval)
		defer ticker.Stop()
		for {
			next, err := c.poll(ctx, res, from)
			if err != nil {
				return err
			}
			healthy()
			from = next

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

// poll stores the blocks of transactions newer than from and returns the
// time to resume from. When the page is full the newest block may be
// incomplete, so it is left for the next poll.
func (c *Celestia) poll(ctx context.Context, res model.Resource, from int64) (int64, error) {
	q := payForBlobsQuery()
	q.Set("sort", "asc")
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("messages", "false")

	var txs []celeniumTx
	if err := c.api.GetJSON(ctx, "/v1/tx", q, &txs); err != nil {
		return from, err
	}

	byHeight := make(map[uint64][]celeniumTx)
	heights := make([]uint64, 0)
	for _, tx := range txs {
		if _, ok := byHeight[tx.Height]; !ok {
			heights = append(heights, tx.Height)
		}
		byHeight[tx.Height] = append(byHeight[tx.Height], tx)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	if len(txs) == celeniumPageSize && len(heights) > 1 {
		heights = heights[:len(heights)-1]
	}

	for _, h := range heights {
		height := h
		err := c.storeUnit(ctx, res, height, false, func(context.Context, uint64) (model.ResourcePrice, error) {
			return celestiaPrice(height, byHeight[height])
		})
		if err != nil {
			return from, err
		}
		if ts := byHeight[height][0].Time.Unix(); ts > from {
			from = ts
		}
	}
	c.logger.Debug("celestia poll done", zap.Int("blocks", len(heights)), zap.Int64("from", from))
	return from, nil
}
