package resource

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

// DefaultBlobscanURL is the public Blobscan API.
const DefaultBlobscanURL = "https://api.blobscan.com"

type blobscanBlock struct {
	Number       uint64    `json:"number"`
	Timestamp    time.Time `json:"timestamp"`
	BlobGasPrice string    `json:"blobGasPrice"`
	BlobGasUsed  string    `json:"blobGasUsed"`
}

type blobscanBlocks struct {
	Blocks []blobscanBlock `json:"blocks"`
}

// Blobs prices Ethereum blobspace by the blob gas price of each block.
// Blocks are resolved by time on the mainnet EVM client.
type Blobs struct {
	base
	api          *HTTPClient
	chain        EVMChain
	PollInterval time.Duration
}

func NewBlobs(api *HTTPClient, chain EVMChain, opts Options) *Blobs {
	return &Blobs{
		base: newBase(model.KindEthBlobs, opts, indexer.ReconnectPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			Exponential: true,
		}),
		api:          api,
		chain:        chain,
		PollInterval: 12 * time.Second,
	}
}

func (b *Blobs) fetch(ctx context.Context, number uint64) (model.ResourcePrice, error) {
	q := url.Values{}
	q.Set("startBlock", strconv.FormatUint(number, 10))
	q.Set("endBlock", strconv.FormatUint(number, 10))

	var resp blobscanBlocks
	if err := b.api.GetJSON(ctx, "/blocks", q, &resp); err != nil {
		return model.ResourcePrice{}, err
	}
	if len(resp.Blocks) == 0 {
		return model.ResourcePrice{}, fmt.Errorf("block %d has no blobs: %w", number, ErrNotFound)
	}
	return blobPrice(number, resp.Blocks[0])
}

func blobPrice(number uint64, block blobscanBlock) (model.ResourcePrice, error) {
	price, err := model.ParseAmount(block.BlobGasPrice)
	if err != nil {
		return model.ResourcePrice{}, fmt.Errorf("block %d blobGasPrice: %w", number, ErrMalformed)
	}
	used, err := model.ParseAmount(block.BlobGasUsed)
	if err != nil {
		return model.ResourcePrice{}, fmt.Errorf("block %d blobGasUsed: %w", number, ErrMalformed)
	}
	if block.Timestamp.IsZero() {
		return model.ResourcePrice{}, fmt.Errorf("block %d has no timestamp: %w", number, ErrMalformed)
	}
	return model.ResourcePrice{
		Timestamp:   block.Timestamp.Unix(),
		BlockNumber: number,
		Value:       price.String(),
		Used:        used.String(),
		FeePaid:     new(big.Int).Mul(price, used).String(),
	}, nil
}

func (b *Blobs) latestBlock(ctx context.Context) (uint64, error) {
	q := url.Values{}
	q.Set("ps", "1")
	q.Set("sort", "desc")
	var resp blobscanBlocks
	if err := b.api.GetJSON(ctx, "/blocks", q, &resp); err != nil {
		return 0, err
	}
	if len(resp.Blocks) == 0 {
		return 0, fmt.Errorf("latest block: %w", ErrNotFound)
	}
	return resp.Blocks[0].Number, nil
}

func (b *Blobs) UnitRange(ctx context.Context, start, end int64) (uint64, uint64, error) {
	return evmUnitRange(ctx, b.chain, start, end)
}

func (b *Blobs) BackfillRange(ctx context.Context, res model.Resource, start, end int64, overwrite bool) (bool, error) {
	return b.backfillResolved(ctx, b, res, start, end, overwrite, b.fetch)
}

func (b *Blobs) BackfillList(ctx context.Context, res model.Resource, units []uint64) (bool, error) {
	return b.backfillList(ctx, res, units, b.fetch)
}

func (b *Blobs) WatchLive(ctx context.Context, res model.Resource) error {
	var last uint64
	return b.watch(ctx, res, func(ctx context.Context, healthy func()) error {
		ticker := time.NewTicker(b.PollInterval)
		defer ticker.Stop()
		for {
			latest, err := b.latestBlock(ctx)
			if err != nil {
				return err
			}
			healthy()

			if last == 0 {
				last = latest - 1
			}
			for n := last + 1; n <= latest; n++ {
				if err := b.storeUnit(ctx, res, n, false, b.fetch); err != nil {
					return err
				}
				last = n
			}
			b.logger.Debug("blob poll done", zap.Uint64("last", last))

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}
