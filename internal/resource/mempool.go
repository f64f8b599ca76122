package resource

import (
	"context"
	"fmt"
	"strconv"
)

// DefaultMempoolURL is the public mempool.space API.
const DefaultMempoolURL = "https://mempool.space/api/v1"

type mempoolBlock struct {
	Height     uint64  `json:"height"`
	Timestamp  int64   `json:"timestamp"`
	Weight     int64   `json:"weight"`
	Difficulty float64 `json:"difficulty"`
	Extras     struct {
		TotalFees int64 `json:"totalFees"`
	} `json:"extras"`
}

type mempoolHeight struct {
	Height uint64 `json:"height"`
}

// mempoolBlocks returns up to 15 blocks descending from height.
func mempoolBlocks(ctx context.Context, api *HTTPClient, height uint64) ([]mempoolBlock, error) {
	var blocks []mempoolBlock
	if err := api.GetJSON(ctx, "/blocks/"+strconv.FormatUint(height, 10), nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// mempoolBlockAt returns the block at height.
func mempoolBlockAt(ctx context.Context, api *HTTPClient, height uint64) (mempoolBlock, error) {
	blocks, err := mempoolBlocks(ctx, api, height)
	if err != nil {
		return mempoolBlock{}, err
	}
	if len(blocks) == 0 {
		return mempoolBlock{}, fmt.Errorf("block %d: %w", height, ErrNotFound)
	}
	if blocks[0].Height != height {
		return mempoolBlock{}, fmt.Errorf("block %d: got height %d: %w", height, blocks[0].Height, ErrMalformed)
	}
	return blocks[0], nil
}

func mempoolTip(ctx context.Context, api *HTTPClient) (uint64, error) {
	var tip uint64
	if err := api.GetJSON(ctx, "/blocks/tip/height", nil, &tip); err != nil {
		return 0, fmt.Errorf("tip height: %w", err)
	}
	return tip, nil
}

// mempoolHeightAt returns the height of the block mined closest before ts.
func mempoolHeightAt(ctx context.Context, api *HTTPClient, ts int64) (uint64, error) {
	var resp mempoolHeight
	if err := api.GetJSON(ctx, "/mining/blocks/timestamp/"+strconv.FormatInt(ts, 10), nil, &resp); err != nil {
		return 0, fmt.Errorf("height at %d: %w", ts, err)
	}
	return resp.Height, nil
}
