package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"marketScope/internal/blocksearch"
)

const (
	defaultPollInterval = 4 * time.Second

	// timestampCacheSize bounds the header timestamps kept per client.
	timestampCacheSize = 8192
)

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	chainID   uint64
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	streaming bool

	// PollInterval paces the polling subscriptions used over HTTP.
	PollInterval time.Duration

	tsCache *lru.Cache[uint64, uint64]
}

// NewClient dials rpcURL. Websocket and IPC endpoints use native
// subscriptions; HTTP endpoints fall back to polling.
func NewClient(ctx context.Context, chainID uint64, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		chainID:      chainID,
		rpcClient:    rpcClient,
		ethClient:    ethclient.NewClient(rpcClient),
		streaming:    !strings.HasPrefix(rpcURL, "http"),
		PollInterval: defaultPollInterval,
		tsCache:      lru.NewCache[uint64, uint64](timestampCacheSize),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// VerifyChainID checks the endpoint serves the configured chain.
func (c *Client) VerifyChainID(ctx context.Context) error {
	id, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return err
	}
	if id.Uint64() != c.chainID {
		return fmt.Errorf("rpc serves chain %s, expected %d", id, c.chainID)
	}
	return nil
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// HeaderByNumber returns the block header by number. A nil number is the
// latest header.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	c.rememberTimestamp(header)
	return header, nil
}

// BlockTimestamp returns the block timestamp, using a bounded in-memory
// cache of recently seen headers.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if ts, ok := c.tsCache.Get(number); ok {
		return ts, nil
	}

	header, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

func (c *Client) rememberTimestamp(header *types.Header) {
	if header == nil || header.Number == nil {
		return
	}
	c.tsCache.Add(header.Number.Uint64(), header.Time)
}

// BlockAtOrAfter returns the first block mined at or after ts. ok is false
// when the chain has not reached ts yet.
func (c *Client) BlockAtOrAfter(ctx context.Context, ts int64) (uint64, bool, error) {
	latest, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("latest block: %w", err)
	}
	return blocksearch.FirstAtOrAfter(ctx, 0, latest, ts, c.probe)
}

// BlockAtOrBefore returns the last block mined at or before ts.
func (c *Client) BlockAtOrBefore(ctx context.Context, ts int64) (uint64, bool, error) {
	latest, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("latest block: %w", err)
	}
	return blocksearch.LastAtOrBefore(ctx, 0, latest, ts, c.probe)
}

func (c *Client) probe(ctx context.Context, n uint64) (int64, error) {
	ts, err := c.BlockTimestamp(ctx, n)
	if err != nil {
		return 0, err
	}
	return int64(ts), nil
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}
