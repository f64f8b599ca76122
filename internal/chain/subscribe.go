package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// SubscribeNewHead streams new headers into ch.
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if c.streaming {
		return c.ethClient.SubscribeNewHead(ctx, ch)
	}
	return c.pollHeads(ctx, ch)
}

// SubscribeLogs streams logs emitted by addresses from the next block on.
func (c *Client) SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.streaming {
		query := ethereum.FilterQuery{Addresses: addresses}
		if len(topic0) > 0 {
			query.Topics = [][]common.Hash{topic0}
		}
		return c.ethClient.SubscribeFilterLogs(ctx, query, ch)
	}
	return c.pollLogs(ctx, addresses, topic0, ch)
}

func (c *Client) pollHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	last, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(c.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			latest, err := c.LatestBlockNumber(ctx)
			if err != nil {
				return err
			}
			for n := last + 1; n <= latest; n++ {
				header, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
				if err != nil {
					return err
				}
				select {
				case ch <- header:
				case <-quit:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
				last = n
			}
		}
	}), nil
}

func (c *Client) pollLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	last, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(c.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			latest, err := c.LatestBlockNumber(ctx)
			if err != nil {
				return err
			}
			if latest <= last {
				continue
			}
			logs, err := c.FilterLogs(ctx, last+1, latest, addresses, topic0)
			if err != nil {
				return err
			}
			for _, lg := range logs {
				select {
				case ch <- lg:
				case <-quit:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			last = latest
		}
	}), nil
}
