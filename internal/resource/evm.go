package resource

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

// EVMChain is the subset of chain.Client used by EVM-based adapters.
type EVMChain interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockAtOrAfter(ctx context.Context, ts int64) (uint64, bool, error)
	BlockAtOrBefore(ctx context.Context, ts int64) (uint64, bool, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// EVM prices gas by the base fee of each block.
type EVM struct {
	base
	chain EVMChain
}

func NewEVM(chain EVMChain, opts Options) *EVM {
	return &EVM{
		base: newBase(model.KindEVM, opts, indexer.ReconnectPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
		}),
		chain: chain,
	}
}

// PriceFromHeader derives the gas price point of a block header.
func PriceFromHeader(header *types.Header) (model.ResourcePrice, error) {
	if header == nil || header.Number == nil {
		return model.ResourcePrice{}, fmt.Errorf("header missing: %w", ErrMalformed)
	}
	if header.BaseFee == nil {
		return model.ResourcePrice{}, fmt.Errorf("block %s has no base fee: %w", header.Number, ErrMalformed)
	}
	used := new(big.Int).SetUint64(header.GasUsed)
	feePaid := new(big.Int).Mul(header.BaseFee, used)
	return model.ResourcePrice{
		Timestamp:   int64(header.Time),
		BlockNumber: header.Number.Uint64(),
		Value:       header.BaseFee.String(),
		Used:        used.String(),
		FeePaid:     feePaid.String(),
	}, nil
}

func (e *EVM) fetch(ctx context.Context, number uint64) (model.ResourcePrice, error) {
	header, err := e.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if err == ethereum.NotFound {
			return model.ResourcePrice{}, fmt.Errorf("block %d: %w", number, ErrNotFound)
		}
		return model.ResourcePrice{}, fmt.Errorf("header %d: %w", number, err)
	}
	return PriceFromHeader(header)
}

// UnitRange resolves the blocks mined within [start, end].
func (e *EVM) UnitRange(ctx context.Context, start, end int64) (uint64, uint64, error) {
	return evmUnitRange(ctx, e.chain, start, end)
}

func evmUnitRange(ctx context.Context, chain EVMChain, start, end int64) (uint64, uint64, error) {
	from, ok, err := chain.BlockAtOrAfter(ctx, start)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, errNoUnits
	}

	var to uint64
	if end == 0 {
		to, err = chain.LatestBlockNumber(ctx)
		if err != nil {
			return 0, 0, err
		}
	} else {
		to, ok, err = chain.BlockAtOrBefore(ctx, end)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, errNoUnits
		}
	}
	if to < from {
		return 0, 0, errNoUnits
	}
	return from, to, nil
}

func (e *EVM) BackfillRange(ctx context.Context, res model.Resource, start, end int64, overwrite bool) (bool, error) {
	return e.backfillResolved(ctx, e, res, start, end, overwrite, e.fetch)
}

func (e *EVM) BackfillList(ctx context.Context, res model.Resource, units []uint64) (bool, error) {
	return e.backfillList(ctx, res, units, e.fetch)
}

func (e *EVM) WatchLive(ctx context.Context, res model.Resource) error {
	return e.watch(ctx, res, func(ctx context.Context, healthy func()) error {
		heads := make(chan *types.Header, 16)
		sub, err := e.chain.SubscribeNewHead(ctx, heads)
		if err != nil {
			return fmt.Errorf("subscribe new heads: %w", err)
		}
		defer sub.Unsubscribe()
		healthy()

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-sub.Err():
				if err == nil {
					return fmt.Errorf("head subscription closed")
				}
				return err
			case header := <-heads:
				price, err := PriceFromHeader(header)
				if err != nil {
					e.logger.Warn("skip header", zap.Error(err))
					continue
				}
				if err := e.save(ctx, res, price, false); err != nil {
					return err
				}
			}
		}
	})
}
