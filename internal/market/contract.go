package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Caller performs read-only contract calls. A nil block means latest.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func callMethod(ctx context.Context, caller Caller, to common.Address, parsed abi.ABI, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// EpochBounds are the price tick bounds of one epoch.
type EpochBounds struct {
	MinPriceTick int32
	MaxPriceTick int32
}

// FetchEpochBounds reads the tick bounds of epochID from the market group.
func FetchEpochBounds(ctx context.Context, caller Caller, group common.Address, epochID uint64) (EpochBounds, error) {
	parsed, err := MarketABI()
	if err != nil {
		return EpochBounds{}, err
	}
	values, err := callMethod(ctx, caller, group, parsed, "getEpoch", nil, new(big.Int).SetUint64(epochID))
	if err != nil {
		return EpochBounds{}, err
	}
	if len(values) < 5 {
		return EpochBounds{}, fmt.Errorf("getEpoch: unexpected values: %d", len(values))
	}

	var ticks [2]int32
	for i, v := range values[3:5] {
		n, err := asBigInt(v)
		if err != nil {
			return EpochBounds{}, fmt.Errorf("getEpoch tick: %w", err)
		}
		if ticks[i], err = int24FromBig(n); err != nil {
			return EpochBounds{}, fmt.Errorf("getEpoch tick: %w", err)
		}
	}
	return EpochBounds{MinPriceTick: ticks[0], MaxPriceTick: ticks[1]}, nil
}
