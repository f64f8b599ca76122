package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketScope/internal/blocksearch"
	"marketScope/internal/indexer"
	"marketScope/internal/model"
)

const (
	solanaFinalityLag  = 8
	solanaSkipProbeMax = 64
)

// Solana RPC error codes for slots without a block.
const (
	solanaSlotSkipped         = -32004
	solanaSlotNotAvailable    = -32007
	solanaSlotLongTermStorage = -32009
)

type solanaBlock struct {
	BlockTime    *int64 `json:"blockTime"`
	Transactions []struct {
		Meta *struct {
			Fee                  uint64  `json:"fee"`
			ComputeUnitsConsumed *uint64 `json:"computeUnitsConsumed"`
		} `json:"meta"`
	} `json:"transactions"`
}

// SolanaRPC is the JSON-RPC transport used by the Solana adapter.
type SolanaRPC interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Solana prices compute by total fees per compute unit of each slot.
type Solana struct {
	base
	rpc          SolanaRPC
	wsURL        string
	PollInterval time.Duration
}

// DialSolana connects the JSON-RPC transport.
func DialSolana(ctx context.Context, rpcURL string) (*rpc.Client, error) {
	return rpc.DialContext(ctx, rpcURL)
}

// NewSolana uses wsURL for slot notifications when set and polls getSlot
// otherwise.
func NewSolana(client SolanaRPC, wsURL string, opts Options) *Solana {
	return &Solana{
		base: newBase(model.KindSolana, opts, indexer.ReconnectPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
		}),
		rpc:          client,
		wsURL:        wsURL,
		PollInterval: 2 * time.Second,
	}
}

func isSkippedSlot(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.ErrorCode() {
	case solanaSlotSkipped, solanaSlotNotAvailable, solanaSlotLongTermStorage:
		return true
	}
	return false
}

func (s *Solana) fetch(ctx context.Context, slot uint64) (model.ResourcePrice, error) {
	var block *solanaBlock
	err := s.rpc.CallContext(ctx, &block, "getBlock", slot, map[string]interface{}{
		"encoding":                       "json",
		"maxSupportedTransactionVersion": 0,
		"transactionDetails":             "full",
		"rewards":                        false,
		"commitment":                     "finalized",
	})
	if err != nil {
		if isSkippedSlot(err) {
			return model.ResourcePrice{}, fmt.Errorf("slot %d: %w", slot, ErrSkip)
		}
		return model.ResourcePrice{}, fmt.Errorf("getBlock %d: %w", slot, err)
	}
	if block == nil {
		return model.ResourcePrice{}, fmt.Errorf("slot %d: %w", slot, ErrNotFound)
	}
	return solanaPrice(slot, *block)
}

// solanaPrice computes value = totalFees*1e9/totalComputeUnits.
func solanaPrice(slot uint64, block solanaBlock) (model.ResourcePrice, error) {
	if len(block.Transactions) == 0 {
		return model.ResourcePrice{}, fmt.Errorf("slot %d has no transactions: %w", slot, ErrSkip)
	}
	fees := new(big.Int)
	units := new(big.Int)
	for _, tx := range block.Transactions {
		if tx.Meta == nil {
			continue
		}
		fees.Add(fees, new(big.Int).SetUint64(tx.Meta.Fee))
		if tx.Meta.ComputeUnitsConsumed != nil {
			units.Add(units, new(big.Int).SetUint64(*tx.Meta.ComputeUnitsConsumed))
		}
	}
	if units.Sign() == 0 {
		return model.ResourcePrice{}, fmt.Errorf("slot %d used no compute units: %w", slot, ErrSkip)
	}
	if block.BlockTime == nil {
		return model.ResourcePrice{}, fmt.Errorf("slot %d has no block time: %w", slot, ErrMalformed)
	}

	value := new(big.Int).Mul(fees, big.NewInt(1_000_000_000))
	value.Quo(value, units)
	return model.ResourcePrice{
		Timestamp:   *block.BlockTime,
		BlockNumber: slot,
		Value:       value.String(),
		Used:        units.String(),
		FeePaid:     fees.String(),
	}, nil
}

func (s *Solana) currentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := s.rpc.CallContext(ctx, &slot, "getSlot", map[string]string{"commitment": "finalized"}); err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

// slotTime returns the block time of slot, probing forward past skipped
// slots.
func (s *Solana) slotTime(ctx context.Context, slot uint64) (int64, error) {
	for i := uint64(0); i < solanaSkipProbeMax; i++ {
		var ts *int64
		err := s.rpc.CallContext(ctx, &ts, "getBlockTime", slot+i)
		if err != nil {
			if isSkippedSlot(err) {
				continue
			}
			return 0, fmt.Errorf("getBlockTime %d: %w", slot+i, err)
		}
		if ts == nil {
			continue
		}
		return *ts, nil
	}
	return 0, fmt.Errorf("no block within %d slots of %d: %w", solanaSkipProbeMax, slot, ErrNotFound)
}

func (s *Solana) UnitRange(ctx context.Context, start, end int64) (uint64, uint64, error) {
	latest, err := s.currentSlot(ctx)
	if err != nil {
		return 0, 0, err
	}
	// Probing may walk forward, so the search stays clear of the tip.
	hi := latest
	if hi > solanaSkipProbeMax {
		hi -= solanaSkipProbeMax
	}
	from, ok, err := blocksearch.FirstAtOrAfter(ctx, 0, hi, start, s.slotTime)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, errNoUnits
	}
	to := latest
	if end != 0 {
		to, ok, err = blocksearch.LastAtOrBefore(ctx, 0, hi, end, s.slotTime)
		if err != nil {
			return 0, 0, err
		}
		if !ok || to < from {
			return 0, 0, errNoUnits
		}
	}
	return from, to, nil
}

func (s *Solana) BackfillRange(ctx context.Context, res model.Resource, start, end int64, overwrite bool) (bool, error) {
	return s.backfillResolved(ctx, s, res, start, end, overwrite, s.fetch)
}

func (s *Solana) BackfillList(ctx context.Context, res model.Resource, units []uint64) (bool, error) {
	return s.backfillList(ctx, res, units, s.fetch)
}

// WatchLive processes every slot up to eight slots behind the tip.
func (s *Solana) WatchLive(ctx context.Context, res model.Resource) error {
	var last uint64
	return s.watch(ctx, res, func(ctx context.Context, healthy func()) error {
		if last == 0 {
			slot, err := s.currentSlot(ctx)
			if err != nil {
				return err
			}
			last = slot
		}

		catchUp := func(tip uint64) error {
			if tip < solanaFinalityLag {
				return nil
			}
			target := tip - solanaFinalityLag
			for slot := last + 1; slot <= target; slot++ {
				if err := s.storeUnit(ctx, res, slot, false, s.fetch); err != nil {
					return err
				}
				last = slot
			}
			return nil
		}

		if s.wsURL != "" {
			return s.watchSlots(ctx, healthy, catchUp)
		}
		return s.pollSlots(ctx, healthy, catchUp)
	})
}

func (s *Solana) pollSlots(ctx context.Context, healthy func(), onSlot func(uint64) error) error {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		slot, err := s.currentSlot(ctx)
		if err != nil {
			return err
		}
		healthy()
		if err := onSlot(slot); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type slotNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Slot uint64 `json:"slot"`
		} `json:"result"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Solana) watchSlots(ctx context.Context, healthy func(), onSlot func(uint64) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial solana ws: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	subscribe := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "slotSubscribe"}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("slotSubscribe: %w", err)
	}
	healthy()
	s.logger.Info("slot subscription open", zap.String("url", s.wsURL))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read slot notification: %w", err)
		}
		var msg slotNotification
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("bad slot notification", zap.Error(err))
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("slotSubscribe error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Method != "slotNotification" {
			continue
		}
		if err := onSlot(msg.Params.Result.Slot); err != nil {
			return err
		}
	}
}
