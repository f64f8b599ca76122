package model

import (
	"encoding/json"
	"fmt"
)

// Event names emitted by market contracts.
const (
	EventMarketInitialized          = "MarketInitialized"
	EventMarketUpdated              = "MarketUpdated"
	EventEpochCreated               = "EpochCreated"
	EventEpochSettled               = "EpochSettled"
	EventTransfer                   = "Transfer"
	EventPositionSettled            = "PositionSettled"
	EventLiquidityPositionCreated   = "LiquidityPositionCreated"
	EventLiquidityPositionIncreased = "LiquidityPositionIncreased"
	EventLiquidityPositionDecreased = "LiquidityPositionDecreased"
	EventLiquidityPositionClosed    = "LiquidityPositionClosed"
	EventTraderPositionCreated      = "TraderPositionCreated"
	EventTraderPositionModified     = "TraderPositionModified"

	// EventMarketGroupInitialized is emitted by factories, not market groups.
	EventMarketGroupInitialized = "MarketGroupInitialized"
)

// LogRecord is the normalized representation of a chain log.
type LogRecord struct {
	ChainID     uint64   `json:"chain_id"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Removed     bool     `json:"removed"`
	Timestamp   uint64   `json:"timestamp"`
}

// EventKey identifies a log within a market group. Storing an event twice
// under the same key is a no-op.
type EventKey struct {
	MarketGroupID   int64
	BlockNumber     uint64
	LogIndex        uint64
	TransactionHash string
}

// Event is a decoded market log.
type Event struct {
	ID              int64     `json:"id"`
	MarketGroupID   int64     `json:"market_group_id"`
	Name            string    `json:"name"`
	BlockNumber     uint64    `json:"block_number"`
	Timestamp       uint64    `json:"timestamp"`
	LogIndex        uint64    `json:"log_index"`
	TransactionHash string    `json:"transaction_hash"`
	Args            EventArgs `json:"args"`
}

// Key returns the idempotency key of the event.
func (e Event) Key() EventKey {
	return EventKey{
		MarketGroupID:   e.MarketGroupID,
		BlockNumber:     e.BlockNumber,
		LogIndex:        e.LogIndex,
		TransactionHash: e.TransactionHash,
	}
}

// UnmarshalJSON restores the typed args using the event name as tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var raw struct {
		alias
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event(raw.alias)
	if len(raw.Args) == 0 || string(raw.Args) == "null" {
		e.Args = nil
		return nil
	}
	args, err := UnmarshalArgs(e.Name, raw.Args)
	if err != nil {
		return err
	}
	e.Args = args
	return nil
}

// UnmarshalArgs decodes the JSON payload of a named event.
func UnmarshalArgs(name string, data []byte) (EventArgs, error) {
	var args EventArgs
	switch name {
	case EventMarketInitialized:
		args = &MarketInitializedArgs{}
	case EventMarketUpdated:
		args = &MarketUpdatedArgs{}
	case EventEpochCreated:
		args = &EpochCreatedArgs{}
	case EventEpochSettled:
		args = &EpochSettledArgs{}
	case EventTransfer:
		args = &TransferArgs{}
	case EventPositionSettled:
		args = &PositionSettledArgs{}
	case EventLiquidityPositionCreated:
		args = &LiquidityPositionCreatedArgs{}
	case EventLiquidityPositionIncreased:
		args = &LiquidityPositionIncreasedArgs{}
	case EventLiquidityPositionDecreased:
		args = &LiquidityPositionDecreasedArgs{}
	case EventLiquidityPositionClosed:
		args = &LiquidityPositionClosedArgs{}
	case EventTraderPositionCreated:
		args = &TraderPositionCreatedArgs{}
	case EventTraderPositionModified:
		args = &TraderPositionModifiedArgs{}
	default:
		return nil, fmt.Errorf("unknown event name: %s", name)
	}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, fmt.Errorf("decode %s args: %w", name, err)
	}
	return derefArgs(args), nil
}

func derefArgs(args EventArgs) EventArgs {
	switch a := args.(type) {
	case *MarketInitializedArgs:
		return *a
	case *MarketUpdatedArgs:
		return *a
	case *EpochCreatedArgs:
		return *a
	case *EpochSettledArgs:
		return *a
	case *TransferArgs:
		return *a
	case *PositionSettledArgs:
		return *a
	case *LiquidityPositionCreatedArgs:
		return *a
	case *LiquidityPositionIncreasedArgs:
		return *a
	case *LiquidityPositionDecreasedArgs:
		return *a
	case *LiquidityPositionClosedArgs:
		return *a
	case *TraderPositionCreatedArgs:
		return *a
	case *TraderPositionModifiedArgs:
		return *a
	default:
		return args
	}
}
