package model

// EventArgs is the decoded payload of a market event. Each event name has
// exactly one implementation.
type EventArgs interface {
	EventName() string
}

// PositionAware is implemented by payloads that touch a position.
type PositionAware interface {
	EventArgs
	Position() (epochID, positionID uint64)
}

// PositionState is the post-event state of a position as reported by the
// contract. All values are base-10 integers.
type PositionState struct {
	CollateralAmount string `json:"collateral_amount"`
	VethAmount       string `json:"veth_amount"`
	VgasAmount       string `json:"vgas_amount"`
	BorrowedVeth     string `json:"borrowed_veth"`
	BorrowedVgas     string `json:"borrowed_vgas"`
}

// PositionRef is shared by events that address a position in an epoch.
type PositionRef struct {
	Sender          string `json:"sender"`
	EpochID         uint64 `json:"epoch_id"`
	PositionID      uint64 `json:"position_id"`
	DeltaCollateral string `json:"delta_collateral"`
}

// Position implements PositionAware.
func (r PositionRef) Position() (uint64, uint64) { return r.EpochID, r.PositionID }

type MarketInitializedArgs struct {
	InitialOwner    string       `json:"initial_owner"`
	CollateralAsset string       `json:"collateral_asset"`
	Params          MarketParams `json:"params"`
}

func (MarketInitializedArgs) EventName() string { return EventMarketInitialized }

type MarketUpdatedArgs struct {
	Params MarketParams `json:"params"`
}

func (MarketUpdatedArgs) EventName() string { return EventMarketUpdated }

type EpochCreatedArgs struct {
	EpochID              uint64 `json:"epoch_id"`
	StartTime            uint64 `json:"start_time"`
	EndTime              uint64 `json:"end_time"`
	StartingSqrtPriceX96 string `json:"starting_sqrt_price_x96"`
}

func (EpochCreatedArgs) EventName() string { return EventEpochCreated }

type EpochSettledArgs struct {
	EpochID                uint64 `json:"epoch_id"`
	SettlementSqrtPriceX96 string `json:"settlement_sqrt_price_x96"`
}

func (EpochSettledArgs) EventName() string { return EventEpochSettled }

type TransferArgs struct {
	From    string `json:"from"`
	To      string `json:"to"`
	TokenID uint64 `json:"token_id"`
}

func (TransferArgs) EventName() string { return EventTransfer }

type PositionSettledArgs struct {
	PositionID          uint64 `json:"position_id"`
	WithdrawnCollateral string `json:"withdrawn_collateral"`
}

func (PositionSettledArgs) EventName() string { return EventPositionSettled }

func (a PositionSettledArgs) Position() (uint64, uint64) { return 0, a.PositionID }

type LiquidityPositionCreatedArgs struct {
	PositionRef
	Liquidity    string        `json:"liquidity"`
	AddedAmount0 string        `json:"added_amount0"`
	AddedAmount1 string        `json:"added_amount1"`
	LowerTick    int32         `json:"lower_tick"`
	UpperTick    int32         `json:"upper_tick"`
	State        PositionState `json:"state"`
}

func (LiquidityPositionCreatedArgs) EventName() string { return EventLiquidityPositionCreated }

type LiquidityPositionIncreasedArgs struct {
	PositionRef
	Liquidity        string        `json:"liquidity"`
	IncreasedAmount0 string        `json:"increased_amount0"`
	IncreasedAmount1 string        `json:"increased_amount1"`
	State            PositionState `json:"state"`
}

func (LiquidityPositionIncreasedArgs) EventName() string { return EventLiquidityPositionIncreased }

type LiquidityPositionDecreasedArgs struct {
	PositionRef
	Liquidity        string        `json:"liquidity"`
	DecreasedAmount0 string        `json:"decreased_amount0"`
	DecreasedAmount1 string        `json:"decreased_amount1"`
	State            PositionState `json:"state"`
}

func (LiquidityPositionDecreasedArgs) EventName() string { return EventLiquidityPositionDecreased }

// PositionKindTrade marks a liquidity position closed into a trade position.
const PositionKindTrade uint8 = 2

type LiquidityPositionClosedArgs struct {
	PositionRef
	Kind             uint8         `json:"kind"`
	CollectedAmount0 string        `json:"collected_amount0"`
	CollectedAmount1 string        `json:"collected_amount1"`
	State            PositionState `json:"state"`
}

func (LiquidityPositionClosedArgs) EventName() string { return EventLiquidityPositionClosed }

// TraderPositionArgs is the payload shared by trader events.
type TraderPositionArgs struct {
	PositionRef
	InitialPrice string        `json:"initial_price"`
	FinalPrice   string        `json:"final_price"`
	TradeRatio   string        `json:"trade_ratio"`
	State        PositionState `json:"state"`
}

type TraderPositionCreatedArgs struct {
	TraderPositionArgs
}

func (TraderPositionCreatedArgs) EventName() string { return EventTraderPositionCreated }

type TraderPositionModifiedArgs struct {
	TraderPositionArgs
}

func (TraderPositionModifiedArgs) EventName() string { return EventTraderPositionModified }

// MarketGroupInitializedArgs is emitted by the market group factory.
type MarketGroupInitializedArgs struct {
	Sender      string `json:"sender"`
	MarketGroup string `json:"market_group"`
	Nonce       string `json:"nonce"`
}

func (MarketGroupInitializedArgs) EventName() string { return EventMarketGroupInitialized }
