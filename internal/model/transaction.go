package model

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TxAddLiquidity    TransactionType = "addLiquidity"
	TxRemoveLiquidity TransactionType = "removeLiquidity"
	TxLong            TransactionType = "long"
	TxShort           TransactionType = "short"
	TxSettledPosition TransactionType = "settledPosition"
)

// Balances holds the virtual token and collateral amounts of a position.
type Balances struct {
	Base          string `json:"base"`
	Quote         string `json:"quote"`
	BorrowedBase  string `json:"borrowed_base"`
	BorrowedQuote string `json:"borrowed_quote"`
	Collateral    string `json:"collateral"`
}

// TokenDeltas is the signed change a transaction applies to its position.
type TokenDeltas struct {
	Base          string `json:"base"`
	Quote         string `json:"quote"`
	BorrowedBase  string `json:"borrowed_base"`
	BorrowedQuote string `json:"borrowed_quote"`
	Collateral    string `json:"collateral"`
	LpBase        string `json:"lp_base"`
	LpQuote       string `json:"lp_quote"`
}

// MarketPrice is a price snapshot taken at a transaction.
type MarketPrice struct {
	Timestamp uint64 `json:"timestamp"`
	Value     string `json:"value"`
}

// CollateralTransfer records collateral moving in or out of a position.
type CollateralTransfer struct {
	TransactionHash string `json:"transaction_hash"`
	Timestamp       uint64 `json:"timestamp"`
	Owner           string `json:"owner"`
	Collateral      string `json:"collateral"`
}

// Transaction is a ledger row derived from one event.
type Transaction struct {
	ID              int64           `json:"id"`
	EventID         int64           `json:"event_id"`
	MarketGroupID   int64           `json:"market_group_id"`
	MarketID        uint64          `json:"market_id"`
	PositionID      uint64          `json:"position_id"`
	Type            TransactionType `json:"type"`
	Owner           string          `json:"owner"`
	TransactionHash string          `json:"transaction_hash"`
	BlockNumber     uint64          `json:"block_number"`
	LogIndex        uint64          `json:"log_index"`
	Timestamp       uint64          `json:"timestamp"`
	CloseKind       uint8           `json:"close_kind,omitempty"`
	TradeRatioD18   string          `json:"trade_ratio_d18,omitempty"`

	HasSnapshot bool     `json:"has_snapshot"`
	Snapshot    Balances `json:"snapshot"`
	HasTicks    bool     `json:"has_ticks"`
	LowTick     int32    `json:"low_tick"`
	HighTick    int32    `json:"high_tick"`

	Deltas TokenDeltas `json:"deltas"`

	MarketPrice        *MarketPrice        `json:"market_price,omitempty"`
	CollateralTransfer *CollateralTransfer `json:"collateral_transfer,omitempty"`
}

// IsLiquidity reports whether the transaction changes LP balances.
func (t Transaction) IsLiquidity() bool {
	return t.Type == TxAddLiquidity || t.Type == TxRemoveLiquidity
}

// Before orders transactions by chain position.
func (t Transaction) Before(other Transaction) bool {
	if t.BlockNumber != other.BlockNumber {
		return t.BlockNumber < other.BlockNumber
	}
	return t.LogIndex < other.LogIndex
}
