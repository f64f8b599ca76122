package model

// DecodeError is a dead-letter record for a market log that could not be
// decoded or stored.
type DecodeError struct {
	ChainID       uint64 `json:"chain_id"`
	MarketGroupID int64  `json:"market_group_id"`
	BlockNumber   uint64 `json:"block_number"`
	TxHash        string `json:"tx_hash"`
	LogIndex      uint64 `json:"log_index"`
	Address       string `json:"address"`
	Topic0        string `json:"topic0"`
	Stage         string `json:"stage"`
	Error         string `json:"error"`
	RecordedAt    string `json:"recorded_at"`
}
