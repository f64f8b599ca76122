package model

// TokenMeta is the ERC-20 metadata of a market's collateral asset. Symbol is
// empty when the token does not expose one.
type TokenMeta struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals uint8  `json:"decimals"`
}
