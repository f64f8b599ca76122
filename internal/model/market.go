package model

// MarketParams are the protocol parameters of a market group.
type MarketParams struct {
	FeeRate                uint32 `json:"fee_rate"`
	AssertionLiveness      uint64 `json:"assertion_liveness"`
	BondCurrency           string `json:"bond_currency"`
	BondAmount             string `json:"bond_amount"`
	ClaimStatement         string `json:"claim_statement"`
	UniswapPositionManager string `json:"uniswap_position_manager"`
	UniswapSwapRouter      string `json:"uniswap_swap_router"`
	UniswapQuoter          string `json:"uniswap_quoter"`
	OptimisticOracleV3     string `json:"optimistic_oracle_v3"`
}

// MarketGroup is one deployed market contract.
type MarketGroup struct {
	ID                  int64        `json:"id"`
	ChainID             uint64       `json:"chain_id"`
	Address             string       `json:"address"`
	Owner               string       `json:"owner,omitempty"`
	CollateralAsset     string       `json:"collateral_asset,omitempty"`
	CollateralSymbol    string       `json:"collateral_symbol,omitempty"`
	CollateralDecimals  uint8        `json:"collateral_decimals,omitempty"`
	FactoryAddress      string       `json:"factory_address,omitempty"`
	InitializationNonce string       `json:"initialization_nonce,omitempty"`
	DeployBlock         uint64       `json:"deploy_block"`
	DeployTimestamp     uint64       `json:"deploy_timestamp"`
	Initialized         bool         `json:"initialized"`
	Params              MarketParams `json:"params"`
}

// Market is a time-boxed epoch of a market group.
type Market struct {
	ID                   int64  `json:"id"`
	MarketGroupID        int64  `json:"market_group_id"`
	MarketID             uint64 `json:"market_id"`
	StartTimestamp       uint64 `json:"start_timestamp"`
	EndTimestamp         uint64 `json:"end_timestamp"`
	StartingSqrtPriceX96 string `json:"starting_sqrt_price_x96"`
	// Price tick bounds are read from the contract and stay zero when the
	// read fails.
	BaseAssetMinPriceTick int32  `json:"base_asset_min_price_tick"`
	BaseAssetMaxPriceTick int32  `json:"base_asset_max_price_tick"`
	Settled               bool   `json:"settled"`
	SettlementPriceD18    string `json:"settlement_price_d18,omitempty"`
}
