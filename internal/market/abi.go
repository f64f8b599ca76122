package market

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const marketParamsComponents = `[
  {"internalType": "uint24", "name": "feeRate", "type": "uint24"},
  {"internalType": "uint64", "name": "assertionLiveness", "type": "uint64"},
  {"internalType": "address", "name": "bondCurrency", "type": "address"},
  {"internalType": "uint256", "name": "bondAmount", "type": "uint256"},
  {"internalType": "bytes", "name": "claimStatement", "type": "bytes"},
  {"internalType": "address", "name": "uniswapPositionManager", "type": "address"},
  {"internalType": "address", "name": "uniswapSwapRouter", "type": "address"},
  {"internalType": "address", "name": "uniswapQuoter", "type": "address"},
  {"internalType": "address", "name": "optimisticOracleV3", "type": "address"}
]`

// Every position event ends with the post-event position state.
const positionStateInputs = `
      {"indexed": false, "internalType": "int256", "name": "deltaCollateral", "type": "int256"},
      {"indexed": false, "internalType": "uint256", "name": "positionCollateralAmount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "positionVethAmount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "positionVgasAmount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "positionBorrowedVeth", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "positionBorrowedVgas", "type": "uint256"}`

const positionRefInputs = `
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "epochId", "type": "uint256"},
      {"indexed": true, "internalType": "uint256", "name": "positionId", "type": "uint256"},`

const marketABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "address", "name": "initialOwner", "type": "address"},
      {"indexed": false, "internalType": "address", "name": "collateralAsset", "type": "address"},
      {"indexed": false, "internalType": "struct MarketParams", "name": "marketParams", "type": "tuple", "components": ` + marketParamsComponents + `}
    ],
    "name": "MarketInitialized",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "struct MarketParams", "name": "marketParams", "type": "tuple", "components": ` + marketParamsComponents + `}
    ],
    "name": "MarketUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "epochId", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "startTime", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "endTime", "type": "uint256"},
      {"indexed": false, "internalType": "uint160", "name": "startingSqrtPriceX96", "type": "uint160"}
    ],
    "name": "EpochCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "uint256", "name": "epochId", "type": "uint256"},
      {"indexed": false, "internalType": "uint160", "name": "settlementSqrtPriceX96", "type": "uint160"}
    ],
    "name": "EpochSettled",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "from", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": true, "internalType": "uint256", "name": "tokenId", "type": "uint256"}
    ],
    "name": "Transfer",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "positionId", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "withdrawnCollateral", "type": "uint256"}
    ],
    "name": "PositionSettled",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [` + positionRefInputs + `
      {"indexed": false, "internalType": "uint128", "name": "liquidity", "type": "uint128"},
      {"indexed": false, "internalType": "uint256", "name": "addedAmount0", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "addedAmount1", "type": "uint256"},
      {"indexed": false, "internalType": "int24", "name": "lowerTick", "type": "int24"},
      {"indexed": false, "internalType": "int24", "name": "upperTick", "type": "int24"},` + positionStateInputs + `
    ],
    "name": "LiquidityPositionCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [` + positionRefInputs + `
      {"indexed": false, "internalType": "uint128", "name": "liquidity", "type": "uint128"},
      {"indexed": false, "internalType": "uint256", "name": "increasedAmount0", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "increasedAmount1", "type": "uint256"},` + positionStateInputs + `
    ],
    "name": "LiquidityPositionIncreased",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [` + positionRefInputs + `
      {"indexed": false, "internalType": "uint128", "name": "liquidity", "type": "uint128"},
      {"indexed": false, "internalType": "uint256", "name": "decreasedAmount0", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "decreasedAmount1", "type": "uint256"},` + positionStateInputs + `
    ],
    "name": "LiquidityPositionDecreased",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [` + positionRefInputs + `
      {"indexed": false, "internalType": "enum PositionKind", "name": "kind", "type": "uint8"},
      {"indexed": false, "internalType": "uint256", "name": "collectedAmount0", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "collectedAmount1", "type": "uint256"},` + positionStateInputs + `
    ],
    "name": "LiquidityPositionClosed",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [` + positionRefInputs + `
      {"indexed": false, "internalType": "uint256", "name": "initialPrice", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "finalPrice", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "tradeRatio", "type": "uint256"},` + positionStateInputs + `
    ],
    "name": "TraderPositionCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [` + positionRefInputs + `
      {"indexed": false, "internalType": "uint256", "name": "initialPrice", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "finalPrice", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "tradeRatio", "type": "uint256"},` + positionStateInputs + `
    ],
    "name": "TraderPositionModified",
    "type": "event"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "id", "type": "uint256"}],
    "name": "getEpoch",
    "outputs": [
      {"internalType": "uint256", "name": "startTime", "type": "uint256"},
      {"internalType": "uint256", "name": "endTime", "type": "uint256"},
      {"internalType": "address", "name": "pool", "type": "address"},
      {"internalType": "int24", "name": "baseAssetMinPriceTick", "type": "int24"},
      {"internalType": "int24", "name": "baseAssetMaxPriceTick", "type": "int24"},
      {"internalType": "bool", "name": "settled", "type": "bool"},
      {"internalType": "uint256", "name": "settlementPriceD18", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

const factoryABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "marketGroup", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "MarketGroupInitialized",
    "type": "event"
  }
]`

const erc20ABIStringJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "symbol", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"}
]`

const erc20ABIBytes32JSON = `[
  {"inputs": [], "name": "symbol", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"}
]`

type lazyABI struct {
	source string
	once   sync.Once
	parsed abi.ABI
	err    error
}

func (l *lazyABI) get() (abi.ABI, error) {
	l.once.Do(func() {
		l.parsed, l.err = abi.JSON(strings.NewReader(l.source))
	})
	return l.parsed, l.err
}

var (
	marketABI       = &lazyABI{source: marketABIJSON}
	factoryABI      = &lazyABI{source: factoryABIJSON}
	erc20StringABI  = &lazyABI{source: erc20ABIStringJSON}
	erc20Bytes32ABI = &lazyABI{source: erc20ABIBytes32JSON}
)

// MarketABI returns the parsed market group ABI.
func MarketABI() (abi.ABI, error) { return marketABI.get() }

// FactoryABI returns the parsed market group factory ABI.
func FactoryABI() (abi.ABI, error) { return factoryABI.get() }
