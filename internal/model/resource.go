package model

// ResourceKind selects the adapter that ingests a resource.
type ResourceKind string

const (
	KindEVM                  ResourceKind = "evm"
	KindEthBlobs             ResourceKind = "eth-blobs"
	KindCelestia             ResourceKind = "celestia"
	KindBitcoin              ResourceKind = "bitcoin"
	KindBitcoinHashrate      ResourceKind = "bitcoin-hashrate"
	KindSolana               ResourceKind = "solana"
	KindWeatherTemperature   ResourceKind = "weather-temperature"
	KindWeatherPrecipitation ResourceKind = "weather-precipitation"
)

// Resource is a named external data source tracked as a price time series.
type Resource struct {
	ID      int64        `json:"id" yaml:"-"`
	Slug    string       `json:"slug" yaml:"slug"`
	Name    string       `json:"name" yaml:"name"`
	Kind    ResourceKind `json:"kind" yaml:"kind"`
	ChainID uint64       `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
}

// ResourcePrice is one observation of a resource. Value, Used and FeePaid
// are base-10 integers scaled by the source's fixed-point convention.
type ResourcePrice struct {
	ResourceID  int64  `json:"resource_id"`
	Timestamp   int64  `json:"timestamp"`
	BlockNumber uint64 `json:"block_number"`
	Value       string `json:"value"`
	Used        string `json:"used"`
	FeePaid     string `json:"fee_paid"`
}
