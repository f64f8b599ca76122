package resource

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"

	"marketScope/internal/model"
)

// Sources configures where adapters read from.
type Sources struct {
	// EVM returns the chain client of a chain id.
	EVM func(chainID uint64) (EVMChain, error)

	SolanaRPC      string
	SolanaWS       string
	CeleniumAPIKey string
	NOAAToken      string

	BlobscanURL   string
	CeleniumURL   string
	MempoolURL    string
	WeatherGovURL string
	NOAAURL       string

	HTTP HTTPOptions
}

func (s *Sources) defaults() {
	if s.BlobscanURL == "" {
		s.BlobscanURL = DefaultBlobscanURL
	}
	if s.CeleniumURL == "" {
		s.CeleniumURL = DefaultCeleniumURL
	}
	if s.MempoolURL == "" {
		s.MempoolURL = DefaultMempoolURL
	}
	if s.WeatherGovURL == "" {
		s.WeatherGovURL = DefaultWeatherGovURL
	}
	if s.NOAAURL == "" {
		s.NOAAURL = DefaultNOAAURL
	}
}

// Registry builds one adapter per resource kind and chain, on first use.
type Registry struct {
	sources Sources
	opts    Options

	mu       sync.Mutex
	adapters map[string]Adapter
	mempool  *HTTPClient
	solana   *rpc.Client
}

func NewRegistry(sources Sources, opts Options) *Registry {
	sources.defaults()
	if sources.HTTP.Logger == nil {
		sources.HTTP.Logger = opts.Logger
	}
	if sources.HTTP.Metrics == nil {
		sources.HTTP.Metrics = opts.Metrics
	}
	return &Registry{
		sources:  sources,
		opts:     opts,
		adapters: make(map[string]Adapter),
	}
}

func adapterKey(res model.Resource) string {
	if res.Kind == model.KindEVM {
		return string(res.Kind) + ":" + strconv.FormatUint(res.ChainID, 10)
	}
	return string(res.Kind)
}

// For returns the adapter serving res. Missing credentials are reported as
// errors.
func (r *Registry) For(ctx context.Context, res model.Resource) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := adapterKey(res)
	if a, ok := r.adapters[key]; ok {
		return a, nil
	}
	a, err := r.build(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", res.Slug, err)
	}
	r.adapters[key] = a
	return a, nil
}

func (r *Registry) build(ctx context.Context, res model.Resource) (Adapter, error) {
	switch res.Kind {
	case model.KindEVM:
		chain, err := r.evm(res.ChainID)
		if err != nil {
			return nil, err
		}
		return NewEVM(chain, r.opts), nil
	case model.KindEthBlobs:
		chain, err := r.evm(1)
		if err != nil {
			return nil, err
		}
		return NewBlobs(NewHTTPClient(r.sources.BlobscanURL, r.sources.HTTP), chain, r.opts), nil
	case model.KindCelestia:
		return NewCelestia(NewHTTPClient(r.sources.CeleniumURL, r.sources.HTTP), r.sources.CeleniumAPIKey, r.opts)
	case model.KindBitcoin:
		return NewBitcoin(r.mempoolClient(), r.opts), nil
	case model.KindBitcoinHashrate:
		return NewHashrate(r.mempoolClient(), r.opts), nil
	case model.KindSolana:
		client, err := r.solanaClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewSolana(client, r.sources.SolanaWS, r.opts), nil
	case model.KindWeatherTemperature:
		return NewTemperature(NewHTTPClient(r.sources.WeatherGovURL, r.sources.HTTP), r.opts), nil
	case model.KindWeatherPrecipitation:
		return NewPrecipitation(NewHTTPClient(r.sources.NOAAURL, r.sources.HTTP), r.sources.NOAAToken, r.opts)
	default:
		return nil, fmt.Errorf("unknown resource kind %q", res.Kind)
	}
}

func (r *Registry) evm(chainID uint64) (EVMChain, error) {
	if r.sources.EVM == nil {
		return nil, fmt.Errorf("no evm clients configured")
	}
	return r.sources.EVM(chainID)
}

// Bitcoin and hashrate share one client so they share its rate limit.
func (r *Registry) mempoolClient() *HTTPClient {
	if r.mempool == nil {
		r.mempool = NewHTTPClient(r.sources.MempoolURL, r.sources.HTTP)
	}
	return r.mempool
}

func (r *Registry) solanaClient(ctx context.Context) (*rpc.Client, error) {
	if r.solana != nil {
		return r.solana, nil
	}
	if r.sources.SolanaRPC == "" {
		return nil, fmt.Errorf("solana rpc url is not set")
	}
	client, err := DialSolana(ctx, r.sources.SolanaRPC)
	if err != nil {
		return nil, fmt.Errorf("dial solana rpc: %w", err)
	}
	r.solana = client
	return client, nil
}

// Close releases connections opened by adapters.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.solana != nil {
		r.solana.Close()
		r.solana = nil
	}
}
