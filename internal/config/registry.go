package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"marketScope/internal/model"
)

// Registry lists the resources, market groups and factories to index. It
// only seeds the database; stored rows win on conflict.
type Registry struct {
	Resources []model.Resource `yaml:"resources"`
	Markets   []MarketEntry    `yaml:"markets"`
	Factories []FactoryEntry   `yaml:"factories"`
}

// MarketEntry is a market group deployed outside a watched factory.
type MarketEntry struct {
	ChainID         uint64 `yaml:"chain_id"`
	Address         string `yaml:"address"`
	DeployBlock     uint64 `yaml:"deploy_block"`
	DeployTimestamp uint64 `yaml:"deploy_timestamp"`
}

// FactoryEntry is a market group factory whose deployments are followed.
type FactoryEntry struct {
	ChainID     uint64 `yaml:"chain_id"`
	Address     string `yaml:"address"`
	DeployBlock uint64 `yaml:"deploy_block"`
}

var knownKinds = map[model.ResourceKind]bool{
	model.KindEVM:                  true,
	model.KindEthBlobs:             true,
	model.KindCelestia:             true,
	model.KindBitcoin:              true,
	model.KindBitcoinHashrate:      true,
	model.KindSolana:               true,
	model.KindWeatherTemperature:   true,
	model.KindWeatherPrecipitation: true,
}

// LoadRegistry reads and validates a registry file.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, fmt.Errorf("read registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates registry YAML.
func ParseRegistry(data []byte) (Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("parse registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return Registry{}, err
	}
	return reg, nil
}

// Validate checks slugs, kinds and addresses.
func (r Registry) Validate() error {
	slugs := make(map[string]bool, len(r.Resources))
	for _, res := range r.Resources {
		if res.Slug == "" {
			return fmt.Errorf("resource without slug")
		}
		if slugs[res.Slug] {
			return fmt.Errorf("duplicate resource slug: %s", res.Slug)
		}
		slugs[res.Slug] = true
		if !knownKinds[res.Kind] {
			return fmt.Errorf("resource %s: unknown kind %q", res.Slug, res.Kind)
		}
		if res.Kind == model.KindEVM && res.ChainID == 0 {
			return fmt.Errorf("resource %s: chain_id required", res.Slug)
		}
	}
	for _, m := range r.Markets {
		if m.ChainID == 0 || !common.IsHexAddress(m.Address) {
			return fmt.Errorf("invalid market entry: chain %d address %q", m.ChainID, m.Address)
		}
	}
	for _, f := range r.Factories {
		if f.ChainID == 0 || !common.IsHexAddress(f.Address) {
			return fmt.Errorf("invalid factory entry: chain %d address %q", f.ChainID, f.Address)
		}
	}
	return nil
}

// Resource returns the resource with slug.
func (r Registry) Resource(slug string) (model.Resource, bool) {
	for _, res := range r.Resources {
		if res.Slug == slug {
			return res, true
		}
	}
	return model.Resource{}, false
}
