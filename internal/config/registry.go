package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/card-valuation-ea/internal/types"
	"gopkg.in/yaml.v3"
)

// RegistryFile is the on-disk layout of a token registry override
type RegistryFile struct {
	Tokens []RegistryEntry `yaml:"tokens"`
}

// RegistryEntry is one currency in a registry file
type RegistryEntry struct {
	Address  string `yaml:"address"`
	CoinID   string `yaml:"coin_id"`
	Decimals int32  `yaml:"decimals"`
	Symbol   string `yaml:"symbol"`
}

// LoadTokenRegistry returns the token registry, read from a YAML file when a
// path is given and the built-in defaults otherwise.
func LoadTokenRegistry(path string) (map[types.CurrencyAddress]types.TokenInfo, error) {
	if path == "" {
		return types.DefaultTokenRegistry(), nil
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token registry file: %w", err)
	}

	var file RegistryFile
	if err := yaml.Unmarshal(fileData, &file); err != nil {
		return nil, fmt.Errorf("failed to parse token registry file: %w", err)
	}

	registry, err := file.Registry()
	if err != nil {
		return nil, err
	}

	logrus.Infof("Loaded %d registry currencies from %s", len(registry), path)
	return registry, nil
}

// Registry validates the entries and builds the lookup map
func (f RegistryFile) Registry() (map[types.CurrencyAddress]types.TokenInfo, error) {
	if len(f.Tokens) == 0 {
		return nil, fmt.Errorf("token registry is empty")
	}

	registry := make(map[types.CurrencyAddress]types.TokenInfo, len(f.Tokens))
	for i, entry := range f.Tokens {
		address := types.ParseCurrencyAddress(entry.Address)
		if address != types.NativeCurrency && !common.IsHexAddress(string(address)) {
			return nil, fmt.Errorf("registry entry %d: invalid currency address %q", i, entry.Address)
		}
		if entry.CoinID == "" {
			return nil, fmt.Errorf("registry entry %d: coin_id is required", i)
		}
		if entry.Decimals < 0 || entry.Decimals > 36 {
			return nil, fmt.Errorf("registry entry %d: decimals out of range: %d", i, entry.Decimals)
		}
		if _, dup := registry[address]; dup {
			return nil, fmt.Errorf("registry entry %d: duplicate address %s", i, address)
		}
		registry[address] = types.TokenInfo{
			CoinID:   entry.CoinID,
			Decimals: entry.Decimals,
			Symbol:   entry.Symbol,
		}
	}
	return registry, nil
}
