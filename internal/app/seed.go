package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/omniorder/omniorder/internal/customer"
)

// seedData is the catalog half of the seed file; the channels half is
// parsed by the channel package.
type seedData struct {
	SKUs      []seedSKU           `yaml:"skus"`
	Customers []customer.Customer `yaml:"customers"`
}

type seedSKU struct {
	SKU    string `yaml:"sku"`
	PriceQ int64  `yaml:"price_q"`
	Stock  int64  `yaml:"stock"`
}

func loadSeed(path string) (*seedData, error) {
	if path == "" {
		return &seedData{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: failed to read seed file %s: %w", path, err)
	}
	var seed seedData
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("app: invalid seed file %s: %w", path, err)
	}
	return &seed, nil
}

func (s *seedData) prices() map[string]int64 {
	prices := make(map[string]int64, len(s.SKUs))
	for _, sku := range s.SKUs {
		prices[sku.SKU] = sku.PriceQ
	}
	return prices
}

func (s *seedData) stockLevels() map[string]int64 {
	levels := make(map[string]int64, len(s.SKUs))
	for _, sku := range s.SKUs {
		levels[sku.SKU] = sku.Stock
	}
	return levels
}
