package channel

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Channels []seedChannel `yaml:"channels"`
}

type seedChannel struct {
	Code          string `yaml:"code"`
	Name          string `yaml:"name"`
	PricingPolicy string `yaml:"pricing_policy"`
	EditPolicy    string `yaml:"edit_policy"`
	Active        *bool  `yaml:"active"`
	Config        Config `yaml:"config"`
}

// LoadSeedFile parses a YAML channel seed and upserts every entry.
// Policies default to internal/open, active defaults to true. Any
// invalid config aborts the whole load so a typo never half-configures
// a deployment.
func LoadSeedFile(ctx context.Context, repo Repository, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("channel: failed to read seed file %s: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("channel: invalid seed file %s: %w", path, err)
	}

	for _, sc := range seed.Channels {
		if sc.Code == "" {
			return fmt.Errorf("channel: seed entry without code in %s", path)
		}
		ch := Channel{
			Code:          sc.Code,
			Name:          sc.Name,
			PricingPolicy: PricingPolicy(sc.PricingPolicy),
			EditPolicy:    EditPolicy(sc.EditPolicy),
			Config:        sc.Config,
			IsActive:      true,
		}
		if ch.PricingPolicy == "" {
			ch.PricingPolicy = PricingInternal
		}
		if ch.EditPolicy == "" {
			ch.EditPolicy = EditOpen
		}
		if sc.Active != nil {
			ch.IsActive = *sc.Active
		}
		if err := repo.Upsert(ctx, &ch); err != nil {
			return fmt.Errorf("channel: failed to seed channel %s: %w", sc.Code, err)
		}
		log.Info().Str("channel", ch.Code).Msg("Channel seeded")
	}
	return nil
}
