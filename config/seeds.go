// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"meterflow/platform/metering"
)

// SeedFile declares plans and pricing rows loaded at startup. Plans that
// already exist are left untouched; pricing rows are applied on top of
// the built-in defaults.
type SeedFile struct {
	Plans   []SeedPlan                                  `yaml:"plans"`
	Pricing map[string]map[string]metering.ModelPricing `yaml:"pricing"`
}

// SeedPlan is one plan declaration in a seed file
type SeedPlan struct {
	ID     string             `yaml:"id"`
	Name   string             `yaml:"name"`
	Cycle  string             `yaml:"cycle"`
	Limits map[string]float64 `yaml:"limits"`
}

// Plan converts the seed declaration into a subscription plan
func (p SeedPlan) Plan() *metering.SubscriptionPlan {
	limits := make(map[metering.ResourceKind]float64, len(p.Limits))
	for kind, limit := range p.Limits {
		limits[metering.ResourceKind(kind)] = limit
	}
	cycle := metering.BillingCycle(p.Cycle)
	if p.Cycle == "" {
		cycle = metering.CycleMonthly
	}
	return &metering.SubscriptionPlan{
		ID:     p.ID,
		Name:   p.Name,
		Cycle:  cycle,
		Limits: limits,
	}
}

// LoadSeedFile parses a YAML seed file
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeedFile(data)
}

// ParseSeedFile parses seed file contents
func ParseSeedFile(data []byte) (*SeedFile, error) {
	var seeds SeedFile
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, plan := range seeds.Plans {
		if err := plan.Plan().Validate(); err != nil {
			return nil, fmt.Errorf("invalid seed plan %q: %w", plan.ID, err)
		}
	}
	return &seeds, nil
}

// ApplyPricing feeds the seed pricing rows through set, which both
// persists and activates each version.
func (s *SeedFile) ApplyPricing(ctx context.Context, set func(ctx context.Context, provider metering.Provider, model string, pricing metering.ModelPricing) error) error {
	now := time.Now().UTC()
	for providerName, models := range s.Pricing {
		provider := metering.ParseProvider(providerName)
		for model, pricing := range models {
			if pricing.EffectiveAt.IsZero() {
				pricing.EffectiveAt = now
			}
			if err := set(ctx, provider, model, pricing); err != nil {
				return fmt.Errorf("seeding pricing for %s/%s: %w", providerName, model, err)
			}
		}
	}
	return nil
}
