// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterflow/platform/metering"
)

const seedYAML = `
plans:
  - id: starter
    name: Starter
    cycle: monthly
    limits:
      gemini_calls: 100
      gemini_tokens: 500000
      monthly_cost_usd: 10
  - id: pro
    name: Pro
    cycle: yearly
    limits:
      monthly_cost_usd: 100

pricing:
  gemini:
    gemini-2.0-flash:
      input_per_1k: 0.0002
      output_per_1k: 0.0008
  tavily:
    search:
      per_request: 0.01
`

func TestParseSeedFile(t *testing.T) {
	seeds, err := ParseSeedFile([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seeds.Plans, 2)

	plan := seeds.Plans[0].Plan()
	assert.Equal(t, "starter", plan.ID)
	assert.Equal(t, metering.CycleMonthly, plan.Cycle)
	assert.Equal(t, 100.0, plan.Limits[metering.KindGeminiCalls])
	assert.Equal(t, 10.0, plan.Limits[metering.KindMonthlyCost])

	assert.Equal(t, metering.CycleYearly, seeds.Plans[1].Plan().Cycle)
}

func TestParseSeedFileInvalidPlan(t *testing.T) {
	_, err := ParseSeedFile([]byte(`
plans:
  - id: broken
    name: Broken
    cycle: weekly
`))
	assert.Error(t, err)
}

func TestParseSeedFileBadYAML(t *testing.T) {
	_, err := ParseSeedFile([]byte("plans: [whoops"))
	assert.Error(t, err)
}

func TestSeedPlanDefaultsCycle(t *testing.T) {
	plan := SeedPlan{ID: "x", Name: "X"}.Plan()
	assert.Equal(t, metering.CycleMonthly, plan.Cycle)
}

func TestApplyPricing(t *testing.T) {
	seeds, err := ParseSeedFile([]byte(seedYAML))
	require.NoError(t, err)

	table := metering.NewPricingTable()
	err = seeds.ApplyPricing(context.Background(), func(_ context.Context, provider metering.Provider, model string, pricing metering.ModelPricing) error {
		table.SetModelPricing(provider, model, pricing)
		return nil
	})
	require.NoError(t, err)

	pricing, ok := table.CurrentPricing(metering.ProviderGemini, "gemini-2.0-flash", time.Now().UTC())
	require.True(t, ok)
	assert.Equal(t, 0.0002, pricing.InputPer1K)

	pricing, ok = table.CurrentPricing(metering.ProviderTavily, "search", time.Now().UTC())
	require.True(t, ok)
	assert.Equal(t, 0.01, pricing.PerRequest)
}
