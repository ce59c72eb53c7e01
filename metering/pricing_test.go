// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCurrentPricingKnownModel(t *testing.T) {
	table := NewPricingTable()
	now := time.Now().UTC()

	pricing, ok := table.CurrentPricing(ProviderOpenAI, "gpt-4o", now)
	assert.True(t, ok)
	assert.Equal(t, 0.0025, pricing.InputPer1K)
	assert.Equal(t, 0.01, pricing.OutputPer1K)
}

func TestCurrentPricingWildcardFallback(t *testing.T) {
	table := NewPricingTable()
	now := time.Now().UTC()

	// Unknown model falls back to the provider wildcard row
	pricing, ok := table.CurrentPricing(ProviderOpenAI, "gpt-99-experimental", now)
	assert.True(t, ok)
	assert.Equal(t, 0.01, pricing.InputPer1K)

	// Unknown provider has no wildcard either
	_, ok = table.CurrentPricing(ProviderUnknown, "anything", now)
	assert.False(t, ok)
}

func TestSetModelPricingEffectiveDated(t *testing.T) {
	table := NewPricingTable()
	model := "gemini-2.0-flash"

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cut := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	table.SetModelPricing(ProviderGemini, model, ModelPricing{
		InputPer1K: 0.0002, OutputPer1K: 0.0008, EffectiveAt: cut,
	})

	before, ok := table.CurrentPricing(ProviderGemini, model, old.Add(24*time.Hour))
	assert.True(t, ok)
	assert.Equal(t, 0.0001, before.InputPer1K, "old rate applies before the cutover")

	after, ok := table.CurrentPricing(ProviderGemini, model, cut.Add(time.Hour))
	assert.True(t, ok)
	assert.Equal(t, 0.0002, after.InputPer1K, "new rate applies from the cutover")

	// The cutover instant itself uses the new rate
	at, ok := table.CurrentPricing(ProviderGemini, model, cut)
	assert.True(t, ok)
	assert.Equal(t, 0.0002, at.InputPer1K)
}

func TestSetModelPricingIdempotent(t *testing.T) {
	table := NewPricingTable()
	cut := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	row := ModelPricing{InputPer1K: 0.002, OutputPer1K: 0.004, EffectiveAt: cut}

	table.SetModelPricing(ProviderMistral, "mistral-large-latest", row)
	table.SetModelPricing(ProviderMistral, "mistral-large-latest", row)

	got, ok := table.CurrentPricing(ProviderMistral, "mistral-large-latest", cut.Add(time.Hour))
	assert.True(t, ok)
	assert.Equal(t, row.InputPer1K, got.InputPer1K)
	assert.Equal(t, row.OutputPer1K, got.OutputPer1K)
}

func TestCostForTokenBilled(t *testing.T) {
	table := NewPricingTable()
	now := time.Now().UTC()

	cost := table.CostFor(ProviderOpenAI, "gpt-4o", UnitTokens, 2000, 1000, 1, now)
	assert.False(t, cost.Unpriced)
	// 2000/1000*0.0025 + 1000/1000*0.01
	assert.InDelta(t, 0.015, cost.AmountUSD, 1e-9)
}

func TestCostForRequestBilled(t *testing.T) {
	table := NewPricingTable()
	now := time.Now().UTC()

	cost := table.CostFor(ProviderTavily, "search", UnitRequests, 0, 0, 3, now)
	assert.False(t, cost.Unpriced)
	assert.InDelta(t, 0.024, cost.AmountUSD, 1e-9)
}

func TestCostForUnpricedFallback(t *testing.T) {
	table := NewPricingTable()
	now := time.Now().UTC()

	cost := table.CostFor(ProviderUnknown, "mystery", UnitTokens, 1000, 1000, 1, now)
	assert.True(t, cost.Unpriced)
	assert.InDelta(t, 0.04, cost.AmountUSD, 1e-9, "fallback rate, never zero or an error")
}

func TestListProvidersAndModels(t *testing.T) {
	table := NewPricingTable()

	providers := table.ListProviders()
	assert.Contains(t, providers, ProviderGemini)
	assert.Contains(t, providers, ProviderSerper)

	models := table.ListModels(ProviderGemini)
	assert.Contains(t, models, "gemini-1.5-pro")
	assert.NotContains(t, models, "*")
}

func TestSnapshotPicksCurrentRows(t *testing.T) {
	table := NewPricingTable()
	cut := time.Now().UTC().Add(time.Hour)
	table.SetModelPricing(ProviderGemini, "gemini-1.5-pro", ModelPricing{
		InputPer1K: 99, EffectiveAt: cut,
	})

	snap := table.Snapshot(time.Now().UTC())
	assert.Equal(t, 0.00125, snap[ProviderGemini]["gemini-1.5-pro"].InputPer1K,
		"future-dated row is not current yet")

	snap = table.Snapshot(cut.Add(time.Minute))
	assert.Equal(t, 99.0, snap[ProviderGemini]["gemini-1.5-pro"].InputPer1K)
}
