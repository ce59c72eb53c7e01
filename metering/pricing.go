// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"sort"
	"sync"
	"time"
)

// ModelPricing contains per-1K-token and per-request rates for a model,
// effective from EffectiveAt. A later EffectiveAt supersedes earlier rows
// for calls after that instant; already-recorded events keep the cost
// computed at call time.
type ModelPricing struct {
	InputPer1K  float64   `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64   `json:"output_per_1k" yaml:"output_per_1k"`
	PerRequest  float64   `json:"per_request" yaml:"per_request"`
	EffectiveAt time.Time `json:"effective_at" yaml:"effective_at"`
}

// PricingRow is one persisted pricing version for a (provider, model)
type PricingRow struct {
	Provider Provider
	Model    string
	Pricing  ModelPricing
}

// Cost is the priced amount for a call. Unpriced marks costs computed from
// the conservative fallback rate because no pricing row matched.
type Cost struct {
	AmountUSD float64 `json:"amount_usd"`
	Unpriced  bool    `json:"unpriced"`
}

// fallbackPricing is the conservative rate applied when no pricing row
// exists for a (provider, model). Metering degrades to best-effort rather
// than blocking the request on a pricing gap.
var fallbackPricing = ModelPricing{
	InputPer1K:  0.01,
	OutputPer1K: 0.03,
	PerRequest:  0.005,
}

// PricingTable maps (provider, model) to versioned pricing rows. Safe for
// unsynchronized concurrent reads from the request path.
type PricingTable struct {
	mu        sync.RWMutex
	providers map[Provider]map[string][]ModelPricing
}

// defaultPricing seeds the table with current list prices (USD, per 1K
// tokens or per request) for the providers the platform proxies.
var defaultPricing = map[Provider]map[string]ModelPricing{
	ProviderGemini: {
		"gemini-2.0-flash":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gemini-1.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"gemini-1.5-flash":  {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-1.5-flash-8b": {InputPer1K: 0.0000375, OutputPer1K: 0.00015},
		"gemini-pro":        {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"*":                 {InputPer1K: 0.001, OutputPer1K: 0.004},
	},
	ProviderOpenAI: {
		"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012},
		"*":             {InputPer1K: 0.01, OutputPer1K: 0.03},
	},
	ProviderAnthropic: {
		"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"*":                 {InputPer1K: 0.003, OutputPer1K: 0.015},
	},
	ProviderMistral: {
		"mistral-large-latest": {InputPer1K: 0.002, OutputPer1K: 0.006},
		"mistral-small-latest": {InputPer1K: 0.001, OutputPer1K: 0.003},
		"*":                    {InputPer1K: 0.002, OutputPer1K: 0.006},
	},
	ProviderTavily: {
		"search": {PerRequest: 0.008},
		"*":      {PerRequest: 0.008},
	},
	ProviderSerper: {
		"search": {PerRequest: 0.001},
		"*":      {PerRequest: 0.001},
	},
}

// NewPricingTable creates a pricing table seeded with default prices
func NewPricingTable() *PricingTable {
	t := &PricingTable{
		providers: make(map[Provider]map[string][]ModelPricing),
	}
	for provider, models := range defaultPricing {
		t.providers[provider] = make(map[string][]ModelPricing)
		for model, pricing := range models {
			t.providers[provider][model] = []ModelPricing{pricing}
		}
	}
	return t
}

// SetModelPricing adds a pricing row for (provider, model). Rows are kept
// sorted by EffectiveAt so exactly one row is current at any instant.
func (t *PricingTable) SetModelPricing(provider Provider, model string, pricing ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.providers[provider] == nil {
		t.providers[provider] = make(map[string][]ModelPricing)
	}
	rows := append(t.providers[provider][model], pricing)
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].EffectiveAt.Before(rows[j].EffectiveAt)
	})
	t.providers[provider][model] = rows
}

// CurrentPricing returns the pricing row effective at instant at for
// (provider, model). Falls back to the provider's wildcard row. The second
// return is false when neither exists.
func (t *PricingTable) CurrentPricing(provider Provider, model string, at time.Time) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models, ok := t.providers[provider]
	if !ok {
		return ModelPricing{}, false
	}

	if row, ok := currentRow(models[model], at); ok {
		return row, true
	}
	return currentRow(models["*"], at)
}

// currentRow picks the latest row whose EffectiveAt is not after at
func currentRow(rows []ModelPricing, at time.Time) (ModelPricing, bool) {
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].EffectiveAt.After(at) {
			return rows[i], true
		}
	}
	return ModelPricing{}, false
}

// CostFor computes the cost of a call. Token-billed calls apply distinct
// input and output rates; request-billed calls apply a flat per-request
// rate. A missing pricing row yields the fallback rate with Unpriced set,
// never an error.
func (t *PricingTable) CostFor(provider Provider, model string, unit UnitType, tokensIn, tokensOut, requests int, at time.Time) Cost {
	pricing, ok := t.CurrentPricing(provider, model, at)
	if !ok {
		pricing = fallbackPricing
	}

	var amount float64
	switch unit {
	case UnitRequests:
		amount = float64(requests) * pricing.PerRequest
	default:
		amount = float64(tokensIn)/1000.0*pricing.InputPer1K +
			float64(tokensOut)/1000.0*pricing.OutputPer1K
	}

	return Cost{AmountUSD: amount, Unpriced: !ok}
}

// EstimateCost estimates cost for a call before execution
func (t *PricingTable) EstimateCost(provider Provider, model string, unit UnitType, estTokensIn, estTokensOut, requests int) Cost {
	return t.CostFor(provider, model, unit, estTokensIn, estTokensOut, requests, time.Now().UTC())
}

// ListProviders returns all providers with pricing entries
func (t *PricingTable) ListProviders() []Provider {
	t.mu.RLock()
	defer t.mu.RUnlock()

	providers := make([]Provider, 0, len(t.providers))
	for p := range t.providers {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}

// ListModels returns all models with explicit pricing for a provider
func (t *PricingTable) ListModels(provider Provider) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models := make([]string, 0, len(t.providers[provider]))
	for model := range t.providers[provider] {
		if model != "*" {
			models = append(models, model)
		}
	}
	sort.Strings(models)
	return models
}

// Snapshot returns the currently-effective rate for every (provider, model)
// pair, for the pricing read API.
func (t *PricingTable) Snapshot(at time.Time) map[Provider]map[string]ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[Provider]map[string]ModelPricing, len(t.providers))
	for provider, models := range t.providers {
		out[provider] = make(map[string]ModelPricing, len(models))
		for model, rows := range models {
			if row, ok := currentRow(rows, at); ok {
				out[provider][model] = row
			}
		}
	}
	return out
}
