// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(limits map[ResourceKind]float64) (*Evaluator, *MockRepository, *UserSubscription) {
	repo := NewMockRepository()
	evaluator := NewEvaluator(repo, nil, nil)

	ctx := context.Background()
	plan := &SubscriptionPlan{ID: "pro", Name: "Pro", Cycle: CycleMonthly, Limits: limits}
	_ = repo.CreatePlan(ctx, plan)

	now := time.Now().UTC()
	start := PeriodStartFor(CycleMonthly, now)
	sub := &UserSubscription{
		ID:          "sub-1",
		UserID:      "user-1",
		PlanID:      "pro",
		PeriodStart: start,
		PeriodEnd:   PeriodEndFor(CycleMonthly, start),
		Status:      StatusActive,
	}
	_ = repo.CreateSubscription(ctx, sub)

	return evaluator, repo, sub
}

func setUsed(repo *MockRepository, sub *UserSubscription, kind ResourceKind, quantity float64) {
	_ = repo.ApplySummaryDelta(context.Background(), sub.UserID, sub.PeriodStart, SummaryDelta{
		Kind: kind, Quantity: quantity, Events: 1,
	})
}

func TestEvaluateNoSubscription(t *testing.T) {
	evaluator, _, _ := newTestEvaluator(nil)

	decision, err := evaluator.Evaluate(context.Background(), "stranger", KindGeminiCalls, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Equal(t, ReasonNoSubscription, decision.Reason)
}

func TestEvaluateUnlimitedKind(t *testing.T) {
	evaluator, _, _ := newTestEvaluator(map[ResourceKind]float64{KindGeminiCalls: 10})

	// OpenAI calls are not limited by this plan
	decision, err := evaluator.Evaluate(context.Background(), "user-1", KindOpenAICalls, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.True(t, decision.Unlimited)
}

func TestEvaluateInclusiveBoundary(t *testing.T) {
	evaluator, repo, sub := newTestEvaluator(map[ResourceKind]float64{KindGeminiTokens: 1000})
	setUsed(repo, sub, KindGeminiTokens, 900)

	// Landing exactly on the limit is allowed
	decision, err := evaluator.Evaluate(context.Background(), "user-1", KindGeminiTokens, 100)
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
	assert.Equal(t, 1000.0, decision.Projected)

	// Crossing it is not
	decision, err = evaluator.Evaluate(context.Background(), "user-1", KindGeminiTokens, 101)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Equal(t, ReasonLimitExceeded, decision.Reason)
	assert.Equal(t, 90.0, decision.PercentUsed, "percent reflects usage before the call")
}

func TestEvaluateWarnNearLimit(t *testing.T) {
	evaluator, repo, sub := newTestEvaluator(map[ResourceKind]float64{KindGeminiCalls: 10})
	setUsed(repo, sub, KindGeminiCalls, 8)

	decision, err := evaluator.Evaluate(context.Background(), "user-1", KindGeminiCalls, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictWarn, decision.Verdict)
	assert.Equal(t, ReasonApproachingLimit, decision.Reason)

	// Below the warning band
	evaluator2, repo2, sub2 := newTestEvaluator(map[ResourceKind]float64{KindGeminiCalls: 10})
	setUsed(repo2, sub2, KindGeminiCalls, 3)
	decision, err = evaluator2.Evaluate(context.Background(), "user-1", KindGeminiCalls, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, decision.Verdict)
}

func TestEvaluateExactlyEightyPercentAllows(t *testing.T) {
	evaluator, repo, sub := newTestEvaluator(map[ResourceKind]float64{KindGeminiCalls: 10})
	setUsed(repo, sub, KindGeminiCalls, 7)

	// Projected usage landing exactly on 80% of the limit is still an
	// allow; the warning band starts strictly above it.
	decision, err := evaluator.Evaluate(context.Background(), "user-1", KindGeminiCalls, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.Equal(t, ReasonOK, decision.Reason)
}

func TestEvaluateZeroUsage(t *testing.T) {
	evaluator, _, _ := newTestEvaluator(map[ResourceKind]float64{KindGeminiCalls: 10})

	// No summary row yet means zero usage, not an error
	decision, err := evaluator.Evaluate(context.Background(), "user-1", KindGeminiCalls, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.Zero(t, decision.Used)
}

func TestEvaluateCallWorstVerdictWins(t *testing.T) {
	evaluator, repo, sub := newTestEvaluator(map[ResourceKind]float64{
		KindGeminiCalls:  100,
		KindGeminiTokens: 1000,
	})
	setUsed(repo, sub, KindGeminiCalls, 5)
	setUsed(repo, sub, KindGeminiTokens, 950)

	// Calls are fine but tokens would cross their limit
	decision, err := evaluator.EvaluateCall(context.Background(), "user-1", ProviderGemini, 200, 0)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Equal(t, KindGeminiTokens, decision.Kind)
}

func TestEvaluateCallCostCap(t *testing.T) {
	evaluator, repo, sub := newTestEvaluator(map[ResourceKind]float64{
		KindMonthlyCost: 10,
	})
	setUsed(repo, sub, KindMonthlyCost, 9.99)

	decision, err := evaluator.EvaluateCall(context.Background(), "user-1", ProviderGemini, 100, 0.05)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Equal(t, KindMonthlyCost, decision.Kind)
}

func TestEvaluateCallAllUnlimited(t *testing.T) {
	evaluator, _, _ := newTestEvaluator(nil)

	decision, err := evaluator.EvaluateCall(context.Background(), "user-1", ProviderGemini, 100, 0.01)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.True(t, decision.Unlimited)
}
