// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"errors"
	"time"

	"meterflow/platform/shared/logger"
)

// Evaluator answers the pre-call question: given current usage, may this
// call proceed? It reads summaries through the Redis cache when one is
// configured and falls through to the repository on a miss.
type Evaluator struct {
	repo   Repository
	cache  *SummaryCache
	logger *logger.Logger
}

// NewEvaluator creates a limit evaluator
func NewEvaluator(repo Repository, cache *SummaryCache, l *logger.Logger) *Evaluator {
	if l == nil {
		l = logger.New("metering")
	}
	return &Evaluator{repo: repo, cache: cache, logger: l}
}

// usedQuantity returns the accumulated quantity for a kind in the period.
// A missing summary row means zero usage.
func (e *Evaluator) usedQuantity(ctx context.Context, userID string, periodStart time.Time, kind ResourceKind) (float64, error) {
	if cached, ok := e.cache.Get(ctx, userID, periodStart, kind); ok {
		if cached == nil {
			return 0, nil
		}
		return cached.Quantity, nil
	}

	summary, err := e.repo.GetSummary(ctx, userID, periodStart, kind)
	if err != nil {
		return 0, err
	}
	e.cache.Set(ctx, userID, periodStart, kind, summary)
	if summary == nil {
		return 0, nil
	}
	return summary.Quantity, nil
}

// Evaluate decides whether adding delta units of kind may proceed under
// the user's plan. A call that lands exactly on the limit is allowed; only
// crossing it is denied. No active subscription denies everything, and a
// kind the plan does not limit allows everything.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, kind ResourceKind, delta float64) (*Decision, error) {
	sub, err := e.repo.GetActiveSubscription(ctx, userID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrNoActiveSubscription) {
			return &Decision{Verdict: VerdictDeny, Reason: ReasonNoSubscription, Kind: kind}, nil
		}
		return nil, err
	}

	plan, err := e.repo.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	return e.evaluateAgainst(ctx, userID, sub, plan, kind, delta)
}

func (e *Evaluator) evaluateAgainst(ctx context.Context, userID string, sub *UserSubscription, plan *SubscriptionPlan, kind ResourceKind, delta float64) (*Decision, error) {
	limit, ok := plan.LimitFor(kind)
	if !ok || limit <= 0 {
		return &Decision{Verdict: VerdictAllow, Reason: ReasonOK, Kind: kind, Unlimited: true}, nil
	}

	used, err := e.usedQuantity(ctx, userID, sub.PeriodStart, kind)
	if err != nil {
		return nil, err
	}

	projected := used + delta
	decision := &Decision{
		Kind:        kind,
		Limit:       limit,
		Used:        used,
		Projected:   projected,
		PercentUsed: used / limit * 100,
	}

	switch {
	case projected > limit:
		decision.Verdict = VerdictDeny
		decision.Reason = ReasonLimitExceeded
	case projected/limit*100 > float64(AlertThresholds[0]):
		decision.Verdict = VerdictWarn
		decision.Reason = ReasonApproachingLimit
	default:
		decision.Verdict = VerdictAllow
		decision.Reason = ReasonOK
	}
	return decision, nil
}

// EvaluateCall evaluates one prospective provider call against every kind
// it would consume: the provider's call count, its token count when it
// bills by token, and the running monthly cost. The worst verdict wins.
func (e *Evaluator) EvaluateCall(ctx context.Context, userID string, provider Provider, estTokens int, estCostUSD float64) (*Decision, error) {
	sub, err := e.repo.GetActiveSubscription(ctx, userID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrNoActiveSubscription) {
			return &Decision{Verdict: VerdictDeny, Reason: ReasonNoSubscription}, nil
		}
		return nil, err
	}

	plan, err := e.repo.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	type check struct {
		kind  ResourceKind
		delta float64
	}
	var checks []check
	if kind, ok := provider.CallsKind(); ok {
		checks = append(checks, check{kind, 1})
	}
	if kind, ok := provider.TokensKind(); ok {
		checks = append(checks, check{kind, float64(estTokens)})
	}
	checks = append(checks, check{KindMonthlyCost, estCostUSD})

	worst := &Decision{Verdict: VerdictAllow, Reason: ReasonOK, Unlimited: true}
	for _, c := range checks {
		decision, err := e.evaluateAgainst(ctx, userID, sub, plan, c.kind, c.delta)
		if err != nil {
			return nil, err
		}
		if verdictRank(decision.Verdict) > verdictRank(worst.Verdict) ||
			(worst.Unlimited && !decision.Unlimited) {
			worst = decision
		}
	}
	return worst, nil
}

func verdictRank(v Verdict) int {
	switch v {
	case VerdictDeny:
		return 2
	case VerdictWarn:
		return 1
	default:
		return 0
	}
}
