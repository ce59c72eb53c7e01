// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"meterflow/platform/shared/logger"
)

// Alerter delivers threshold-crossing alerts to a collaborator. Delivery
// (email, push) lives outside the metering core; the default just logs.
type Alerter interface {
	Alert(ctx context.Context, alert UsageAlert) error
}

// LogAlerter logs alerts through the structured logger
type LogAlerter struct {
	logger *logger.Logger
}

// NewLogAlerter creates a log-based alerter
func NewLogAlerter(l *logger.Logger) *LogAlerter {
	if l == nil {
		l = logger.New("metering")
	}
	return &LogAlerter{logger: l}
}

// Alert logs the alert event
func (a *LogAlerter) Alert(ctx context.Context, alert UsageAlert) error {
	a.logger.Warn(alert.UserID, "", "usage alert", map[string]interface{}{
		"resource_kind": string(alert.Kind),
		"threshold":     alert.Threshold,
		"severity":      string(alert.Severity),
		"percent":       alert.PercentReached,
		"message":       alert.Message,
	})
	return nil
}

// rebuildKey identifies a (user, period) pair queued for reconciliation
type rebuildKey struct {
	userID      string
	periodStart time.Time
	periodEnd   time.Time
}

// rebuildRetention is how long past period end a queued rebuild keeps
// being retried before it is abandoned.
const rebuildRetention = 24 * time.Hour

// Service provides usage recording, aggregation, limit evaluation, and
// alerting over a Repository.
type Service struct {
	repo      Repository
	pricing   *PricingTable
	cache     *SummaryCache
	alerter   Alerter
	logger    *logger.Logger
	evaluator *Evaluator

	mu sync.Mutex
	// In-process fast path for threshold dedup; the usage_alerts unique
	// index is the durable source of truth. Entries are evicted once
	// their billing period ends.
	firedThresholds map[string]*thresholdState
	pendingRebuilds map[rebuildKey]struct{}
}

// thresholdState tracks which thresholds fired for one
// (user, period, kind), with the period end for eviction.
type thresholdState struct {
	periodEnd time.Time
	fired     map[int]bool
}

// NewService creates a metering service
func NewService(repo Repository, pricing *PricingTable) *Service {
	return NewServiceWithOptions(repo, pricing, nil, nil, nil)
}

// NewServiceWithOptions creates a service with custom collaborators
func NewServiceWithOptions(repo Repository, pricing *PricingTable, cache *SummaryCache, alerter Alerter, l *logger.Logger) *Service {
	if pricing == nil {
		pricing = NewPricingTable()
	}
	if l == nil {
		l = logger.New("metering")
	}
	if alerter == nil {
		alerter = NewLogAlerter(l)
	}
	s := &Service{
		repo:            repo,
		pricing:         pricing,
		cache:           cache,
		alerter:         alerter,
		logger:          l,
		firedThresholds: make(map[string]*thresholdState),
		pendingRebuilds: make(map[rebuildKey]struct{}),
	}
	s.evaluator = NewEvaluator(repo, cache, l)
	return s
}

// Pricing returns the pricing table
func (s *Service) Pricing() *PricingTable {
	return s.pricing
}

// Evaluator returns the limit evaluator
func (s *Service) Evaluator() *Evaluator {
	return s.evaluator
}

// SetPricing persists a pricing version and applies it to the in-memory
// table. Already-recorded events keep their original cost.
func (s *Service) SetPricing(ctx context.Context, provider Provider, model string, pricing ModelPricing) error {
	if pricing.EffectiveAt.IsZero() {
		pricing.EffectiveAt = time.Now().UTC()
	}
	if err := s.repo.UpsertPricing(ctx, provider, model, pricing); err != nil {
		return fmt.Errorf("persisting pricing for %s/%s: %w", provider, model, err)
	}
	s.pricing.SetModelPricing(provider, model, pricing)
	s.logger.Info("", "", "pricing updated", map[string]interface{}{
		"provider":     string(provider),
		"model":        model,
		"effective_at": pricing.EffectiveAt.Format(time.RFC3339),
	})
	return nil
}

// LoadPricing hydrates the in-memory pricing table from persisted rows,
// layering them over the built-in defaults. Called once at startup.
func (s *Service) LoadPricing(ctx context.Context) error {
	rows, err := s.repo.ListPricing(ctx)
	if err != nil {
		return fmt.Errorf("loading pricing: %w", err)
	}
	for _, row := range rows {
		s.pricing.SetModelPricing(row.Provider, row.Model, row.Pricing)
	}
	return nil
}

// deltasForTotals maps provider-level usage totals onto summary increments:
// one for the provider's calls kind, one for its tokens kind when it bills
// by token, and one for the running cost kind.
func deltasForTotals(provider Provider, requests, tokens int, cost float64, events int) []SummaryDelta {
	var deltas []SummaryDelta

	if kind, ok := provider.CallsKind(); ok {
		deltas = append(deltas, SummaryDelta{
			Kind: kind, Quantity: float64(requests), CostUSD: cost, Events: events,
		})
	}
	if kind, ok := provider.TokensKind(); ok {
		deltas = append(deltas, SummaryDelta{
			Kind: kind, Quantity: float64(tokens), CostUSD: cost, Events: events,
		})
	}
	deltas = append(deltas, SummaryDelta{
		Kind: KindMonthlyCost, Quantity: cost, CostUSD: cost, Events: events,
	})

	return deltas
}

func deltasForEvent(event *UsageEvent) []SummaryDelta {
	return deltasForTotals(event.Provider, event.Requests, event.TotalTokens(), event.CostUSD, 1)
}

// RecordUsage records one metered call: computes cost when the caller did
// not override it, appends the immutable event row, then applies the
// summary increments and runs the threshold check. The event insert is the
// transaction that matters; a failed aggregate update is queued for
// rebuild instead of failing the call, so the audit trail is never lost.
func (s *Service) RecordUsage(ctx context.Context, event *UsageEvent) (*UsageEvent, error) {
	if event == nil || event.UserID == "" {
		return nil, ErrInvalidInput
	}

	start := time.Now()

	if event.RequestID == "" {
		event.RequestID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.UnitType == "" {
		event.UnitType = event.Provider.BillingUnit()
	}
	if event.Requests <= 0 {
		event.Requests = 1
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}

	if event.CostUSD == 0 && event.Outcome == OutcomeSuccess {
		cost := s.pricing.CostFor(event.Provider, event.Model, event.UnitType,
			event.TokensIn, event.TokensOut, event.Requests, event.Timestamp)
		event.CostUSD = cost.AmountUSD
		event.Unpriced = cost.Unpriced
		if cost.Unpriced {
			promUnpricedEvents.Inc()
			s.logger.Warn(event.UserID, event.RequestID, "no pricing row, using fallback rate", map[string]interface{}{
				"provider": string(event.Provider),
				"model":    event.Model,
			})
		}
	}

	if err := s.repo.InsertEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record usage event: %w", err)
	}
	promEventsRecorded.WithLabelValues(string(event.Provider), string(event.Outcome)).Inc()

	sub, err := s.repo.GetActiveSubscription(ctx, event.UserID, event.Timestamp)
	if err != nil {
		// Events for unsubscribed users still land in the audit trail;
		// there is no period to aggregate into.
		s.logger.Warn(event.UserID, event.RequestID, "recorded event without subscription", map[string]interface{}{
			"provider": string(event.Provider),
		})
		promRecordDuration.Observe(float64(time.Since(start).Milliseconds()))
		return event, nil
	}

	deltas := deltasForEvent(event)
	kinds := make([]ResourceKind, 0, len(deltas))
	aggregateFailed := false
	for _, delta := range deltas {
		kinds = append(kinds, delta.Kind)
		if err := s.repo.ApplySummaryDelta(ctx, event.UserID, sub.PeriodStart, delta); err != nil {
			aggregateFailed = true
			s.logger.ErrorWithErr(event.UserID, event.RequestID, "summary increment failed, queued for rebuild", err, map[string]interface{}{
				"resource_kind": string(delta.Kind),
			})
		}
	}
	s.cache.Invalidate(ctx, event.UserID, sub.PeriodStart, kinds)

	if aggregateFailed {
		s.queueRebuild(event.UserID, sub.PeriodStart, sub.PeriodEnd)
	} else {
		s.checkThresholds(ctx, event.UserID, sub, kinds)
	}

	promRecordDuration.Observe(float64(time.Since(start).Milliseconds()))
	s.logger.InfoWithDuration(event.UserID, event.RequestID, "usage recorded",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"provider": string(event.Provider),
			"model":    event.Model,
			"tokens":   event.TotalTokens(),
			"cost_usd": event.CostUSD,
			"outcome":  string(event.Outcome),
		})

	return event, nil
}

// checkThresholds fires alerts for kinds whose summary crossed 80/90/100%
// of the plan limit. Each threshold fires at most once per billing period.
func (s *Service) checkThresholds(ctx context.Context, userID string, sub *UserSubscription, kinds []ResourceKind) {
	plan, err := s.repo.GetPlan(ctx, sub.PlanID)
	if err != nil {
		s.logger.ErrorWithErr(userID, "", "threshold check skipped, plan lookup failed", err, nil)
		return
	}

	for _, kind := range kinds {
		limit, ok := plan.LimitFor(kind)
		if !ok || limit <= 0 {
			continue
		}

		summary, err := s.repo.GetSummary(ctx, userID, sub.PeriodStart, kind)
		if err != nil || summary == nil {
			continue
		}

		percent := summary.Quantity / limit * 100
		for _, threshold := range AlertThresholds {
			if percent >= float64(threshold) && !s.hasFired(userID, sub.PeriodStart, kind, threshold) {
				s.fireAlert(ctx, userID, sub, kind, threshold, percent, limit, summary.Quantity)
			}
		}
	}
}

func thresholdStateKey(userID string, periodStart time.Time, kind ResourceKind) string {
	return fmt.Sprintf("%s:%d:%s", userID, periodStart.Unix(), kind)
}

func (s *Service) hasFired(userID string, periodStart time.Time, kind ResourceKind, threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.firedThresholds[thresholdStateKey(userID, periodStart, kind)]; ok {
		return state.fired[threshold]
	}
	return false
}

func (s *Service) markFired(userID string, periodStart, periodEnd time.Time, kind ResourceKind, threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := thresholdStateKey(userID, periodStart, kind)
	if s.firedThresholds[key] == nil {
		s.firedThresholds[key] = &thresholdState{periodEnd: periodEnd, fired: make(map[int]bool)}
	}
	s.firedThresholds[key].fired[threshold] = true
}

// pruneExpiredState drops fired-threshold entries and queued rebuilds
// whose billing period is over; without this a long-lived process keeps
// one entry per (user, period, kind) forever. Rebuilds get a grace
// window past period end before they stop being retried.
func (s *Service) pruneExpiredState(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, state := range s.firedThresholds {
		if state.periodEnd.Before(now) {
			delete(s.firedThresholds, key)
		}
	}
	for key := range s.pendingRebuilds {
		if key.periodEnd.Add(rebuildRetention).Before(now) {
			s.logger.Warn(key.userID, "", "abandoning summary rebuild for closed period", map[string]interface{}{
				"period_start": key.periodStart.Format(time.RFC3339),
				"period_end":   key.periodEnd.Format(time.RFC3339),
			})
			delete(s.pendingRebuilds, key)
		}
	}
}

func (s *Service) fireAlert(ctx context.Context, userID string, sub *UserSubscription, kind ResourceKind, threshold int, percent, limit, used float64) {
	alert := &UsageAlert{
		UserID:         userID,
		PeriodStart:    sub.PeriodStart,
		Kind:           kind,
		Threshold:      threshold,
		Severity:       SeverityForThreshold(threshold),
		PercentReached: percent,
		Message: fmt.Sprintf("%s at %.1f%% of limit (%.6g / %.6g)",
			kind, percent, used, limit),
	}

	inserted, err := s.repo.InsertAlertOnce(ctx, alert)
	if err != nil {
		s.logger.ErrorWithErr(userID, "", "failed to save alert", err, nil)
		return
	}
	s.markFired(userID, sub.PeriodStart, sub.PeriodEnd, kind, threshold)
	if !inserted {
		// Another instance fired this crossing first
		return
	}

	promAlertsFired.WithLabelValues(string(alert.Severity)).Inc()
	if err := s.alerter.Alert(ctx, *alert); err != nil {
		s.logger.ErrorWithErr(userID, "", "failed to deliver alert", err, nil)
	}
}

// queueRebuild marks a (user, period) pair whose summaries drifted
func (s *Service) queueRebuild(userID string, periodStart, periodEnd time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRebuilds[rebuildKey{userID, periodStart, periodEnd}] = struct{}{}
}

// RebuildSummaries resums all usage events for a user and period into
// exact summary rows, repairing any drift from partial failures.
func (s *Service) RebuildSummaries(ctx context.Context, userID string, periodStart, periodEnd time.Time) error {
	summaries, err := s.repo.SumEvents(ctx, userID, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to resum events: %w", err)
	}

	if err := s.repo.ReplaceSummaries(ctx, userID, periodStart, summaries); err != nil {
		return fmt.Errorf("failed to replace summaries: %w", err)
	}

	kinds := make([]ResourceKind, 0, len(summaries))
	for _, sm := range summaries {
		kinds = append(kinds, sm.Kind)
	}
	s.cache.Invalidate(ctx, userID, periodStart, kinds)

	return nil
}

// FlushPendingRebuilds reconciles every queued (user, period) pair. Pairs
// that fail stay queued for the next pass. Expired in-memory state is
// evicted on the same cadence.
func (s *Service) FlushPendingRebuilds(ctx context.Context) {
	s.pruneExpiredState(time.Now().UTC())

	s.mu.Lock()
	pending := make([]rebuildKey, 0, len(s.pendingRebuilds))
	for key := range s.pendingRebuilds {
		pending = append(pending, key)
	}
	s.pendingRebuilds = make(map[rebuildKey]struct{})
	s.mu.Unlock()

	for _, key := range pending {
		if err := s.RebuildSummaries(ctx, key.userID, key.periodStart, key.periodEnd); err != nil {
			s.logger.ErrorWithErr(key.userID, "", "summary rebuild failed, requeued", err, nil)
			s.queueRebuild(key.userID, key.periodStart, key.periodEnd)
		}
	}
}

// StartReconciler runs FlushPendingRebuilds on an interval until ctx is
// cancelled.
func (s *Service) StartReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.FlushPendingRebuilds(ctx)
			}
		}
	}()
}

// CheckAndReserve evaluates whether a prospective call for estTokens may
// proceed. This is the pre-call half of the enforcement path.
func (s *Service) CheckAndReserve(ctx context.Context, userID string, provider Provider, model string, estTokens int) (*Decision, error) {
	estCost := s.pricing.EstimateCost(provider, model, provider.BillingUnit(), estTokens/2, estTokens/2, 1)
	decision, err := s.evaluator.EvaluateCall(ctx, userID, provider, estTokens, estCost.AmountUSD)
	if err != nil {
		return nil, err
	}

	promDecisionsTotal.WithLabelValues(string(decision.Verdict)).Inc()
	if decision.Verdict == VerdictDeny {
		promDeniedRequests.Inc()
	}
	return decision, nil
}

// CreatePlan validates and stores a subscription plan
func (s *Service) CreatePlan(ctx context.Context, plan *SubscriptionPlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	return s.repo.CreatePlan(ctx, plan)
}

// GetPlan retrieves a plan by ID
func (s *Service) GetPlan(ctx context.Context, id string) (*SubscriptionPlan, error) {
	return s.repo.GetPlan(ctx, id)
}

// ListPlans lists all plans
func (s *Service) ListPlans(ctx context.Context) ([]SubscriptionPlan, error) {
	return s.repo.ListPlans(ctx)
}

// Subscribe binds a user to a plan for the billing period containing now.
// An existing active subscription is superseded (cancelled), never deleted.
func (s *Service) Subscribe(ctx context.Context, userID, planID string) (*UserSubscription, error) {
	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.repo.CancelActiveSubscriptions(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to supersede subscription: %w", err)
	}

	start := PeriodStartFor(plan.Cycle, now)
	sub := &UserSubscription{
		ID:          uuid.NewString(),
		UserID:      userID,
		PlanID:      plan.ID,
		PeriodStart: start,
		PeriodEnd:   PeriodEndFor(plan.Cycle, start),
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info(userID, "", "subscription created", map[string]interface{}{
		"plan_id":      planID,
		"period_start": sub.PeriodStart,
		"period_end":   sub.PeriodEnd,
	})
	return sub, nil
}

// CancelSubscription cancels a user's active subscription
func (s *Service) CancelSubscription(ctx context.Context, userID string) error {
	sub, err := s.repo.GetActiveSubscription(ctx, userID, time.Now().UTC())
	if err != nil {
		return err
	}
	return s.repo.UpdateSubscriptionStatus(ctx, sub.ID, StatusCancelled)
}

// GetActiveSubscription returns the user's current subscription
func (s *Service) GetActiveSubscription(ctx context.Context, userID string) (*UserSubscription, error) {
	return s.repo.GetActiveSubscription(ctx, userID, time.Now().UTC())
}

// GetUsageSummary returns the summary rows for a user's current billing
// period (dashboard read API).
func (s *Service) GetUsageSummary(ctx context.Context, userID string) ([]UsageSummary, error) {
	sub, err := s.repo.GetActiveSubscription(ctx, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.repo.ListSummaries(ctx, userID, sub.PeriodStart)
}

// ListEvents lists usage events
func (s *Service) ListEvents(ctx context.Context, opts UsageQueryOptions) ([]UsageEvent, int, error) {
	return s.repo.ListEvents(ctx, opts)
}

// GetUsageBreakdown groups usage by provider or model
func (s *Service) GetUsageBreakdown(ctx context.Context, groupBy string, opts UsageQueryOptions) (*UsageBreakdown, error) {
	return s.repo.GetUsageBreakdown(ctx, groupBy, opts)
}

// ListAlerts lists alerts for a user
func (s *Service) ListAlerts(ctx context.Context, userID string, unreadOnly bool, limit int) ([]UsageAlert, error) {
	return s.repo.ListAlerts(ctx, userID, unreadOnly, limit)
}

// MarkAlertRead marks an alert as read
func (s *Service) MarkAlertRead(ctx context.Context, alertID int64) error {
	return s.repo.MarkAlertRead(ctx, alertID)
}

// IsHealthy checks if the backing store is reachable
func (s *Service) IsHealthy(ctx context.Context) bool {
	return s.repo.Ping(ctx) == nil
}
