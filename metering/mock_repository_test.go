// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockRepository is an in-memory Repository for tests
type MockRepository struct {
	mu        sync.Mutex
	plans     map[string]*SubscriptionPlan
	subs      map[string]*UserSubscription
	events    []*UsageEvent
	summaries map[string]*UsageSummary
	alerts    []*UsageAlert
	alertKeys map[string]bool
	pricing   []PricingRow
	nextID    int64

	failApplyDelta  bool
	failInsertEvent bool
	pingErr         error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		plans:     make(map[string]*SubscriptionPlan),
		subs:      make(map[string]*UserSubscription),
		summaries: make(map[string]*UsageSummary),
		alertKeys: make(map[string]bool),
	}
}

func summaryMapKey(userID string, periodStart time.Time, kind ResourceKind) string {
	return fmt.Sprintf("%s|%d|%s", userID, periodStart.Unix(), kind)
}

func (m *MockRepository) CreatePlan(ctx context.Context, plan *SubscriptionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[plan.ID]; ok {
		return ErrPlanExists
	}
	m.plans[plan.ID] = plan
	return nil
}

func (m *MockRepository) GetPlan(ctx context.Context, id string) (*SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

func (m *MockRepository) ListPlans(ctx context.Context) ([]SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var plans []SubscriptionPlan
	for _, p := range m.plans {
		plans = append(plans, *p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (m *MockRepository) CreateSubscription(ctx context.Context, sub *UserSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MockRepository) GetActiveSubscription(ctx context.Context, userID string, at time.Time) (*UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.UserID == userID && sub.ActiveAt(at) {
			return sub, nil
		}
	}
	return nil, ErrNoActiveSubscription
}

func (m *MockRepository) UpdateSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Status = status
	return nil
}

func (m *MockRepository) CancelActiveSubscriptions(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.UserID == userID && sub.Status == StatusActive {
			sub.Status = StatusCancelled
		}
	}
	return nil
}

func (m *MockRepository) InsertEvent(ctx context.Context, event *UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsertEvent {
		return errors.New("insert failed")
	}
	m.nextID++
	event.ID = m.nextID
	m.events = append(m.events, event)
	return nil
}

func (m *MockRepository) ListEvents(ctx context.Context, opts UsageQueryOptions) ([]UsageEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []UsageEvent
	for _, e := range m.events {
		if opts.UserID != "" && e.UserID != opts.UserID {
			continue
		}
		if opts.Provider != "" && e.Provider != opts.Provider {
			continue
		}
		if opts.Outcome != "" && e.Outcome != opts.Outcome {
			continue
		}
		events = append(events, *e)
	}
	return events, len(events), nil
}

func (m *MockRepository) SumEvents(ctx context.Context, userID string, periodStart, periodEnd time.Time) ([]UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type totals struct {
		requests, tokens, events int
		cost                     float64
	}
	byProvider := make(map[Provider]*totals)
	for _, e := range m.events {
		if e.UserID != userID || e.Timestamp.Before(periodStart) || !e.Timestamp.Before(periodEnd) {
			continue
		}
		t := byProvider[e.Provider]
		if t == nil {
			t = &totals{}
			byProvider[e.Provider] = t
		}
		t.requests += e.Requests
		t.tokens += e.TotalTokens()
		t.cost += e.CostUSD
		t.events++
	}

	acc := make(map[ResourceKind]*UsageSummary)
	for provider, t := range byProvider {
		for _, delta := range deltasForTotals(provider, t.requests, t.tokens, t.cost, t.events) {
			s, ok := acc[delta.Kind]
			if !ok {
				s = &UsageSummary{UserID: userID, PeriodStart: periodStart, Kind: delta.Kind}
				acc[delta.Kind] = s
			}
			s.Quantity += delta.Quantity
			s.CostUSD += delta.CostUSD
			s.EventCount += delta.Events
		}
	}

	var summaries []UsageSummary
	for _, s := range acc {
		summaries = append(summaries, *s)
	}
	return summaries, nil
}

func (m *MockRepository) GetUsageBreakdown(ctx context.Context, groupBy string, opts UsageQueryOptions) (*UsageBreakdown, error) {
	if groupBy != "provider" && groupBy != "model" {
		return nil, ErrInvalidGroupBy
	}
	return &UsageBreakdown{GroupBy: groupBy}, nil
}

func (m *MockRepository) ApplySummaryDelta(ctx context.Context, userID string, periodStart time.Time, delta SummaryDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failApplyDelta {
		return errors.New("delta failed")
	}
	key := summaryMapKey(userID, periodStart, delta.Kind)
	s, ok := m.summaries[key]
	if !ok {
		s = &UsageSummary{UserID: userID, PeriodStart: periodStart, Kind: delta.Kind}
		m.summaries[key] = s
	}
	s.Quantity += delta.Quantity
	s.CostUSD += delta.CostUSD
	s.EventCount += delta.Events
	return nil
}

func (m *MockRepository) GetSummary(ctx context.Context, userID string, periodStart time.Time, kind ResourceKind) (*UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[summaryMapKey(userID, periodStart, kind)]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (m *MockRepository) ListSummaries(ctx context.Context, userID string, periodStart time.Time) ([]UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var summaries []UsageSummary
	for _, s := range m.summaries {
		if s.UserID == userID && s.PeriodStart.Equal(periodStart) {
			summaries = append(summaries, *s)
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Kind < summaries[j].Kind })
	return summaries, nil
}

func (m *MockRepository) ReplaceSummaries(ctx context.Context, userID string, periodStart time.Time, summaries []UsageSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.summaries {
		if s.UserID == userID && s.PeriodStart.Equal(periodStart) {
			delete(m.summaries, key)
		}
	}
	for _, s := range summaries {
		copied := s
		m.summaries[summaryMapKey(userID, periodStart, s.Kind)] = &copied
	}
	return nil
}

func (m *MockRepository) InsertAlertOnce(ctx context.Context, alert *UsageAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s|%d|%s|%d", alert.UserID, alert.PeriodStart.Unix(), alert.Kind, alert.Threshold)
	if m.alertKeys[key] {
		return false, nil
	}
	m.alertKeys[key] = true
	m.nextID++
	alert.ID = m.nextID
	alert.CreatedAt = time.Now().UTC()
	m.alerts = append(m.alerts, alert)
	return true, nil
}

func (m *MockRepository) ListAlerts(ctx context.Context, userID string, unreadOnly bool, limit int) ([]UsageAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var alerts []UsageAlert
	for _, a := range m.alerts {
		if a.UserID != userID {
			continue
		}
		if unreadOnly && a.Read {
			continue
		}
		alerts = append(alerts, *a)
	}
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (m *MockRepository) MarkAlertRead(ctx context.Context, alertID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == alertID {
			a.Read = true
			return nil
		}
	}
	return ErrAlertNotFound
}

func (m *MockRepository) UpsertPricing(ctx context.Context, provider Provider, model string, pricing ModelPricing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.pricing {
		if row.Provider == provider && row.Model == model && row.Pricing.EffectiveAt.Equal(pricing.EffectiveAt) {
			m.pricing[i].Pricing = pricing
			return nil
		}
	}
	m.pricing = append(m.pricing, PricingRow{Provider: provider, Model: model, Pricing: pricing})
	return nil
}

func (m *MockRepository) ListPricing(ctx context.Context) ([]PricingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]PricingRow, len(m.pricing))
	copy(rows, m.pricing)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Provider != rows[j].Provider {
			return rows[i].Provider < rows[j].Provider
		}
		if rows[i].Model != rows[j].Model {
			return rows[i].Model < rows[j].Model
		}
		return rows[i].Pricing.EffectiveAt.Before(rows[j].Pricing.EffectiveAt)
	})
	return rows, nil
}

func (m *MockRepository) Ping(ctx context.Context) error {
	return m.pingErr
}
