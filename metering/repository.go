// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"time"
)

// Repository defines the interface for metering data persistence
type Repository interface {
	// Plan operations
	CreatePlan(ctx context.Context, plan *SubscriptionPlan) error
	GetPlan(ctx context.Context, id string) (*SubscriptionPlan, error)
	ListPlans(ctx context.Context) ([]SubscriptionPlan, error)

	// Subscription operations
	CreateSubscription(ctx context.Context, sub *UserSubscription) error
	GetActiveSubscription(ctx context.Context, userID string, at time.Time) (*UserSubscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus) error
	CancelActiveSubscriptions(ctx context.Context, userID string) error

	// Event operations. InsertEvent is the sole write path for events;
	// rows are append-only.
	InsertEvent(ctx context.Context, event *UsageEvent) error
	ListEvents(ctx context.Context, opts UsageQueryOptions) ([]UsageEvent, int, error)
	SumEvents(ctx context.Context, userID string, periodStart, periodEnd time.Time) ([]UsageSummary, error)
	GetUsageBreakdown(ctx context.Context, groupBy string, opts UsageQueryOptions) (*UsageBreakdown, error)

	// Summary operations. ApplySummaryDelta must be a single atomic
	// increment so concurrent events for the same user cannot lose updates.
	ApplySummaryDelta(ctx context.Context, userID string, periodStart time.Time, delta SummaryDelta) error
	GetSummary(ctx context.Context, userID string, periodStart time.Time, kind ResourceKind) (*UsageSummary, error)
	ListSummaries(ctx context.Context, userID string, periodStart time.Time) ([]UsageSummary, error)
	ReplaceSummaries(ctx context.Context, userID string, periodStart time.Time, summaries []UsageSummary) error

	// Pricing operations. Rows are versioned by effective_at; the in-memory
	// PricingTable is hydrated from them at startup.
	UpsertPricing(ctx context.Context, provider Provider, model string, pricing ModelPricing) error
	ListPricing(ctx context.Context) ([]PricingRow, error)

	// Alert operations. InsertAlertOnce returns false when the same
	// (user, period, kind, threshold) alert was already fired.
	InsertAlertOnce(ctx context.Context, alert *UsageAlert) (bool, error)
	ListAlerts(ctx context.Context, userID string, unreadOnly bool, limit int) ([]UsageAlert, error)
	MarkAlertRead(ctx context.Context, alertID int64) error

	// Utility
	Ping(ctx context.Context) error
}
