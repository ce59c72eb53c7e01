// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreatePlan creates a new subscription plan
func (r *PostgresRepository) CreatePlan(ctx context.Context, plan *SubscriptionPlan) error {
	limits, err := json.Marshal(plan.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal plan limits: %w", err)
	}

	query := `
		INSERT INTO subscription_plans (id, name, cycle, limits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		plan.ID, plan.Name, plan.Cycle, limits, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrPlanExists
		}
		return fmt.Errorf("failed to create plan: %w", err)
	}

	return nil
}

// GetPlan retrieves a plan by ID
func (r *PostgresRepository) GetPlan(ctx context.Context, id string) (*SubscriptionPlan, error) {
	query := `
		SELECT id, name, cycle, limits, created_at, updated_at
		FROM subscription_plans
		WHERE id = $1
	`

	var plan SubscriptionPlan
	var limits []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&plan.ID, &plan.Name, &plan.Cycle, &limits, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if err := json.Unmarshal(limits, &plan.Limits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan limits: %w", err)
	}

	return &plan, nil
}

// ListPlans lists all subscription plans
func (r *PostgresRepository) ListPlans(ctx context.Context) ([]SubscriptionPlan, error) {
	query := `
		SELECT id, name, cycle, limits, created_at, updated_at
		FROM subscription_plans
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []SubscriptionPlan
	for rows.Next() {
		var plan SubscriptionPlan
		var limits []byte

		if err := rows.Scan(
			&plan.ID, &plan.Name, &plan.Cycle, &limits, &plan.CreatedAt, &plan.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}

		if err := json.Unmarshal(limits, &plan.Limits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan limits: %w", err)
		}

		plans = append(plans, plan)
	}

	return plans, nil
}

// CreateSubscription creates a subscription row for a user
func (r *PostgresRepository) CreateSubscription(ctx context.Context, sub *UserSubscription) error {
	query := `
		INSERT INTO user_subscriptions (
			id, user_id, plan_id, period_start, period_end, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID, sub.UserID, sub.PlanID, sub.PeriodStart, sub.PeriodEnd,
		sub.Status, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// GetActiveSubscription returns the subscription covering instant at for
// the user, or ErrNoActiveSubscription.
func (r *PostgresRepository) GetActiveSubscription(ctx context.Context, userID string, at time.Time) (*UserSubscription, error) {
	query := `
		SELECT id, user_id, plan_id, period_start, period_end, status, created_at, updated_at
		FROM user_subscriptions
		WHERE user_id = $1
		  AND status = 'active'
		  AND period_start <= $2
		  AND period_end > $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	var sub UserSubscription
	err := r.db.QueryRowContext(ctx, query, userID, at).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.PeriodStart, &sub.PeriodEnd,
		&sub.Status, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}

	return &sub, nil
}

// UpdateSubscriptionStatus updates the status of a subscription (supersede,
// never delete).
func (r *PostgresRepository) UpdateSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus) error {
	query := `
		UPDATE user_subscriptions SET status = $2, updated_at = $3 WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

// CancelActiveSubscriptions cancels every active subscription row for a
// user, including ones whose period has already lapsed. Keeps the
// one-active-row-per-user index satisfied before a new subscription.
func (r *PostgresRepository) CancelActiveSubscriptions(ctx context.Context, userID string) error {
	query := `
		UPDATE user_subscriptions SET status = 'cancelled', updated_at = $2
		WHERE user_id = $1 AND status = 'active'
	`

	if _, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to cancel subscriptions: %w", err)
	}
	return nil
}

// InsertEvent appends a usage event row
func (r *PostgresRepository) InsertEvent(ctx context.Context, event *UsageEvent) error {
	query := `
		INSERT INTO usage_events (
			request_id, user_id, provider, model, unit_type, tokens_in,
			tokens_out, requests, cost_usd, unpriced, outcome, latency_ms, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		event.RequestID, event.UserID, event.Provider, event.Model,
		event.UnitType, event.TokensIn, event.TokensOut, event.Requests,
		event.CostUSD, event.Unpriced, event.Outcome, event.LatencyMs,
		event.Timestamp,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

// ListEvents lists usage events with filtering and pagination
func (r *PostgresRepository) ListEvents(ctx context.Context, opts UsageQueryOptions) ([]UsageEvent, int, error) {
	conditions, args := eventConditions(opts)

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM usage_events %s", whereClause)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count usage events: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT id, request_id, user_id, provider, model, unit_type, tokens_in,
			   tokens_out, requests, cost_usd, unpriced, outcome, latency_ms,
			   timestamp, created_at
		FROM usage_events
		%s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, len(args)+1, len(args)+2)

	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list usage events: %w", err)
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var event UsageEvent
		if err := rows.Scan(
			&event.ID, &event.RequestID, &event.UserID, &event.Provider,
			&event.Model, &event.UnitType, &event.TokensIn, &event.TokensOut,
			&event.Requests, &event.CostUSD, &event.Unpriced, &event.Outcome,
			&event.LatencyMs, &event.Timestamp, &event.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, event)
	}

	return events, total, nil
}

// SumEvents resums the event log for a user and period into exact summary
// rows, one per resource kind. This is the reconciliation source of truth.
func (r *PostgresRepository) SumEvents(ctx context.Context, userID string, periodStart, periodEnd time.Time) ([]UsageSummary, error) {
	query := `
		SELECT provider,
			   COALESCE(SUM(requests), 0),
			   COALESCE(SUM(tokens_in + tokens_out), 0),
			   COALESCE(SUM(cost_usd), 0),
			   COUNT(*)
		FROM usage_events
		WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY provider
	`

	rows, err := r.db.QueryContext(ctx, query, userID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage events: %w", err)
	}
	defer rows.Close()

	totals := make(map[ResourceKind]*UsageSummary)
	for rows.Next() {
		var provider Provider
		var requests, tokens, events int
		var cost float64

		if err := rows.Scan(&provider, &requests, &tokens, &cost, &events); err != nil {
			return nil, fmt.Errorf("failed to scan event totals: %w", err)
		}

		for _, delta := range deltasForTotals(provider, requests, tokens, cost, events) {
			s, ok := totals[delta.Kind]
			if !ok {
				s = &UsageSummary{UserID: userID, PeriodStart: periodStart, Kind: delta.Kind}
				totals[delta.Kind] = s
			}
			s.Quantity += delta.Quantity
			s.CostUSD += delta.CostUSD
			s.EventCount += delta.Events
		}
	}

	summaries := make([]UsageSummary, 0, len(totals))
	for _, s := range totals {
		summaries = append(summaries, *s)
	}
	return summaries, nil
}

// GetUsageBreakdown returns usage grouped by provider or model
func (r *PostgresRepository) GetUsageBreakdown(ctx context.Context, groupBy string, opts UsageQueryOptions) (*UsageBreakdown, error) {
	validGroupBy := map[string]string{
		"provider": "provider",
		"model":    "model",
	}

	column, ok := validGroupBy[groupBy]
	if !ok {
		return nil, ErrInvalidGroupBy
	}

	conditions, args := eventConditions(opts)

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	totalQuery := fmt.Sprintf("SELECT COALESCE(SUM(cost_usd), 0) FROM usage_events %s", whereClause)
	var totalCost float64
	if err := r.db.QueryRowContext(ctx, totalQuery, args...).Scan(&totalCost); err != nil {
		return nil, fmt.Errorf("failed to get total cost: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s,
			   SUM(cost_usd),
			   SUM(tokens_in),
			   SUM(tokens_out),
			   COUNT(*)
		FROM usage_events
		%s
		GROUP BY %s
		ORDER BY SUM(cost_usd) DESC
	`, column, whereClause, column)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := &UsageBreakdown{
		GroupBy:      groupBy,
		TotalCostUSD: totalCost,
		StartTime:    opts.StartTime,
		EndTime:      opts.EndTime,
	}

	for rows.Next() {
		var item UsageBreakdownItem
		if err := rows.Scan(
			&item.GroupValue, &item.CostUSD, &item.TokensIn,
			&item.TokensOut, &item.RequestCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown item: %w", err)
		}

		if totalCost > 0 {
			item.Percentage = (item.CostUSD / totalCost) * 100
		}

		breakdown.Items = append(breakdown.Items, item)
	}

	return breakdown, nil
}

// ApplySummaryDelta increments a summary row with a single atomic upsert.
// Concurrent increments for the same key serialize inside Postgres, so no
// update can be lost to a read-modify-write race.
func (r *PostgresRepository) ApplySummaryDelta(ctx context.Context, userID string, periodStart time.Time, delta SummaryDelta) error {
	query := `
		INSERT INTO usage_summaries (
			user_id, period_start, resource_kind, quantity, cost_usd, event_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, period_start, resource_kind)
		DO UPDATE SET
			quantity = usage_summaries.quantity + EXCLUDED.quantity,
			cost_usd = usage_summaries.cost_usd + EXCLUDED.cost_usd,
			event_count = usage_summaries.event_count + EXCLUDED.event_count,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		userID, periodStart, delta.Kind, delta.Quantity, delta.CostUSD,
		delta.Events, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to apply summary delta: %w", err)
	}

	return nil
}

// GetSummary returns the summary row for a key, or nil when no usage has
// been recorded yet this period.
func (r *PostgresRepository) GetSummary(ctx context.Context, userID string, periodStart time.Time, kind ResourceKind) (*UsageSummary, error) {
	query := `
		SELECT id, user_id, period_start, resource_kind, quantity, cost_usd, event_count, updated_at
		FROM usage_summaries
		WHERE user_id = $1 AND period_start = $2 AND resource_kind = $3
	`

	var s UsageSummary
	err := r.db.QueryRowContext(ctx, query, userID, periodStart, kind).Scan(
		&s.ID, &s.UserID, &s.PeriodStart, &s.Kind, &s.Quantity,
		&s.CostUSD, &s.EventCount, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	return &s, nil
}

// ListSummaries returns all summary rows for a user and period
func (r *PostgresRepository) ListSummaries(ctx context.Context, userID string, periodStart time.Time) ([]UsageSummary, error) {
	query := `
		SELECT id, user_id, period_start, resource_kind, quantity, cost_usd, event_count, updated_at
		FROM usage_summaries
		WHERE user_id = $1 AND period_start = $2
		ORDER BY resource_kind ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var summaries []UsageSummary
	for rows.Next() {
		var s UsageSummary
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.PeriodStart, &s.Kind, &s.Quantity,
			&s.CostUSD, &s.EventCount, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}

	return summaries, nil
}

// ReplaceSummaries transactionally swaps the summary rows for a user and
// period with freshly rebuilt ones.
func (r *PostgresRepository) ReplaceSummaries(ctx context.Context, userID string, periodStart time.Time, summaries []UsageSummary) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM usage_summaries WHERE user_id = $1 AND period_start = $2`,
		userID, periodStart,
	); err != nil {
		return fmt.Errorf("failed to clear summaries: %w", err)
	}

	now := time.Now().UTC()
	for _, s := range summaries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_summaries (
				user_id, period_start, resource_kind, quantity, cost_usd, event_count, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, userID, periodStart, s.Kind, s.Quantity, s.CostUSD, s.EventCount, now); err != nil {
			return fmt.Errorf("failed to insert rebuilt summary: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}

	return nil
}

// UpsertPricing stores a pricing version. Re-applying the same
// (provider, model, effective_at) row overwrites in place, so seeding at
// startup is idempotent.
func (r *PostgresRepository) UpsertPricing(ctx context.Context, provider Provider, model string, pricing ModelPricing) error {
	query := `
		INSERT INTO provider_pricing (
			provider, model, input_per_1k, output_per_1k, per_request, effective_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, model, effective_at)
		DO UPDATE SET
			input_per_1k = EXCLUDED.input_per_1k,
			output_per_1k = EXCLUDED.output_per_1k,
			per_request = EXCLUDED.per_request
	`

	_, err := r.db.ExecContext(ctx, query,
		provider, model, pricing.InputPer1K, pricing.OutputPer1K,
		pricing.PerRequest, pricing.EffectiveAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pricing: %w", err)
	}
	return nil
}

// ListPricing returns every persisted pricing version
func (r *PostgresRepository) ListPricing(ctx context.Context) ([]PricingRow, error) {
	query := `
		SELECT provider, model, input_per_1k, output_per_1k, per_request, effective_at
		FROM provider_pricing
		ORDER BY provider, model, effective_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing: %w", err)
	}
	defer rows.Close()

	var out []PricingRow
	for rows.Next() {
		var row PricingRow
		if err := rows.Scan(
			&row.Provider, &row.Model, &row.Pricing.InputPer1K,
			&row.Pricing.OutputPer1K, &row.Pricing.PerRequest,
			&row.Pricing.EffectiveAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pricing row: %w", err)
		}
		out = append(out, row)
	}

	return out, nil
}

// InsertAlertOnce inserts an alert unless the same threshold crossing was
// already recorded for the billing period. The unique index makes the
// fire-once policy hold across process restarts and instances.
func (r *PostgresRepository) InsertAlertOnce(ctx context.Context, alert *UsageAlert) (bool, error) {
	query := `
		INSERT INTO usage_alerts (
			user_id, period_start, resource_kind, threshold, severity,
			percent_reached, message, read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
		ON CONFLICT (user_id, period_start, resource_kind, threshold) DO NOTHING
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		alert.UserID, alert.PeriodStart, alert.Kind, alert.Threshold,
		alert.Severity, alert.PercentReached, alert.Message, time.Now().UTC(),
	).Scan(&alert.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}

	return true, nil
}

// ListAlerts lists alerts for a user, newest first
func (r *PostgresRepository) ListAlerts(ctx context.Context, userID string, unreadOnly bool, limit int) ([]UsageAlert, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, period_start, resource_kind, threshold, severity,
			   percent_reached, message, read, created_at
		FROM usage_alerts
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	if unreadOnly {
		query += ` AND read = false`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []UsageAlert
	for rows.Next() {
		var alert UsageAlert
		if err := rows.Scan(
			&alert.ID, &alert.UserID, &alert.PeriodStart, &alert.Kind,
			&alert.Threshold, &alert.Severity, &alert.PercentReached,
			&alert.Message, &alert.Read, &alert.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	return alerts, nil
}

// MarkAlertRead marks an alert as read
func (r *PostgresRepository) MarkAlertRead(ctx context.Context, alertID int64) error {
	query := `UPDATE usage_alerts SET read = true WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, alertID)
	if err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrAlertNotFound
	}

	return nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// eventConditions builds the shared WHERE clause for event queries
func eventConditions(opts UsageQueryOptions) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	if opts.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, opts.UserID)
		argIndex++
	}
	if opts.Provider != "" {
		conditions = append(conditions, fmt.Sprintf("provider = $%d", argIndex))
		args = append(args, opts.Provider)
		argIndex++
	}
	if opts.Model != "" {
		conditions = append(conditions, fmt.Sprintf("model = $%d", argIndex))
		args = append(args, opts.Model)
		argIndex++
	}
	if opts.Outcome != "" {
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", argIndex))
		args = append(args, opts.Outcome)
		argIndex++
	}
	if !opts.StartTime.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argIndex))
		args = append(args, opts.StartTime)
		argIndex++
	}
	if !opts.EndTime.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp < $%d", argIndex))
		args = append(args, opts.EndTime)
	}

	return conditions, args
}
