// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package metering provides usage-based subscription metering and
// enforcement for LLM and research API calls. It tracks per-call usage
// events, maintains per-period summaries, enforces plan limits before a
// provider is invoked, and raises alerts when usage crosses thresholds.
package metering

import (
	"strings"
	"time"
)

// Provider identifies a metered upstream API provider
type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderMistral   Provider = "mistral"
	ProviderTavily    Provider = "tavily"
	ProviderSerper    Provider = "serper"
	ProviderUnknown   Provider = "unknown"
)

// ParseProvider maps a free-form provider name onto the closed enumeration.
// Anything unrecognized becomes ProviderUnknown so lookups cannot silently
// mismatch on a typo.
func ParseProvider(s string) Provider {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderGemini:
		return ProviderGemini
	case ProviderOpenAI:
		return ProviderOpenAI
	case ProviderAnthropic:
		return ProviderAnthropic
	case ProviderMistral:
		return ProviderMistral
	case ProviderTavily:
		return ProviderTavily
	case ProviderSerper:
		return ProviderSerper
	default:
		return ProviderUnknown
	}
}

// UnitType is how a provider bills: per token or per request
type UnitType string

const (
	UnitTokens   UnitType = "tokens"
	UnitRequests UnitType = "requests"
)

// BillingUnit returns how calls to the provider are priced. Search
// providers bill per request; LLM providers bill per token.
func (p Provider) BillingUnit() UnitType {
	switch p {
	case ProviderTavily, ProviderSerper:
		return UnitRequests
	default:
		return UnitTokens
	}
}

// ResourceKind is a named billable unit category tracked against plan limits
type ResourceKind string

const (
	KindGeminiCalls     ResourceKind = "gemini_calls"
	KindGeminiTokens    ResourceKind = "gemini_tokens"
	KindOpenAICalls     ResourceKind = "openai_calls"
	KindOpenAITokens    ResourceKind = "openai_tokens"
	KindAnthropicCalls  ResourceKind = "anthropic_calls"
	KindAnthropicTokens ResourceKind = "anthropic_tokens"
	KindMistralCalls    ResourceKind = "mistral_calls"
	KindMistralTokens   ResourceKind = "mistral_tokens"
	KindTavilyCalls     ResourceKind = "tavily_calls"
	KindSerperCalls     ResourceKind = "serper_calls"
	KindMonthlyCost     ResourceKind = "monthly_cost_usd"
)

// CallsKind returns the per-call resource kind for a provider
func (p Provider) CallsKind() (ResourceKind, bool) {
	switch p {
	case ProviderGemini:
		return KindGeminiCalls, true
	case ProviderOpenAI:
		return KindOpenAICalls, true
	case ProviderAnthropic:
		return KindAnthropicCalls, true
	case ProviderMistral:
		return KindMistralCalls, true
	case ProviderTavily:
		return KindTavilyCalls, true
	case ProviderSerper:
		return KindSerperCalls, true
	}
	return "", false
}

// TokensKind returns the token resource kind for a provider. Request-billed
// providers have no token kind.
func (p Provider) TokensKind() (ResourceKind, bool) {
	switch p {
	case ProviderGemini:
		return KindGeminiTokens, true
	case ProviderOpenAI:
		return KindOpenAITokens, true
	case ProviderAnthropic:
		return KindAnthropicTokens, true
	case ProviderMistral:
		return KindMistralTokens, true
	}
	return "", false
}

// BillingCycle is the recurring window over which usage accumulates
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// SubscriptionStatus represents the lifecycle state of a user subscription
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Outcome is the result of a metered upstream call
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Verdict is the enforcement decision for a prospective call
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictDeny  Verdict = "deny"
)

// Decision reasons surfaced to callers
const (
	ReasonOK               = "ok"
	ReasonApproachingLimit = "approaching_limit"
	ReasonLimitExceeded    = "limit_exceeded"
	ReasonNoSubscription   = "no_subscription"
)

// SubscriptionPlan is an immutable plan template. Limits maps resource
// kinds to numeric caps per billing period; a kind absent from the map is
// unlimited.
type SubscriptionPlan struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	Cycle     BillingCycle             `json:"cycle"`
	Limits    map[ResourceKind]float64 `json:"limits"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// Validate validates the plan configuration
func (p *SubscriptionPlan) Validate() error {
	if p.ID == "" {
		return ErrInvalidPlanID
	}
	if p.Name == "" {
		return ErrInvalidPlanName
	}
	if p.Cycle != CycleMonthly && p.Cycle != CycleYearly {
		return ErrInvalidBillingCycle
	}
	for kind, limit := range p.Limits {
		if limit < 0 {
			return ErrInvalidPlanLimit
		}
		if kind == "" {
			return ErrInvalidPlanLimit
		}
	}
	return nil
}

// LimitFor resolves the plan limit for a resource kind. The second return
// is false when the kind is unlimited under this plan.
func (p *SubscriptionPlan) LimitFor(kind ResourceKind) (float64, bool) {
	limit, ok := p.Limits[kind]
	return limit, ok
}

// UserSubscription binds a user to a plan for a billing period. Rows are
// superseded on renewal or plan change, never physically deleted.
type UserSubscription struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	PlanID      string             `json:"plan_id"`
	PeriodStart time.Time          `json:"period_start"`
	PeriodEnd   time.Time          `json:"period_end"`
	Status      SubscriptionStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ActiveAt reports whether the subscription covers instant t
func (s *UserSubscription) ActiveAt(t time.Time) bool {
	return s.Status == StatusActive && !t.Before(s.PeriodStart) && t.Before(s.PeriodEnd)
}

// UsageEvent is one immutable record per metered call, the atomic unit of
// truth for the audit trail. Never mutated after insertion.
type UsageEvent struct {
	ID        int64     `json:"id,omitempty"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Provider  Provider  `json:"provider"`
	Model     string    `json:"model"`
	UnitType  UnitType  `json:"unit_type"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Requests  int       `json:"requests"`
	CostUSD   float64   `json:"cost_usd"`
	Unpriced  bool      `json:"unpriced"`
	Outcome   Outcome   `json:"outcome"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TotalTokens returns total tokens used by the call
func (e *UsageEvent) TotalTokens() int {
	return e.TokensIn + e.TokensOut
}

// NewUsageEvent creates a usage event for a completed call
func NewUsageEvent(requestID, userID string, provider Provider, model string) *UsageEvent {
	return &UsageEvent{
		RequestID: requestID,
		UserID:    userID,
		Provider:  provider,
		Model:     model,
		UnitType:  provider.BillingUnit(),
		Requests:  1,
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now().UTC(),
	}
}

// UsageSummary is the derived, mutable aggregate keyed by
// (user, billing period start, resource kind). Quantity accumulates the
// kind's own units (calls, tokens, or dollars); CostUSD and EventCount
// accumulate alongside for reporting.
type UsageSummary struct {
	ID          int64        `json:"id,omitempty"`
	UserID      string       `json:"user_id"`
	PeriodStart time.Time    `json:"period_start"`
	Kind        ResourceKind `json:"resource_kind"`
	Quantity    float64      `json:"quantity"`
	CostUSD     float64      `json:"cost_usd"`
	EventCount  int          `json:"event_count"`
	UpdatedAt   time.Time    `json:"updated_at,omitempty"`
}

// SummaryDelta is one summary increment derived from a usage event
type SummaryDelta struct {
	Kind     ResourceKind
	Quantity float64
	CostUSD  float64
	Events   int
}

// Decision is the result of a pre-call limit evaluation. PercentUsed
// always reflects usage before the prospective call.
type Decision struct {
	Verdict     Verdict      `json:"verdict"`
	Reason      string       `json:"reason"`
	Kind        ResourceKind `json:"resource_kind,omitempty"`
	Limit       float64      `json:"limit,omitempty"`
	Used        float64      `json:"used"`
	Projected   float64      `json:"projected"`
	PercentUsed float64      `json:"percent_used"`
	Unlimited   bool         `json:"unlimited,omitempty"`
}

// Allowed reports whether the call may proceed (warn still allows)
func (d *Decision) Allowed() bool {
	return d.Verdict != VerdictDeny
}

// AlertSeverity maps thresholds to severities
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertThresholds are the fixed percent-of-limit boundaries that fire alerts
var AlertThresholds = []int{80, 90, 100}

// SeverityForThreshold maps a threshold percent to its alert severity
func SeverityForThreshold(threshold int) AlertSeverity {
	switch {
	case threshold >= 100:
		return SeverityCritical
	case threshold >= 90:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// UsageAlert records a threshold crossing for a resource kind within a
// billing period. Mutated only by mark-read; never auto-deleted.
type UsageAlert struct {
	ID             int64         `json:"id,omitempty"`
	UserID         string        `json:"user_id"`
	PeriodStart    time.Time     `json:"period_start"`
	Kind           ResourceKind  `json:"resource_kind"`
	Threshold      int           `json:"threshold"`
	Severity       AlertSeverity `json:"severity"`
	PercentReached float64       `json:"percent_reached"`
	Message        string        `json:"message"`
	Read           bool          `json:"read"`
	CreatedAt      time.Time     `json:"created_at,omitempty"`
}

// UsageQueryOptions filters event and breakdown queries
type UsageQueryOptions struct {
	UserID    string    `json:"user_id,omitempty"`
	Provider  Provider  `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// UsageBreakdownItem is a single row in a usage breakdown
type UsageBreakdownItem struct {
	GroupValue   string  `json:"group_value"`
	CostUSD      float64 `json:"cost_usd"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	RequestCount int     `json:"request_count"`
	Percentage   float64 `json:"percentage"`
}

// UsageBreakdown groups usage by a dimension (provider or model)
type UsageBreakdown struct {
	GroupBy      string               `json:"group_by"`
	TotalCostUSD float64              `json:"total_cost_usd"`
	Items        []UsageBreakdownItem `json:"items"`
	StartTime    time.Time            `json:"start_time,omitempty"`
	EndTime      time.Time            `json:"end_time,omitempty"`
}

// PeriodStartFor returns the UTC start of the billing period containing now
func PeriodStartFor(cycle BillingCycle, now time.Time) time.Time {
	now = now.UTC()
	switch cycle {
	case CycleYearly:
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// PeriodEndFor returns the exclusive end of the period starting at start
func PeriodEndFor(cycle BillingCycle, start time.Time) time.Time {
	switch cycle {
	case CycleYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}
