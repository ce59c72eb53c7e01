// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"errors"
	"fmt"
)

var (
	// ErrPlanNotFound is returned when a subscription plan does not exist
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPlanExists is returned when creating a plan that already exists
	ErrPlanExists = errors.New("plan already exists")

	// ErrInvalidPlanID is returned for an empty plan ID
	ErrInvalidPlanID = errors.New("invalid plan ID")

	// ErrInvalidPlanName is returned for an empty plan name
	ErrInvalidPlanName = errors.New("invalid plan name")

	// ErrInvalidPlanLimit is returned for a negative or malformed plan limit
	ErrInvalidPlanLimit = errors.New("plan limits must be non-negative")

	// ErrInvalidBillingCycle is returned for an unknown billing cycle
	ErrInvalidBillingCycle = errors.New("invalid billing cycle")

	// ErrNoActiveSubscription is returned when a user has no current
	// subscription. Enforcement never falls back to a default plan.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrSubscriptionNotFound is returned when a subscription row does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrAlertNotFound is returned when marking a nonexistent alert as read
	ErrAlertNotFound = errors.New("alert not found")

	// ErrInvalidGroupBy is returned for an unsupported breakdown dimension
	ErrInvalidGroupBy = errors.New("invalid group_by value: must be provider or model")

	// ErrInvalidInput is returned for general invalid input
	ErrInvalidInput = errors.New("invalid input")
)

// LimitExceededError is returned by the enforcement interceptor when a call
// is denied. It carries the full decision so callers can render percent
// used and the limiting resource kind (a 429-equivalent payload).
type LimitExceededError struct {
	Decision Decision
}

func (e *LimitExceededError) Error() string {
	if e.Decision.Reason == ReasonNoSubscription {
		return "request denied: no active subscription"
	}
	return fmt.Sprintf("request denied: %s limit exceeded (%.1f%% used)",
		e.Decision.Kind, e.Decision.PercentUsed)
}

// AsLimitExceeded unwraps a LimitExceededError from err
func AsLimitExceeded(err error) (*LimitExceededError, bool) {
	var le *LimitExceededError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
