// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"meterflow/platform/shared/logger"
)

// RequestState tracks a metered request through the enforcement flow
type RequestState string

const (
	StatePending  RequestState = "pending"
	StateAllowed  RequestState = "allowed"
	StateInFlight RequestState = "in_flight"
	StateRecorded RequestState = "recorded"
	StateDenied   RequestState = "denied"
)

// ProviderCall describes one prospective upstream call
type ProviderCall struct {
	UserID    string
	Provider  Provider
	Model     string
	Prompt    string
	EstTokens int // overrides the prompt-length heuristic when > 0
}

// ProviderResult is what an upstream call actually consumed
type ProviderResult struct {
	TokensIn  int
	TokensOut int
	Requests  int
	CostUSD   float64 // override; zero means price from the table
	LatencyMs int64
	Response  interface{}
}

// CallFunc performs the upstream provider call
type CallFunc func(ctx context.Context) (*ProviderResult, error)

// MeteredRequest carries one request's enforcement state and outcome
type MeteredRequest struct {
	RequestID string
	Call      ProviderCall
	Decision  *Decision
	Event     *UsageEvent

	state RequestState
}

// State returns the request's current enforcement state
func (m *MeteredRequest) State() RequestState {
	return m.state
}

// Interceptor wraps upstream provider calls with pre-call limit
// enforcement and post-call usage recording. A denied call never reaches
// the upstream; a failed upstream call is still recorded and its error
// returned unchanged, at zero cost unless the provider billed the attempt.
type Interceptor struct {
	service *Service
	logger  *logger.Logger
}

// NewInterceptor creates an enforcement interceptor
func NewInterceptor(service *Service, l *logger.Logger) *Interceptor {
	if l == nil {
		l = logger.New("metering")
	}
	return &Interceptor{service: service, logger: l}
}

// estimateTokens approximates token count from prompt length. Four bytes
// per token is close enough for pre-call projection; the recorded event
// uses the provider's real counts.
func estimateTokens(prompt string) int {
	n := len(prompt) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Execute runs the full enforce-call-record flow for one provider call.
func (i *Interceptor) Execute(ctx context.Context, call ProviderCall, fn CallFunc) (*MeteredRequest, error) {
	req := &MeteredRequest{
		RequestID: uuid.NewString(),
		Call:      call,
		state:     StatePending,
	}

	estTokens := call.EstTokens
	if estTokens <= 0 {
		estTokens = estimateTokens(call.Prompt)
	}

	decision, err := i.service.CheckAndReserve(ctx, call.UserID, call.Provider, call.Model, estTokens)
	if err != nil {
		return req, err
	}
	req.Decision = decision

	if !decision.Allowed() {
		req.state = StateDenied
		i.logger.Warn(call.UserID, req.RequestID, "call denied by usage limit", map[string]interface{}{
			"provider":      string(call.Provider),
			"reason":        decision.Reason,
			"resource_kind": string(decision.Kind),
		})
		return req, &LimitExceededError{Decision: *decision}
	}
	req.state = StateAllowed

	if decision.Verdict == VerdictWarn {
		i.logger.Warn(call.UserID, req.RequestID, "call allowed near usage limit", map[string]interface{}{
			"provider":      string(call.Provider),
			"resource_kind": string(decision.Kind),
			"percent_used":  decision.PercentUsed,
		})
	}

	req.state = StateInFlight
	result, callErr := fn(ctx)

	event := NewUsageEvent(req.RequestID, call.UserID, call.Provider, call.Model)

	if callErr != nil {
		event.Outcome = OutcomeFailure
		if errors.Is(callErr, context.DeadlineExceeded) {
			event.Outcome = OutcomeTimeout
		}
		// Some providers bill for the attempt; carry whatever the call
		// reported before it failed. Cost stays zero otherwise.
		if result != nil {
			event.TokensIn = result.TokensIn
			event.TokensOut = result.TokensOut
			event.CostUSD = result.CostUSD
			event.LatencyMs = result.LatencyMs
		}
		if recorded, err := i.service.RecordUsage(ctx, event); err != nil {
			i.logger.ErrorWithErr(call.UserID, req.RequestID, "failed to record failed call", err, nil)
		} else {
			req.Event = recorded
			req.state = StateRecorded
		}
		return req, callErr
	}

	event.TokensIn = result.TokensIn
	event.TokensOut = result.TokensOut
	if result.Requests > 0 {
		event.Requests = result.Requests
	}
	event.CostUSD = result.CostUSD
	event.LatencyMs = result.LatencyMs

	recorded, err := i.service.RecordUsage(ctx, event)
	if err != nil {
		// The upstream succeeded; losing the audit row is logged loudly
		// but does not fail the caller's request.
		i.logger.ErrorWithErr(call.UserID, req.RequestID, "failed to record usage for successful call", err, map[string]interface{}{
			"provider": string(call.Provider),
			"model":    call.Model,
		})
	} else {
		req.Event = recorded
	}
	req.state = StateRecorded

	return req, nil
}
