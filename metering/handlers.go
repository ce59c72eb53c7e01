// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"meterflow/platform/shared/logger"
)

// Handler exposes the metering service over HTTP
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates an HTTP handler for the metering API
func NewHandler(service *Service, l *logger.Logger) *Handler {
	if l == nil {
		l = logger.New("metering-api")
	}
	return &Handler{service: service, logger: l}
}

// RegisterAPIRoutes mounts the metering endpoints on an API subrouter
// (typically prefixed with /api/v1 and behind auth middleware).
func (h *Handler) RegisterAPIRoutes(r *mux.Router) {
	r.HandleFunc("/plans", h.CreatePlan).Methods("POST")
	r.HandleFunc("/plans", h.ListPlans).Methods("GET")
	r.HandleFunc("/plans/{id}", h.GetPlan).Methods("GET")

	r.HandleFunc("/subscriptions", h.Subscribe).Methods("POST")
	r.HandleFunc("/subscriptions/{userID}", h.GetSubscription).Methods("GET")
	r.HandleFunc("/subscriptions/{userID}", h.CancelSubscription).Methods("DELETE")

	r.HandleFunc("/usage/check", h.CheckUsage).Methods("POST")
	r.HandleFunc("/usage/events", h.RecordUsage).Methods("POST")
	r.HandleFunc("/usage/events", h.ListEvents).Methods("GET")
	r.HandleFunc("/usage/summary/{userID}", h.GetUsageSummary).Methods("GET")
	r.HandleFunc("/usage/breakdown", h.GetUsageBreakdown).Methods("GET")
	r.HandleFunc("/usage/rebuild", h.RebuildSummaries).Methods("POST")

	r.HandleFunc("/alerts/{userID}", h.ListAlerts).Methods("GET")
	r.HandleFunc("/alerts/{id}/read", h.MarkAlertRead).Methods("POST")

	r.HandleFunc("/pricing", h.GetPricing).Methods("GET")
	r.HandleFunc("/pricing/{provider}/{model}", h.SetPricing).Methods("PUT")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors to HTTP statuses
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPlanNotFound),
		errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrNoActiveSubscription),
		errors.Is(err, ErrAlertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPlanExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPlanID),
		errors.Is(err, ErrInvalidPlanName),
		errors.Is(err, ErrInvalidPlanLimit),
		errors.Is(err, ErrInvalidBillingCycle),
		errors.Is(err, ErrInvalidGroupBy),
		errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// CreatePlan handles POST /api/v1/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan SubscriptionPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.CreatePlan(r.Context(), &plan); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// GetPlan handles GET /api/v1/plans/{id}
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.service.GetPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ListPlans handles GET /api/v1/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans, "count": len(plans)})
}

type subscribeRequest struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
}

// Subscribe handles POST /api/v1/subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "user_id and plan_id are required")
		return
	}

	sub, err := h.service.Subscribe(r.Context(), req.UserID, req.PlanID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// GetSubscription handles GET /api/v1/subscriptions/{userID}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.GetActiveSubscription(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// CancelSubscription handles DELETE /api/v1/subscriptions/{userID}
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CancelSubscription(r.Context(), mux.Vars(r)["userID"]); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type checkUsageRequest struct {
	UserID    string `json:"user_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	EstTokens int    `json:"est_tokens"`
}

// CheckUsage handles POST /api/v1/usage/check
func (h *Handler) CheckUsage(w http.ResponseWriter, r *http.Request) {
	var req checkUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	decision, err := h.service.CheckAndReserve(r.Context(), req.UserID, ParseProvider(req.Provider), req.Model, req.EstTokens)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if !decision.Allowed() {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, decision)
}

// RecordUsage handles POST /api/v1/usage/events
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var event UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	recorded, err := h.service.RecordUsage(r.Context(), &event)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recorded)
}

// ListEvents handles GET /api/v1/usage/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	opts := queryOptionsFromRequest(r)
	events, total, err := h.service.ListEvents(r.Context(), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// GetUsageSummary handles GET /api/v1/usage/summary/{userID}
func (h *Handler) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	summaries, err := h.service.GetUsageSummary(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"summaries": summaries,
	})
}

// GetUsageBreakdown handles GET /api/v1/usage/breakdown
func (h *Handler) GetUsageBreakdown(w http.ResponseWriter, r *http.Request) {
	groupBy := r.URL.Query().Get("group_by")
	if groupBy == "" {
		groupBy = "provider"
	}

	breakdown, err := h.service.GetUsageBreakdown(r.Context(), groupBy, queryOptionsFromRequest(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

type rebuildRequest struct {
	UserID string `json:"user_id"`
}

// RebuildSummaries handles POST /api/v1/usage/rebuild
func (h *Handler) RebuildSummaries(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	sub, err := h.service.GetActiveSubscription(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.service.RebuildSummaries(r.Context(), req.UserID, sub.PeriodStart, sub.PeriodEnd); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// ListAlerts handles GET /api/v1/alerts/{userID}
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	alerts, err := h.service.ListAlerts(r.Context(), userID, unreadOnly, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

// MarkAlertRead handles POST /api/v1/alerts/{id}/read
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	if err := h.service.MarkAlertRead(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// GetPricing handles GET /api/v1/pricing
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Pricing().Snapshot(time.Now().UTC()))
}

type setPricingRequest struct {
	InputPer1K  float64    `json:"input_per_1k"`
	OutputPer1K float64    `json:"output_per_1k"`
	PerRequest  float64    `json:"per_request"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

// SetPricing handles PUT /api/v1/pricing/{provider}/{model}
func (h *Handler) SetPricing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	provider := ParseProvider(vars["provider"])
	model := vars["model"]

	var req setPricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pricing := ModelPricing{
		InputPer1K:  req.InputPer1K,
		OutputPer1K: req.OutputPer1K,
		PerRequest:  req.PerRequest,
		EffectiveAt: time.Now().UTC(),
	}
	if req.EffectiveAt != nil {
		pricing.EffectiveAt = req.EffectiveAt.UTC()
	}
	if err := h.service.SetPricing(r.Context(), provider, model, pricing); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.service.IsHealthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func queryOptionsFromRequest(r *http.Request) UsageQueryOptions {
	q := r.URL.Query()
	opts := UsageQueryOptions{
		UserID: q.Get("user_id"),
		Model:  q.Get("model"),
		Limit:  100,
	}
	if p := q.Get("provider"); p != "" {
		opts.Provider = ParseProvider(p)
	}
	if o := q.Get("outcome"); o != "" {
		opts.Outcome = Outcome(o)
	}
	if raw := q.Get("start_time"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			opts.StartTime = t
		}
	}
	if raw := q.Get("end_time"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			opts.EndTime = t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}
