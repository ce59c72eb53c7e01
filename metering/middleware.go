// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"meterflow/platform/shared/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated user ID, if any
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// AuthMiddleware resolves the calling user from a Bearer JWT and stores
// the user ID in the request context. Requests without a valid token are
// rejected before any metering work happens.
type AuthMiddleware struct {
	secret []byte
	logger *logger.Logger
}

// NewAuthMiddleware creates JWT auth middleware
func NewAuthMiddleware(secret string, l *logger.Logger) *AuthMiddleware {
	if l == nil {
		l = logger.New("metering")
	}
	return &AuthMiddleware{secret: []byte(secret), logger: l}
}

// Handler wraps next with JWT user resolution
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			m.logger.Warn("", "", "rejected invalid token", map[string]interface{}{
				"path": r.URL.Path,
			})
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		userID := getClaimString(claims, "sub")
		if userID == "" {
			userID = getClaimString(claims, "user_id")
		}
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "token missing subject")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// EnforcementMiddleware gates metered routes on the caller's plan limits.
// The provider is read from the X-Provider header (query param fallback)
// and the projected token count from X-Estimated-Tokens. A deny returns
// 429 with the decision body; the wrapped handler never runs. Allowed
// requests are recorded once the handler returns, from actuals the
// handler passed to ReportUsage or from the pre-call estimate when it
// reported nothing.
type EnforcementMiddleware struct {
	service *Service
	logger  *logger.Logger
}

// UsageReport collects the actual figures a wrapped handler observed for
// the current request. The enforcement middleware persists them once the
// handler returns.
type UsageReport struct {
	mu        sync.Mutex
	tokensIn  int
	tokensOut int
	costUSD   float64
	reported  bool
}

const usageReportKey contextKey = "usage_report"

// ReportUsage stores the actual token and cost figures for the current
// request. Calling it outside an enforcement-wrapped handler is a no-op.
func ReportUsage(ctx context.Context, tokensIn, tokensOut int, costUSD float64) {
	report, ok := ctx.Value(usageReportKey).(*UsageReport)
	if !ok {
		return
	}
	report.mu.Lock()
	defer report.mu.Unlock()
	report.tokensIn = tokensIn
	report.tokensOut = tokensOut
	report.costUSD = costUSD
	report.reported = true
}

// statusRecorder captures the status code the wrapped handler wrote
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// NewEnforcementMiddleware creates limit-enforcement middleware
func NewEnforcementMiddleware(service *Service, l *logger.Logger) *EnforcementMiddleware {
	if l == nil {
		l = logger.New("metering")
	}
	return &EnforcementMiddleware{service: service, logger: l}
}

// Handler wraps next with pre-call limit evaluation
func (m *EnforcementMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		providerName := r.Header.Get("X-Provider")
		if providerName == "" {
			providerName = r.URL.Query().Get("provider")
		}
		provider := ParseProvider(providerName)
		model := r.Header.Get("X-Model")

		estTokens := 0
		if raw := r.Header.Get("X-Estimated-Tokens"); raw != "" {
			estTokens, _ = strconv.Atoi(raw)
		}
		if estTokens <= 0 && r.ContentLength > 0 {
			estTokens = int(r.ContentLength / 4)
		}
		if estTokens <= 0 {
			estTokens = 1
		}

		decision, err := m.service.CheckAndReserve(r.Context(), userID, provider, model, estTokens)
		if err != nil {
			m.logger.ErrorWithErr(userID, "", "limit evaluation failed", err, nil)
			writeError(w, http.StatusInternalServerError, "limit evaluation failed")
			return
		}

		if !decision.Allowed() {
			m.logger.Warn(userID, "", "request denied by usage limit", map[string]interface{}{
				"provider":      string(provider),
				"reason":        decision.Reason,
				"resource_kind": string(decision.Kind),
			})
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":    "usage limit exceeded",
				"decision": decision,
			})
			return
		}

		if decision.Verdict == VerdictWarn {
			w.Header().Set("X-Usage-Warning", decision.Reason)
			w.Header().Set("X-Usage-Percent", strconv.FormatFloat(decision.PercentUsed, 'f', 1, 64))
		}

		report := &UsageReport{}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), usageReportKey, report)))

		event := NewUsageEvent("", userID, provider, model)
		event.LatencyMs = time.Since(start).Milliseconds()
		report.mu.Lock()
		if report.reported {
			event.TokensIn = report.tokensIn
			event.TokensOut = report.tokensOut
			event.CostUSD = report.costUSD
		} else {
			// Nothing reported; fall back to the pre-call estimate so
			// enforced usage still grows.
			event.TokensIn = estTokens / 2
			event.TokensOut = estTokens - estTokens/2
		}
		report.mu.Unlock()
		if rec.status >= http.StatusInternalServerError {
			event.Outcome = OutcomeFailure
		}

		if _, err := m.service.RecordUsage(r.Context(), event); err != nil {
			m.logger.ErrorWithErr(userID, "", "failed to record usage for handled request", err, map[string]interface{}{
				"provider": string(provider),
				"model":    model,
			})
		}
	})
}
