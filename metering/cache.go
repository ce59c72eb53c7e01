// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// SummaryCache is a short-TTL read-through cache for usage summaries in
// front of Postgres. Enforcement reads hit it on every metered call; the
// recorder invalidates on write so the evaluator's staleness is bounded by
// the TTL plus in-flight calls. All operations fail open: a Redis error
// degrades to a database read, never to a blocked request.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache creates a summary cache. ttl <= 0 defaults to 15s.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &SummaryCache{client: client, ttl: ttl}
}

func summaryKey(userID string, periodStart time.Time, kind ResourceKind) string {
	return fmt.Sprintf("metering:summary:%s:%d:%s", userID, periodStart.Unix(), kind)
}

// Get returns the cached summary, or (nil, false) on miss or Redis error
func (c *SummaryCache) Get(ctx context.Context, userID string, periodStart time.Time, kind ResourceKind) (*UsageSummary, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, summaryKey(userID, periodStart, kind)).Bytes()
	if err != nil {
		return nil, false
	}

	var s UsageSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	return &s, true
}

// Set caches a summary row. A nil summary caches a zero row so repeated
// misses for a fresh period do not hammer Postgres.
func (c *SummaryCache) Set(ctx context.Context, userID string, periodStart time.Time, kind ResourceKind, s *UsageSummary) {
	if c == nil || c.client == nil {
		return
	}

	if s == nil {
		s = &UsageSummary{UserID: userID, PeriodStart: periodStart, Kind: kind}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	c.client.Set(ctx, summaryKey(userID, periodStart, kind), data, c.ttl)
}

// Invalidate drops the cached rows touched by a recorded event
func (c *SummaryCache) Invalidate(ctx context.Context, userID string, periodStart time.Time, kinds []ResourceKind) {
	if c == nil || c.client == nil {
		return
	}

	keys := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		keys = append(keys, summaryKey(userID, periodStart, kind))
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}
