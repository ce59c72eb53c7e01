// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MF_DATABASE_URL", "postgres://localhost/meterflow")
	t.Setenv("MF_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Second, cfg.SummaryCacheTTL)
	assert.Equal(t, time.Minute, cfg.ReconcileEvery)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MF_DATABASE_URL", "postgres://db/meterflow")
	t.Setenv("MF_JWT_SECRET", "secret")
	t.Setenv("MF_HTTP_ADDR", ":9090")
	t.Setenv("MF_REDIS_ADDR", "redis:6379")
	t.Setenv("MF_SUMMARY_CACHE_TTL", "30s")
	t.Setenv("MF_CORS_ORIGINS", "https://app.example.com,https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.SummaryCacheTTL)
	assert.Len(t, cfg.CORSOrigins, 2)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("MF_DATABASE_URL", "postgres://db/meterflow")
	t.Setenv("MF_JWT_SECRET", "secret")
	t.Setenv("MF_SUMMARY_CACHE_TTL", "not-a-duration")

	_, err := Load()
	assert.Error(t, err)
}
