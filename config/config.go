// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package config loads service configuration from the environment and
// optional YAML seed files for plans and pricing.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration for the metering service
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	DatabaseURL     string        `envconfig:"DATABASE_URL" required:"true"`
	MigrationsOnly  bool          `envconfig:"MIGRATIONS_ONLY" default:"false"`
	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	JWTSecret       string        `envconfig:"JWT_SECRET" required:"true"`
	SummaryCacheTTL time.Duration `envconfig:"SUMMARY_CACHE_TTL" default:"15s"`
	ReconcileEvery  time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	SeedFile        string        `envconfig:"SEED_FILE"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	InstanceID      string        `envconfig:"INSTANCE_ID"`
}

// Load reads configuration from MF_-prefixed environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("mf", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
