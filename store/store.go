// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package store opens and migrates the Postgres database backing the
// metering service.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	pingRetries     = 10
	pingBackoff     = 2 * time.Second
)

// Open connects to Postgres and waits for it to become reachable. Startup
// races with the database container in most deployments, so the first
// pings retry with a fixed backoff.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	var pingErr error
	for i := 0; i < pingRetries; i++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			return db, nil
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(pingBackoff):
		}
	}

	db.Close()
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", pingRetries, pingErr)
}
