// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"meterflow/platform/config"
	"meterflow/platform/metering"
	"meterflow/platform/shared/logger"
	"meterflow/platform/store"
)

// run wires the metering service and blocks until shutdown
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.InstanceID != "" {
		os.Setenv("INSTANCE_ID", cfg.InstanceID)
	}
	log := logger.New("meterd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		return err
	}
	log.Info("", "", "database migrated", nil)
	if cfg.MigrationsOnly {
		return nil
	}

	var cache *metering.SummaryCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			// The cache is an optimization; the service runs without it
			log.Warn("", "", "redis unreachable, summary cache disabled", map[string]interface{}{
				"addr": cfg.RedisAddr,
			})
		} else {
			cache = metering.NewSummaryCache(client, cfg.SummaryCacheTTL)
			defer client.Close()
		}
	}

	pricing := metering.NewPricingTable()
	repo := metering.NewPostgresRepository(db)
	service := metering.NewServiceWithOptions(repo, pricing, cache, nil, log)

	if err := service.LoadPricing(ctx); err != nil {
		return err
	}

	if cfg.SeedFile != "" {
		seeds, err := config.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := seeds.ApplyPricing(ctx, service.SetPricing); err != nil {
			return err
		}
		for _, seedPlan := range seeds.Plans {
			plan := seedPlan.Plan()
			if err := service.CreatePlan(ctx, plan); err != nil {
				if err == metering.ErrPlanExists {
					continue
				}
				return fmt.Errorf("failed to seed plan %q: %w", plan.ID, err)
			}
			log.Info("", "", "seeded plan", map[string]interface{}{"plan_id": plan.ID})
		}
	}

	service.StartReconciler(ctx, cfg.ReconcileEvery)

	handler := metering.NewHandler(service, log)
	auth := metering.NewAuthMiddleware(cfg.JWTSecret, log)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", handler.Health).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Handler)
	handler.RegisterAPIRoutes(api)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Provider", "X-Model", "X-Estimated-Tokens"},
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "metering service listening", map[string]interface{}{
			"addr": cfg.HTTPAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("", "", "shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}

	// Drain any queued rebuilds before the process exits
	service.FlushPendingRebuilds(shutdownCtx)
	return nil
}
