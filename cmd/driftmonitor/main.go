/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The drift monitor periodically compares served traffic against the
// reference snapshot and triggers retraining when the distribution shifts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/driftwatch/internal/config"
	"github.com/jordigilh/driftwatch/pkg/datastore"
	"github.com/jordigilh/driftwatch/pkg/drift"
	"github.com/jordigilh/driftwatch/pkg/driftmonitor"
	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/queue"
	"github.com/jordigilh/driftwatch/pkg/shared/httpserve"
	"github.com/jordigilh/driftwatch/pkg/shared/logging"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "driftmonitor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("driftmonitor", cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	queues := queue.NewClient(queue.Options{
		Addr:   cfg.Redis.Addr(),
		DB:     cfg.Redis.DB,
		MaxLen: int64(10 * cfg.Drift.WindowSize),
	}, logger)
	defer queues.Close()

	if err := queues.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	reg := prometheus.NewRegistry()
	detector := drift.NewDetector(cfg.Drift.Threshold, logger)
	monitor := driftmonitor.NewMonitor(detector, queues, store, driftmonitor.Config{
		WindowSize:    cfg.Drift.WindowSize,
		MinSamples:    cfg.Drift.MinSamples,
		CheckInterval: cfg.Drift.CheckInterval,
	}, metrics.NewMonitor(reg), logger)
	handler := driftmonitor.NewHandler(monitor, logger)

	addr := fmt.Sprintf(":%d", cfg.Service.DriftMonitorPort)
	logger.Info("starting drift monitor", zap.String("addr", addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpserve.Run(gctx, addr, handler.Router(reg), logger) })
	g.Go(func() error { return monitor.Run(gctx) })
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (datastore.Store, error) {
	if cfg.Database.UsePostgres {
		return datastore.OpenPostgres(ctx, cfg.Database.DSN(), logger)
	}
	return datastore.OpenSQLite(ctx, cfg.Database.SQLitePath, logger)
}
