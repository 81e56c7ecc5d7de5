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

// The ingestion service accepts training data over HTTP and enqueues it
// for the retraining worker.
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

	"github.com/jordigilh/driftwatch/internal/config"
	"github.com/jordigilh/driftwatch/pkg/ingestion"
	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/queue"
	"github.com/jordigilh/driftwatch/pkg/shared/httpserve"
	"github.com/jordigilh/driftwatch/pkg/shared/logging"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "ingestion: %v\n", err)
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

	logger, err := logging.NewLogger("ingestion", cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	svc := ingestion.NewService(queues, metrics.NewIngestion(reg), logger)
	handler := ingestion.NewHandler(svc, logger)

	addr := fmt.Sprintf(":%d", cfg.Service.IngestionPort)
	logger.Info("starting ingestion service", zap.String("addr", addr))
	return httpserve.Run(ctx, addr, handler.Router(reg), logger)
}
