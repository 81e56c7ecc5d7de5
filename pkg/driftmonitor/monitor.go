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

// Package driftmonitor runs the periodic drift check loop. Each tick it
// drains recently served predictions from the prediction buffer into a
// sliding window, compares the window against the reference snapshot and
// persists the outcome. Overall drift enqueues a retraining job.
package driftmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/datastore"
	"github.com/jordigilh/driftwatch/pkg/drift"
	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/queue"
)

// ErrNotEnoughSamples means the window has fewer samples than the
// configured minimum; the check is skipped, not failed.
var ErrNotEnoughSamples = errors.New("driftmonitor: not enough samples in window")

// Config tunes the monitor loop.
type Config struct {
	WindowSize    int
	MinSamples    int
	CheckInterval time.Duration
}

// Status is a point-in-time snapshot of the monitor for /drift/status.
type Status struct {
	ReferenceLoaded bool          `json:"reference_loaded"`
	WindowSamples   int           `json:"window_samples"`
	ChecksRun       int64         `json:"checks_run"`
	LastCheck       *time.Time    `json:"last_check,omitempty"`
	LastReport      *drift.Report `json:"last_report,omitempty"`
}

// Monitor owns the detector and the sliding sample window.
type Monitor struct {
	detector *drift.Detector
	queues   *queue.Client
	store    datastore.Store
	metrics  *metrics.Monitor
	logger   *zap.Logger
	cfg      Config

	// mu serializes checks from the ticker loop and the HTTP handler; it
	// also guards the detector, which is not safe for concurrent use.
	mu         sync.Mutex
	window     [][]float64
	checksRun  int64
	lastCheck  time.Time
	lastReport *drift.Report
}

// NewMonitor builds a drift monitor.
func NewMonitor(detector *drift.Detector, queues *queue.Client, store datastore.Store, cfg Config, m *metrics.Monitor, logger *zap.Logger) *Monitor {
	return &Monitor{
		detector: detector,
		queues:   queues,
		store:    store,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run executes the check loop until ctx is cancelled. Individual check
// failures are logged and the loop continues.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("drift monitor started",
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Int("window_size", m.cfg.WindowSize),
		zap.Int("min_samples", m.cfg.MinSamples))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.RunCheck(ctx); err != nil {
				switch {
				case errors.Is(err, drift.ErrNoReference):
					m.metrics.ChecksSkipped.WithLabelValues("no_reference").Inc()
					m.logger.Debug("drift check skipped, no reference data yet")
				case errors.Is(err, ErrNotEnoughSamples):
					m.metrics.ChecksSkipped.WithLabelValues("insufficient_samples").Inc()
					m.logger.Debug("drift check skipped", zap.Error(err))
				default:
					m.logger.Error("drift check failed", zap.Error(err))
				}
			}
		}
	}
}

// RunCheck performs one drift check: refresh the reference if absent,
// drain the prediction buffer into the window, test, persist, and enqueue
// retraining when overall drift is declared.
func (m *Monitor) RunCheck(ctx context.Context) (*drift.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.detector.HasReference() {
		if err := m.loadReference(ctx); err != nil {
			return nil, err
		}
	}

	if err := m.fillWindow(ctx); err != nil {
		return nil, err
	}
	if len(m.window) < m.cfg.MinSamples {
		return nil, fmt.Errorf("%d of %d required samples: %w",
			len(m.window), m.cfg.MinSamples, ErrNotEnoughSamples)
	}

	start := time.Now()
	report, err := m.detector.Detect(m.window)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	m.metrics.ChecksTotal.Inc()
	m.metrics.CheckDuration.Observe(elapsed.Seconds())
	m.metrics.SamplesEvaluated.Add(float64(len(m.window)))
	m.checksRun++
	m.lastCheck = time.Now().UTC()
	m.lastReport = report

	action := datastore.ActionNone
	if report.OverallDrift {
		action = datastore.ActionRetrainingTriggered
	}
	if err := m.persistEvent(ctx, report, action); err != nil {
		m.logger.Warn("persisting drift event failed", zap.Error(err))
	}

	m.logger.Info("drift check complete",
		zap.Bool("overall_drift", report.OverallDrift),
		zap.Int("features_with_drift", report.Summary.FeaturesWithDrift),
		zap.Int("samples", len(m.window)),
		zap.Duration("elapsed", elapsed))

	if report.OverallDrift {
		m.metrics.DriftDetected.Inc()
		if err := m.enqueueRetraining(ctx, report); err != nil {
			m.logger.Error("enqueueing retraining job failed", zap.Error(err))
		} else {
			// A triggered window has served its purpose; start fresh so
			// the same samples cannot re-trigger next tick.
			m.window = nil
		}
	}
	return report, nil
}

// ResetReference drops the in-memory reference so the next check reloads
// it from the cache. Called when retraining re-anchors the snapshot.
func (m *Monitor) ResetReference(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadReference(ctx)
}

// Snapshot returns the current monitor status.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		ReferenceLoaded: m.detector.HasReference(),
		WindowSamples:   len(m.window),
		ChecksRun:       m.checksRun,
		LastReport:      m.lastReport,
	}
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		st.LastCheck = &t
	}
	return st
}

// loadReference installs the reference snapshot from the cache. Caller
// holds m.mu.
func (m *Monitor) loadReference(ctx context.Context) error {
	var ref queue.ReferenceData
	hit, err := m.queues.GetJSON(ctx, queue.ReferenceDataKey, &ref)
	if err != nil {
		return fmt.Errorf("loading reference data: %w", err)
	}
	if !hit || len(ref.Features) == 0 {
		return drift.ErrNoReference
	}
	if err := m.detector.SetReference(ref.Features, nil); err != nil {
		return fmt.Errorf("installing reference data: %w", err)
	}
	return nil
}

// fillWindow drains the prediction buffer into the sliding window and
// trims it to the newest WindowSize samples. Caller holds m.mu.
func (m *Monitor) fillWindow(ctx context.Context) error {
	for {
		var batch queue.ServedBatch
		ok, err := m.queues.Pop(ctx, queue.PredictionBuffer, &batch)
		if err != nil {
			return fmt.Errorf("draining prediction buffer: %w", err)
		}
		if !ok {
			break
		}
		m.window = append(m.window, batch.Features...)
	}
	if excess := len(m.window) - m.cfg.WindowSize; excess > 0 {
		m.window = m.window[excess:]
	}
	return nil
}

func (m *Monitor) persistEvent(ctx context.Context, report *drift.Report, action string) error {
	metricsJSON, err := json.Marshal(report.Features)
	if err != nil {
		return fmt.Errorf("encoding drift metrics: %w", err)
	}
	affected := report.AffectedFeatures(m.detector.FeatureNames())
	affectedJSON, err := json.Marshal(affected)
	if err != nil {
		return fmt.Errorf("encoding affected features: %w", err)
	}

	return m.store.LogDriftEvent(ctx, &datastore.DriftEvent{
		DriftDetected:    report.OverallDrift,
		DriftScore:       report.Score(),
		AffectedFeatures: affected,
		AffectedJSON:     string(affectedJSON),
		MetricsJSON:      string(metricsJSON),
		ActionTaken:      action,
	})
}

func (m *Monitor) enqueueRetraining(ctx context.Context, report *drift.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding drift report: %w", err)
	}
	job := queue.RetrainJob{
		Trigger:      datastore.TriggerDriftDetected,
		DriftMetrics: payload,
		Timestamp:    time.Now().UTC(),
	}
	if err := m.queues.Push(ctx, queue.RetrainingQueue, job); err != nil {
		return err
	}
	m.logger.Info("retraining job enqueued",
		zap.String("trigger", datastore.TriggerDriftDetected),
		zap.Float64("drift_score", report.Score()))
	return nil
}
