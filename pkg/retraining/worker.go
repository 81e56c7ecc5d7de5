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

// Package retraining consumes retraining jobs, fits a fresh model on the
// queued training data and promotes it. Promotion is the commit point: the
// artifact is written and registered first, then DeployModel flips the
// deployed flags in one transaction, and only then do the cache keys
// announce the new version. A failed fit leaves the registry untouched.
package retraining

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/datastore"
	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/mlmodel"
	"github.com/jordigilh/driftwatch/pkg/queue"
	"github.com/jordigilh/driftwatch/pkg/tracking"
)

// ErrNoLabelledData means the data queues held no labelled samples to
// train on; the job fails without touching the registry.
var ErrNoLabelledData = errors.New("retraining: no labelled training data available")

const (
	defaultPollInterval = 10 * time.Second
	activeModelTTL      = time.Hour
)

// Config tunes the worker.
type Config struct {
	ModelsDir    string
	WindowSize   int
	PollInterval time.Duration
	Hyperparams  mlmodel.TrainerConfig
}

// Worker is the retraining job consumer.
type Worker struct {
	store   datastore.Store
	queues  *queue.Client
	trainer mlmodel.Trainer
	tracker tracking.Tracker
	metrics *metrics.Worker
	logger  *zap.Logger
	cfg     Config

	jobsProcessed atomic.Int64
}

// NewWorker builds a retraining worker.
func NewWorker(store datastore.Store, queues *queue.Client, trainer mlmodel.Trainer, tracker tracking.Tracker, cfg Config, m *metrics.Worker, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Worker{
		store:   store,
		queues:  queues,
		trainer: trainer,
		tracker: tracker,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
}

// JobsProcessed reports how many jobs this worker has picked up.
func (w *Worker) JobsProcessed() int64 { return w.jobsProcessed.Load() }

// Run polls the retraining queue until ctx is cancelled. Job failures are
// recorded and the loop continues.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("retraining worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("window_size", w.cfg.WindowSize))

	for {
		var job queue.RetrainJob
		ok, err := w.queues.Pop(ctx, queue.RetrainingQueue, &job)
		if err != nil {
			w.logger.Error("polling retraining queue failed", zap.Error(err))
			ok = false
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.jobsProcessed.Add(1)
		if _, err := w.Process(ctx, job); err != nil {
			w.logger.Error("retraining job failed",
				zap.String("trigger", job.Trigger),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// EnqueueManual pushes a manually triggered retraining job.
func (w *Worker) EnqueueManual(ctx context.Context) error {
	job := queue.RetrainJob{
		Trigger:   datastore.TriggerManual,
		Timestamp: time.Now().UTC(),
	}
	if err := w.queues.Push(ctx, queue.RetrainingQueue, job); err != nil {
		return fmt.Errorf("enqueueing manual retraining: %w", err)
	}
	w.logger.Info("manual retraining job enqueued")
	return nil
}

// Process executes one retraining job end to end and returns the promoted
// version on success.
func (w *Worker) Process(ctx context.Context, job queue.RetrainJob) (string, error) {
	jobID := uuid.NewString()
	start := time.Now()

	w.logger.Info("retraining job started",
		zap.String("job_id", jobID),
		zap.String("trigger", job.Trigger))

	if err := w.store.LogTrainingJob(ctx, &datastore.TrainingJob{
		JobID:         jobID,
		Status:        datastore.JobStarted,
		TriggerReason: job.Trigger,
	}); err != nil {
		w.logger.Warn("recording job start failed", zap.Error(err))
	}

	X, y, err := w.collectTrainingData(ctx)
	if err != nil {
		w.failJob(ctx, jobID, job.Trigger, "", err)
		return "", err
	}

	runID := w.tracker.StartRun("retraining_" + jobID)
	w.tracker.LogParams(runID, map[string]any{
		"trigger":       job.Trigger,
		"samples":       len(X),
		"learning_rate": w.cfg.Hyperparams.LearningRate,
		"epochs":        w.cfg.Hyperparams.Epochs,
		"cv_folds":      w.cfg.Hyperparams.CVFolds,
	})

	result, err := w.trainer.Fit(ctx, X, y)
	if err != nil {
		w.tracker.EndRun(runID, tracking.StatusFailed)
		w.failJob(ctx, jobID, job.Trigger, runID, err)
		return "", fmt.Errorf("fitting model: %w", err)
	}

	path := mlmodel.ArtifactPath(w.cfg.ModelsDir, result.Version)
	if err := result.Model.Save(path); err != nil {
		w.tracker.EndRun(runID, tracking.StatusFailed)
		w.failJob(ctx, jobID, job.Trigger, runID, err)
		return "", fmt.Errorf("saving artifact: %w", err)
	}

	metricsJSON, err := json.Marshal(result.Metrics)
	if err != nil {
		metricsJSON = []byte("{}")
	}
	if err := w.store.RegisterModel(ctx, &datastore.ModelRegistryEntry{
		ModelVersion: result.Version,
		ModelPath:    path,
		MetricsJSON:  string(metricsJSON),
		Status:       datastore.ModelStatusTrained,
	}); err != nil {
		w.tracker.EndRun(runID, tracking.StatusFailed)
		w.failJob(ctx, jobID, job.Trigger, runID, err)
		return "", fmt.Errorf("registering model: %w", err)
	}

	if err := w.store.DeployModel(ctx, result.Version); err != nil {
		w.tracker.EndRun(runID, tracking.StatusFailed)
		w.failJob(ctx, jobID, job.Trigger, runID, err)
		return "", fmt.Errorf("promoting model: %w", err)
	}

	w.announce(ctx, result.Version, path, X)

	w.tracker.LogMetrics(runID, map[string]float64{
		"accuracy":      result.Metrics.Accuracy,
		"precision":     result.Metrics.Precision,
		"recall":        result.Metrics.Recall,
		"f1_score":      result.Metrics.F1Score,
		"cv_mean":       result.Metrics.CVMean,
		"cv_std":        result.Metrics.CVStd,
		"training_time": result.Metrics.TrainingTime,
	})
	w.tracker.EndRun(runID, tracking.StatusFinished)

	if err := w.store.LogTrainingJob(ctx, &datastore.TrainingJob{
		JobID:         jobID,
		Status:        datastore.JobCompleted,
		Metrics:       jobMetrics(result.Metrics),
		ModelVersion:  result.Version,
		TriggerReason: job.Trigger,
		TrackingRunID: runID,
	}); err != nil {
		w.logger.Warn("recording job completion failed", zap.Error(err))
	}

	w.metrics.JobsTotal.WithLabelValues(datastore.JobCompleted).Inc()
	w.metrics.TrainingDuration.Observe(time.Since(start).Seconds())

	w.logger.Info("retraining job completed",
		zap.String("job_id", jobID),
		zap.String("model_version", result.Version),
		zap.Float64("accuracy", result.Metrics.Accuracy),
		zap.Duration("elapsed", time.Since(start)))
	return result.Version, nil
}

// collectTrainingData drains labelled samples from the batch and stream
// queues, up to WindowSize rows. Unlabelled entries are dropped with a
// warning; they cannot contribute to a supervised fit.
func (w *Worker) collectTrainingData(ctx context.Context) ([][]float64, []int, error) {
	var X [][]float64
	var y []int
	dropped := 0

	for len(X) < w.cfg.WindowSize {
		var batch queue.Batch
		ok, err := w.queues.Pop(ctx, queue.DataQueue, &batch)
		if err != nil {
			return nil, nil, fmt.Errorf("draining data queue: %w", err)
		}
		if !ok {
			break
		}
		if len(batch.Labels) != len(batch.Features) {
			dropped += len(batch.Features)
			continue
		}
		X = append(X, batch.Features...)
		y = append(y, batch.Labels...)
	}

	for len(X) < w.cfg.WindowSize {
		var sample queue.StreamSample
		ok, err := w.queues.Pop(ctx, queue.StreamQueue, &sample)
		if err != nil {
			return nil, nil, fmt.Errorf("draining stream queue: %w", err)
		}
		if !ok {
			break
		}
		if sample.Label == nil {
			dropped++
			continue
		}
		X = append(X, sample.Features)
		y = append(y, *sample.Label)
	}

	if dropped > 0 {
		w.logger.Warn("dropped unlabelled samples", zap.Int("count", dropped))
	}
	if len(X) == 0 {
		return nil, nil, ErrNoLabelledData
	}
	if len(X) > w.cfg.WindowSize {
		X = X[:w.cfg.WindowSize]
		y = y[:w.cfg.WindowSize]
	}

	w.logger.Info("training data collected", zap.Int("samples", len(X)))
	return X, y, nil
}

// announce publishes the promoted version to the cache keys the other
// services watch, and re-anchors the drift reference to the training set.
// Cache failures are logged only; the registry already holds the truth.
func (w *Worker) announce(ctx context.Context, version, path string, X [][]float64) {
	now := time.Now().UTC()

	if err := w.queues.SetJSON(ctx, queue.ActiveModelKey,
		queue.ActiveModelRef{Version: version, Path: path}, activeModelTTL); err != nil {
		w.logger.Warn("updating active_model cache failed", zap.Error(err))
	}
	if err := w.queues.SetJSON(ctx, queue.ModelUpdateKey,
		queue.ModelUpdate{Version: version, Timestamp: now}, 0); err != nil {
		w.logger.Warn("publishing model update failed", zap.Error(err))
	}
	if err := w.queues.SetJSON(ctx, queue.ReferenceDataKey,
		queue.ReferenceData{Features: X, Timestamp: now}, 0); err != nil {
		w.logger.Warn("re-anchoring reference data failed", zap.Error(err))
	}
}

func (w *Worker) failJob(ctx context.Context, jobID, trigger, runID string, cause error) {
	w.metrics.JobsTotal.WithLabelValues(datastore.JobFailed).Inc()
	if err := w.store.LogTrainingJob(ctx, &datastore.TrainingJob{
		JobID:         jobID,
		Status:        datastore.JobFailed,
		TriggerReason: trigger,
		TrackingRunID: runID,
	}); err != nil {
		w.logger.Warn("recording job failure failed",
			zap.String("job_id", jobID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

func jobMetrics(m mlmodel.Metrics) *datastore.TrainingMetrics {
	return &datastore.TrainingMetrics{
		Accuracy:     m.Accuracy,
		Precision:    m.Precision,
		Recall:       m.Recall,
		F1Score:      m.F1Score,
		CVMean:       m.CVMean,
		CVStd:        m.CVStd,
		TrainingTime: m.TrainingTime,
		SamplesCount: m.SamplesCount,
	}
}
