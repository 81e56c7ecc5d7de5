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

// Package tracking is the experiment-tracking sink the retraining worker
// reports runs to. The default implementation records runs to the service
// log; a real tracking backend plugs in behind the same interface.
package tracking

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run terminal statuses.
const (
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// Tracker records training runs.
type Tracker interface {
	// StartRun opens a run and returns its id.
	StartRun(name string) string
	LogParams(runID string, params map[string]any)
	LogMetrics(runID string, metrics map[string]float64)
	EndRun(runID, status string)
}

// LogTracker writes runs to the structured log.
type LogTracker struct {
	logger *zap.Logger
}

// NewLogTracker builds a log-backed tracker.
func NewLogTracker(logger *zap.Logger) *LogTracker {
	return &LogTracker{logger: logger}
}

// StartRun opens a run under a fresh UUID.
func (t *LogTracker) StartRun(name string) string {
	runID := uuid.NewString()
	t.logger.Info("tracking run started",
		zap.String("run_id", runID),
		zap.String("run_name", name))
	return runID
}

// LogParams records run parameters.
func (t *LogTracker) LogParams(runID string, params map[string]any) {
	t.logger.Debug("tracking params",
		zap.String("run_id", runID),
		zap.Any("params", params))
}

// LogMetrics records run metrics.
func (t *LogTracker) LogMetrics(runID string, metrics map[string]float64) {
	t.logger.Info("tracking metrics",
		zap.String("run_id", runID),
		zap.Any("metrics", metrics))
}

// EndRun closes a run.
func (t *LogTracker) EndRun(runID, status string) {
	t.logger.Info("tracking run ended",
		zap.String("run_id", runID),
		zap.String("status", status))
}

var _ Tracker = (*LogTracker)(nil)
