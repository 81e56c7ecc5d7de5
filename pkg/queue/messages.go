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

package queue

import (
	"encoding/json"
	"time"
)

// Batch is the data_queue message: one ingested batch of labelled or
// unlabelled samples. Labels, when present, parallel Features row-wise.
type Batch struct {
	Features  [][]float64 `json:"features"`
	Labels    []int       `json:"labels,omitempty"`
	BatchID   string      `json:"batch_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StreamSample is the stream_queue message: one telemetry sample.
type StreamSample struct {
	Features  []float64 `json:"features"`
	Label     *int      `json:"label,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServedBatch is the prediction_buffer message: the features and outputs of
// one Predict call, consumed by the drift monitor.
type ServedBatch struct {
	Features    [][]float64 `json:"features"`
	Predictions []int       `json:"predictions"`
	Timestamp   time.Time   `json:"timestamp"`
}

// RetrainJob is the retraining_queue message.
type RetrainJob struct {
	Trigger      string          `json:"trigger"`
	DriftMetrics json.RawMessage `json:"drift_metrics,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ActiveModelRef is the active_model cache value: the version and artifact
// path of the deployed model.
type ActiveModelRef struct {
	Version string `json:"version"`
	Path    string `json:"path"`
}

// ModelUpdate is the model_update cache value published after a successful
// retrain; the prediction service polls it to trigger reloads.
type ModelUpdate struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// ReferenceData is the reference_data cache value: the feature matrix the
// drift monitor compares served traffic against. The retraining worker
// re-anchors it to each new model's training set.
type ReferenceData struct {
	Features  [][]float64 `json:"features"`
	Timestamp time.Time   `json:"timestamp"`
}
