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

package datastore

import "time"

// Training job status values.
const (
	JobStarted   = "started"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Training trigger reasons.
const (
	TriggerManual        = "manual"
	TriggerDriftDetected = "drift_detected"
)

// Model registry status values.
const (
	ModelStatusTrained = "trained"
	ModelStatusActive  = "active"
)

// Drift event actions.
const (
	ActionNone                = "none"
	ActionRetrainingTriggered = "retraining_triggered"
)

// PredictionRecord is one served prediction, persisted for auditing and
// cross-generation analysis. Features are stored as a JSON array.
type PredictionRecord struct {
	ID           int64     `db:"id"`
	Timestamp    time.Time `db:"timestamp"`
	Features     []float64 `db:"-"`
	FeaturesJSON string    `db:"features"`
	Prediction   int       `db:"prediction"`
	Probability  float64   `db:"probability"`
	TrueLabel    *int      `db:"true_label"`
	ModelVersion string    `db:"model_version"`
	ServiceID    string    `db:"service_id"`
}

// DriftEvent is the outcome of one drift check.
type DriftEvent struct {
	ID               int64     `db:"id"`
	Timestamp        time.Time `db:"timestamp"`
	DriftDetected    bool      `db:"drift_detected"`
	DriftScore       float64   `db:"drift_score"`
	AffectedFeatures []string  `db:"-"`
	AffectedJSON     string    `db:"affected_features"`
	MetricsJSON      string    `db:"drift_metrics"`
	ActionTaken      string    `db:"action_taken"`
}

// TrainingMetrics is the metric set the trainer reports for one fit.
type TrainingMetrics struct {
	Accuracy     float64 `json:"accuracy"`
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
	F1Score      float64 `json:"f1_score"`
	CVMean       float64 `json:"cv_mean"`
	CVStd        float64 `json:"cv_std"`
	TrainingTime float64 `json:"training_time"`
	SamplesCount int     `json:"samples_count"`
}

// TrainingJob is one row in training_jobs, keyed by JobID. Successive
// status transitions for the same job upsert the row.
type TrainingJob struct {
	ID            int64            `db:"id"`
	Timestamp     time.Time        `db:"timestamp"`
	JobID         string           `db:"job_id"`
	Status        string           `db:"status"`
	Metrics       *TrainingMetrics `db:"-"`
	ModelVersion  string           `db:"model_version"`
	TriggerReason string           `db:"trigger_reason"`
	TrackingRunID string           `db:"mlflow_run_id"`
}

// ModelRegistryEntry is one registered model artifact. At most one row has
// Deployed set at any instant; DeployModel enforces this transactionally.
type ModelRegistryEntry struct {
	ID           int64     `db:"id"`
	Timestamp    time.Time `db:"timestamp"`
	ModelVersion string    `db:"model_version"`
	ModelPath    string    `db:"model_path"`
	MetricsJSON  string    `db:"metrics"`
	Status       string    `db:"status"`
	Deployed     bool      `db:"deployed"`
}

// FeatureRow is one feature value for an entity in the feature store.
type FeatureRow struct {
	ID           int64     `db:"id"`
	Timestamp    time.Time `db:"timestamp"`
	FeatureName  string    `db:"feature_name"`
	FeatureValue float64   `db:"feature_value"`
	EntityID     string    `db:"entity_id"`
	FeatureGroup string    `db:"feature_group"`
}
