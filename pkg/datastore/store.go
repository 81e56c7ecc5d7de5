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

// Package datastore persists the pipeline's durable records: served
// predictions, drift events, training jobs, the model registry and the
// feature store. Two adapters share one sqlx implementation: PostgreSQL
// (pgx) and SQLite (mattn). Schema management is goose migrations embedded
// per dialect.
package datastore

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Store implementations.
var (
	// ErrNoActiveModel means no registry row is marked deployed.
	ErrNoActiveModel = errors.New("datastore: no deployed model in registry")
	// ErrModelNotFound means the referenced model_version is not registered.
	ErrModelNotFound = errors.New("datastore: model version not found")
)

// Store is the persistence contract the pipeline core depends on.
// All writes are single-statement commits except DeployModel, which must
// flip the deployed flags of the old and new rows in one transaction.
type Store interface {
	// LogPrediction appends one served prediction.
	LogPrediction(ctx context.Context, rec *PredictionRecord) error
	// LogDriftEvent appends the outcome of one drift check.
	LogDriftEvent(ctx context.Context, ev *DriftEvent) error
	// LogTrainingJob upserts the row for ev.JobID so status transitions
	// (started -> completed/failed) land on a single row.
	LogTrainingJob(ctx context.Context, job *TrainingJob) error
	// RegisterModel appends a registry entry with deployed = false.
	RegisterModel(ctx context.Context, entry *ModelRegistryEntry) error
	// DeployModel atomically undeploys the current model and deploys the
	// named version. Returns ErrModelNotFound for unknown versions.
	// Idempotent: redeploying the deployed version is a no-op.
	DeployModel(ctx context.Context, modelVersion string) error
	// ActiveModel returns the single deployed registry row, or
	// ErrNoActiveModel.
	ActiveModel(ctx context.Context) (*ModelRegistryEntry, error)
	// RecentPredictions returns up to limit predictions, newest first.
	RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error)
	// TrainingJobByID returns the row for jobID, or sql.ErrNoRows wrapped.
	TrainingJobByID(ctx context.Context, jobID string) (*TrainingJob, error)

	// ModelCount reports how many models have been registered.
	ModelCount(ctx context.Context) (int, error)

	// StoreFeatures writes one row per feature for the entity.
	StoreFeatures(ctx context.Context, entityID, group string, features map[string]float64) error
	// GetFeatures returns the latest value per feature name for the entity.
	GetFeatures(ctx context.Context, entityID, group string) (map[string]float64, error)

	Ping(ctx context.Context) error
	Close() error
}
