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

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// SQLStore implements Store on top of sqlx. The same query set serves both
// dialects; placeholders are rebound per driver and the schemas only differ
// in key/JSON column types handled by the migrations.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenPostgres connects to PostgreSQL via the pgx stdlib driver and runs
// the embedded migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := migrate(db, goose.DialectPostgres, "migrations/postgres"); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("postgres store initialized")
	return &SQLStore{db: db, logger: logger}, nil
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// runs the embedded migrations. Pass ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path+"?_loc=UTC&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent appends.
	db.SetMaxOpenConns(1)
	if err := migrate(db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite store initialized", zap.String("path", path))
	return &SQLStore{db: db, logger: logger}, nil
}

func migrate(db *sqlx.DB, dialect goose.Dialect, dir string) error {
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("resolving migration directory: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db.DB, sub)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// LogPrediction appends one served prediction. Features are serialized to
// the JSON column; a pre-populated FeaturesJSON wins over Features.
func (s *SQLStore) LogPrediction(ctx context.Context, rec *PredictionRecord) error {
	payload := rec.FeaturesJSON
	if payload == "" {
		raw, err := json.Marshal(rec.Features)
		if err != nil {
			return fmt.Errorf("encoding features: %w", err)
		}
		payload = string(raw)
	}

	query := s.db.Rebind(`
		INSERT INTO predictions (features, prediction, probability, true_label, model_version, service_id)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		payload, rec.Prediction, rec.Probability, rec.TrueLabel, rec.ModelVersion, rec.ServiceID); err != nil {
		return fmt.Errorf("inserting prediction: %w", err)
	}
	return nil
}

// LogDriftEvent appends the outcome of one drift check.
func (s *SQLStore) LogDriftEvent(ctx context.Context, ev *DriftEvent) error {
	affected := ev.AffectedJSON
	if affected == "" {
		raw, err := json.Marshal(ev.AffectedFeatures)
		if err != nil {
			return fmt.Errorf("encoding affected features: %w", err)
		}
		affected = string(raw)
	}
	metrics := ev.MetricsJSON
	if metrics == "" {
		metrics = "{}"
	}

	query := s.db.Rebind(`
		INSERT INTO drift_events (drift_detected, drift_score, affected_features, drift_metrics, action_taken)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		ev.DriftDetected, ev.DriftScore, affected, metrics, ev.ActionTaken); err != nil {
		return fmt.Errorf("inserting drift event: %w", err)
	}
	s.logger.Info("drift event logged",
		zap.Bool("drift_detected", ev.DriftDetected),
		zap.String("action", ev.ActionTaken))
	return nil
}

// LogTrainingJob upserts the row for job.JobID. The job_id column is
// UNIQUE, so the started -> completed/failed transition updates in place.
func (s *SQLStore) LogTrainingJob(ctx context.Context, job *TrainingJob) error {
	var accuracy, f1, precision, recall, trainingTime *float64
	var samples *int
	if m := job.Metrics; m != nil {
		accuracy, f1 = &m.Accuracy, &m.F1Score
		precision, recall = &m.Precision, &m.Recall
		trainingTime = &m.TrainingTime
		samples = &m.SamplesCount
	}

	query := s.db.Rebind(`
		INSERT INTO training_jobs
			(job_id, status, accuracy, f1_score, precision_score, recall_score,
			 training_time, samples_count, model_version, trigger_reason, mlflow_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			status = excluded.status,
			accuracy = excluded.accuracy,
			f1_score = excluded.f1_score,
			precision_score = excluded.precision_score,
			recall_score = excluded.recall_score,
			training_time = excluded.training_time,
			samples_count = excluded.samples_count,
			model_version = excluded.model_version,
			trigger_reason = excluded.trigger_reason,
			mlflow_run_id = excluded.mlflow_run_id`)
	if _, err := s.db.ExecContext(ctx, query,
		job.JobID, job.Status, accuracy, f1, precision, recall,
		trainingTime, samples, nullable(job.ModelVersion), nullable(job.TriggerReason),
		nullable(job.TrackingRunID)); err != nil {
		return fmt.Errorf("upserting training job: %w", err)
	}
	s.logger.Info("training job logged",
		zap.String("job_id", job.JobID),
		zap.String("status", job.Status))
	return nil
}

// RegisterModel appends a registry entry. The deployed flag is never set
// here; promotion goes through DeployModel.
func (s *SQLStore) RegisterModel(ctx context.Context, entry *ModelRegistryEntry) error {
	metrics := entry.MetricsJSON
	if metrics == "" {
		metrics = "{}"
	}
	status := entry.Status
	if status == "" {
		status = ModelStatusTrained
	}

	query := s.db.Rebind(`
		INSERT INTO model_registry (model_version, model_path, metrics, status, deployed)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		entry.ModelVersion, entry.ModelPath, metrics, status, false); err != nil {
		return fmt.Errorf("registering model %s: %w", entry.ModelVersion, err)
	}
	s.logger.Info("model registered", zap.String("model_version", entry.ModelVersion))
	return nil
}

// DeployModel promotes modelVersion in a single transaction: the target row
// gets deployed = true / status = active, every other row is undeployed and
// reverted to trained.
func (s *SQLStore) DeployModel(ctx context.Context, modelVersion string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning deploy transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE model_registry SET deployed = ?, status = ? WHERE model_version = ?`),
		true, ModelStatusActive, modelVersion)
	if err != nil {
		return fmt.Errorf("deploying model %s: %w", modelVersion, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deploying model %s: %w", modelVersion, err)
	}
	if affected == 0 {
		return fmt.Errorf("deploying model %s: %w", modelVersion, ErrModelNotFound)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE model_registry SET deployed = ?, status = ? WHERE model_version <> ?`),
		false, ModelStatusTrained, modelVersion); err != nil {
		return fmt.Errorf("undeploying previous models: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing deploy of %s: %w", modelVersion, err)
	}
	s.logger.Info("model deployed", zap.String("model_version", modelVersion))
	return nil
}

// ActiveModel returns the deployed registry row.
func (s *SQLStore) ActiveModel(ctx context.Context) (*ModelRegistryEntry, error) {
	var entry ModelRegistryEntry
	query := s.db.Rebind(`
		SELECT id, timestamp, model_version, model_path, metrics, status, deployed
		FROM model_registry
		WHERE deployed = ?
		ORDER BY timestamp DESC
		LIMIT 1`)
	if err := s.db.GetContext(ctx, &entry, query, true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveModel
		}
		return nil, fmt.Errorf("querying active model: %w", err)
	}
	return &entry, nil
}

// RecentPredictions returns up to limit predictions, newest first, with the
// features column decoded.
func (s *SQLStore) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	var rows []PredictionRecord
	query := s.db.Rebind(`
		SELECT id, timestamp, features, prediction, probability, true_label, model_version, service_id
		FROM predictions
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("querying recent predictions: %w", err)
	}
	for i := range rows {
		if rows[i].FeaturesJSON == "" {
			continue
		}
		if err := json.Unmarshal([]byte(rows[i].FeaturesJSON), &rows[i].Features); err != nil {
			return nil, fmt.Errorf("decoding features of prediction %d: %w", rows[i].ID, err)
		}
	}
	return rows, nil
}

// TrainingJobByID returns the row for jobID.
func (s *SQLStore) TrainingJobByID(ctx context.Context, jobID string) (*TrainingJob, error) {
	var row struct {
		ID            int64     `db:"id"`
		Timestamp     time.Time `db:"timestamp"`
		JobID         string    `db:"job_id"`
		Status        string    `db:"status"`
		Accuracy      *float64  `db:"accuracy"`
		F1Score       *float64  `db:"f1_score"`
		Precision     *float64  `db:"precision_score"`
		Recall        *float64  `db:"recall_score"`
		TrainingTime  *float64  `db:"training_time"`
		SamplesCount  *int      `db:"samples_count"`
		ModelVersion  *string   `db:"model_version"`
		TriggerReason *string   `db:"trigger_reason"`
		TrackingRunID *string   `db:"mlflow_run_id"`
	}
	query := s.db.Rebind(`
		SELECT id, timestamp, job_id, status, accuracy, f1_score, precision_score,
		       recall_score, training_time, samples_count, model_version,
		       trigger_reason, mlflow_run_id
		FROM training_jobs
		WHERE job_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		return nil, fmt.Errorf("querying training job %s: %w", jobID, err)
	}

	job := &TrainingJob{
		ID:        row.ID,
		Timestamp: row.Timestamp,
		JobID:     row.JobID,
		Status:    row.Status,
	}
	if row.ModelVersion != nil {
		job.ModelVersion = *row.ModelVersion
	}
	if row.TriggerReason != nil {
		job.TriggerReason = *row.TriggerReason
	}
	if row.TrackingRunID != nil {
		job.TrackingRunID = *row.TrackingRunID
	}
	if row.Accuracy != nil {
		job.Metrics = &TrainingMetrics{
			Accuracy:     *row.Accuracy,
			F1Score:      deref(row.F1Score),
			Precision:    deref(row.Precision),
			Recall:       deref(row.Recall),
			TrainingTime: deref(row.TrainingTime),
		}
		if row.SamplesCount != nil {
			job.Metrics.SamplesCount = *row.SamplesCount
		}
	}
	return job, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// ModelCount reports how many models have been registered.
func (s *SQLStore) ModelCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM model_registry"); err != nil {
		return 0, fmt.Errorf("counting models: %w", err)
	}
	return count, nil
}

// StoreFeatures writes one row per feature for the entity in a single
// transaction.
func (s *SQLStore) StoreFeatures(ctx context.Context, entityID, group string, features map[string]float64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning feature write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := s.db.Rebind(`
		INSERT INTO feature_store (feature_name, feature_value, entity_id, feature_group)
		VALUES (?, ?, ?, ?)`)
	for name, value := range features {
		if _, err := tx.ExecContext(ctx, query, name, value, entityID, group); err != nil {
			return fmt.Errorf("inserting feature %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// GetFeatures returns the latest value per feature name for the entity.
func (s *SQLStore) GetFeatures(ctx context.Context, entityID, group string) (map[string]float64, error) {
	type featureValue struct {
		Name  string  `db:"feature_name"`
		Value float64 `db:"feature_value"`
	}
	var rows []featureValue
	query := s.db.Rebind(`
		SELECT feature_name, feature_value
		FROM feature_store
		WHERE entity_id = ? AND feature_group = ?
		ORDER BY timestamp DESC, id DESC`)
	if err := s.db.SelectContext(ctx, &rows, query, entityID, group); err != nil {
		return nil, fmt.Errorf("querying features for %s: %w", entityID, err)
	}

	features := make(map[string]float64, len(rows))
	for _, row := range rows {
		if _, seen := features[row.Name]; !seen {
			features[row.Name] = row.Value
		}
	}
	return features, nil
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

var _ Store = (*SQLStore)(nil)
