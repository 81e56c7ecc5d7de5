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

// Package prediction serves classifications from the deployed model. The
// model lives behind an atomic pointer: requests read it once and keep
// that snapshot for the whole call, so promotion never swaps a model
// mid-request. Audit writes to the store sit behind a circuit breaker and
// degrade to log-only when the store is unreachable.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/driftwatch/pkg/datastore"
	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/mlmodel"
	"github.com/jordigilh/driftwatch/pkg/queue"
)

// ServiceID tags persisted prediction records.
const ServiceID = "prediction_service"

// Prediction errors.
var (
	ErrNoModel      = errors.New("prediction: no model available")
	ErrInvalidShape = errors.New("prediction: invalid input shape")
)

const activeModelTTL = time.Hour

type loadedModel struct {
	model   mlmodel.Classifier
	version string
	path    string
}

// Result is the outcome of one Predict call. Rows correspond positionally
// to the input; every row was produced by ModelVersion.
type Result struct {
	Predictions    []int
	Probabilities  [][]float64
	PredictionTime float64
	ModelVersion   string
	TotalSamples   int
}

// Service is the prediction engine.
type Service struct {
	store   datastore.Store
	queues  *queue.Client
	logger  *zap.Logger
	metrics *metrics.Prediction

	handle    atomic.Pointer[loadedModel]
	loadGroup singleflight.Group
	breaker   *gobreaker.CircuitBreaker
}

// NewService builds the prediction service. Call ReloadModel (or rely on
// the lazy load of the first Predict) to populate the model handle.
func NewService(store datastore.Store, queues *queue.Client, m *metrics.Prediction, logger *zap.Logger) *Service {
	s := &Service{store: store, queues: queues, metrics: m, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "prediction-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// ModelLoaded reports whether a model is resident.
func (s *Service) ModelLoaded() bool { return s.handle.Load() != nil }

// ModelVersion returns the resident model's version, empty when unloaded.
func (s *Service) ModelVersion() string {
	if lm := s.handle.Load(); lm != nil {
		return lm.version
	}
	return ""
}

// Predict classifies every row of X with a consistent model snapshot: one
// handle read serves the whole call, so the returned ModelVersion produced
// every row even if a promotion lands mid-call.
func (s *Service) Predict(ctx context.Context, X [][]float64) (*Result, error) {
	if err := validateMatrix(X); err != nil {
		return nil, err
	}

	lm, err := s.currentOrLoad(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	predictions, err := lm.model.Predict(X)
	if err != nil {
		return nil, err
	}
	probabilities, err := lm.model.PredictProba(X)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	s.metrics.PredictionsServed.Add(float64(len(X)))
	s.metrics.PredictionLatency.Observe(elapsed.Seconds())

	// Audit records are the last step of the path: a cancelled request
	// writes nothing.
	if ctx.Err() == nil {
		s.appendRecords(ctx, X, predictions, probabilities, lm.version)
	}

	s.logger.Info("predictions served",
		zap.Int("samples", len(X)),
		zap.String("model_version", lm.version),
		zap.Duration("elapsed", elapsed))

	return &Result{
		Predictions:    predictions,
		Probabilities:  probabilities,
		PredictionTime: elapsed.Seconds(),
		ModelVersion:   lm.version,
		TotalSamples:   len(X),
	}, nil
}

// PredictBatch chunks X internally to bound memory but is otherwise
// equivalent to Predict; the whole call uses one model snapshot.
func (s *Service) PredictBatch(ctx context.Context, X [][]float64, chunkSize int) (*Result, error) {
	if err := validateMatrix(X); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = 100
	}

	lm, err := s.currentOrLoad(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	predictions := make([]int, 0, len(X))
	probabilities := make([][]float64, 0, len(X))
	for lo := 0; lo < len(X); lo += chunkSize {
		hi := lo + chunkSize
		if hi > len(X) {
			hi = len(X)
		}
		chunk := X[lo:hi]

		preds, err := lm.model.Predict(chunk)
		if err != nil {
			return nil, err
		}
		probs, err := lm.model.PredictProba(chunk)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, preds...)
		probabilities = append(probabilities, probs...)
	}
	elapsed := time.Since(start)

	s.metrics.PredictionsServed.Add(float64(len(X)))
	s.metrics.PredictionLatency.Observe(elapsed.Seconds())

	if ctx.Err() == nil {
		s.appendRecords(ctx, X, predictions, probabilities, lm.version)
	}

	s.logger.Info("batch predictions served",
		zap.Int("samples", len(X)),
		zap.String("model_version", lm.version))

	return &Result{
		Predictions:    predictions,
		Probabilities:  probabilities,
		PredictionTime: elapsed.Seconds(),
		ModelVersion:   lm.version,
		TotalSamples:   len(X),
	}, nil
}

// appendRecords persists one PredictionRecord per row and feeds the drift
// monitor's buffer. Failures degrade to log-only: the response already
// computed stays authoritative.
func (s *Service) appendRecords(ctx context.Context, X [][]float64, predictions []int, probabilities [][]float64, version string) {
	for i := range X {
		rec := &datastore.PredictionRecord{
			Features:     X[i],
			Prediction:   predictions[i],
			Probability:  maxProb(probabilities[i]),
			ModelVersion: version,
			ServiceID:    ServiceID,
		}
		_, err := s.breaker.Execute(func() (any, error) {
			return nil, s.store.LogPrediction(ctx, rec)
		})
		if err != nil {
			s.metrics.StoreAppendFailures.Inc()
			s.logger.Warn("dropping prediction audit record", zap.Error(err))
			break
		}
	}

	served := queue.ServedBatch{
		Features:    X,
		Predictions: predictions,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.queues.Push(ctx, queue.PredictionBuffer, served); err != nil {
		s.logger.Warn("dropping prediction buffer entry", zap.Error(err))
	}
}

// ReloadModel drops the cached model reference and reloads from the
// registry. Idempotent; used after retraining promotes a new version.
func (s *Service) ReloadModel(ctx context.Context) (string, error) {
	if err := s.queues.Delete(ctx, queue.ActiveModelKey); err != nil {
		s.logger.Warn("clearing active_model cache failed", zap.Error(err))
	}

	lm, err := s.loadFromRegistry(ctx)
	if err != nil {
		return "", err
	}
	s.handle.Store(lm)
	s.metrics.ModelReloads.Inc()
	s.logger.Info("model reloaded", zap.String("model_version", lm.version))
	return lm.version, nil
}

// currentOrLoad returns the resident model, performing a deduplicated
// one-shot lazy load when none is resident.
func (s *Service) currentOrLoad(ctx context.Context) (*loadedModel, error) {
	if lm := s.handle.Load(); lm != nil {
		return lm, nil
	}

	v, err, _ := s.loadGroup.Do("load", func() (any, error) {
		if lm := s.handle.Load(); lm != nil {
			return lm, nil
		}
		lm, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		s.handle.Store(lm)
		s.metrics.ModelReloads.Inc()
		return lm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*loadedModel), nil
}

// load resolves the deployed model via the active_model cache, falling
// back to the registry.
func (s *Service) load(ctx context.Context) (*loadedModel, error) {
	var ref queue.ActiveModelRef
	hit, err := s.queues.GetJSON(ctx, queue.ActiveModelKey, &ref)
	if err != nil {
		s.logger.Warn("active_model cache unavailable", zap.Error(err))
	}
	if hit && ref.Path != "" {
		model, err := mlmodel.Load(ref.Path)
		if err == nil {
			s.logger.Info("model loaded from cache reference",
				zap.String("model_version", ref.Version))
			return &loadedModel{model: model, version: ref.Version, path: ref.Path}, nil
		}
		s.logger.Warn("cached model reference is stale",
			zap.String("path", ref.Path), zap.Error(err))
	}

	lm, err := s.loadFromRegistry(ctx)
	if err != nil {
		return nil, err
	}
	if cacheErr := s.queues.SetJSON(ctx, queue.ActiveModelKey,
		queue.ActiveModelRef{Version: lm.version, Path: lm.path}, activeModelTTL); cacheErr != nil {
		s.logger.Warn("caching active model reference failed", zap.Error(cacheErr))
	}
	return lm, nil
}

func (s *Service) loadFromRegistry(ctx context.Context) (*loadedModel, error) {
	entry, err := s.store.ActiveModel(ctx)
	if err != nil {
		if errors.Is(err, datastore.ErrNoActiveModel) {
			return nil, ErrNoModel
		}
		return nil, fmt.Errorf("resolving deployed model: %w", err)
	}

	model, err := mlmodel.Load(entry.ModelPath)
	if err != nil {
		// Artifact load failure: the registry row is ignored and the
		// previously resident model (if any) keeps serving.
		s.logger.Error("deployed model artifact failed to load",
			zap.String("model_version", entry.ModelVersion),
			zap.String("path", entry.ModelPath),
			zap.Error(err))
		if lm := s.handle.Load(); lm != nil {
			return lm, nil
		}
		return nil, ErrNoModel
	}

	return &loadedModel{model: model, version: entry.ModelVersion, path: entry.ModelPath}, nil
}

func validateMatrix(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("empty feature matrix: %w", ErrInvalidShape)
	}
	width := len(X[0])
	if width == 0 {
		return fmt.Errorf("empty feature row: %w", ErrInvalidShape)
	}
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, row 0 has %d: %w",
				i, len(row), width, ErrInvalidShape)
		}
	}
	return nil
}

func maxProb(probs []float64) float64 {
	var best float64
	for _, p := range probs {
		if p > best {
			best = p
		}
	}
	return best
}
