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

// Package ingestion accepts feature vectors in batches or one at a time,
// validates their shape and enqueues them for the retraining worker. It is
// a queue adapter: nothing is persisted here, so delivery is at-least-once.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/queue"
)

// ErrInvalidShape rejects empty matrices, ragged rows, rows that disagree
// with the established dimension, and labels that do not parallel features.
var ErrInvalidShape = errors.New("ingestion: invalid input shape")

// Service validates and enqueues incoming data.
type Service struct {
	queues  *queue.Client
	logger  *zap.Logger
	metrics *metrics.Ingestion

	mu  sync.Mutex
	dim int // fixed at first ingestion
}

// NewService builds the ingestion service.
func NewService(queues *queue.Client, m *metrics.Ingestion, logger *zap.Logger) *Service {
	return &Service{queues: queues, metrics: m, logger: logger}
}

// IngestBatch validates the matrix and appends one record to data_queue.
// The enqueue is a single push: either the whole batch lands or none of it
// does. Returns the number of samples accepted.
func (s *Service) IngestBatch(ctx context.Context, features [][]float64, labels []int, batchID string) (int, error) {
	if len(features) == 0 {
		return 0, fmt.Errorf("empty batch: %w", ErrInvalidShape)
	}
	if err := s.checkRows(features); err != nil {
		return 0, err
	}
	if labels != nil && len(labels) != len(features) {
		return 0, fmt.Errorf("%d labels for %d rows: %w", len(labels), len(features), ErrInvalidShape)
	}

	batch := queue.Batch{
		Features:  features,
		Labels:    labels,
		BatchID:   batchID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.queues.Push(ctx, queue.DataQueue, batch); err != nil {
		return 0, err
	}

	s.metrics.SamplesIngested.WithLabelValues("batch").Add(float64(len(features)))
	s.logger.Info("batch ingested",
		zap.Int("samples", len(features)),
		zap.String("batch_id", batchID))
	return len(features), nil
}

// IngestStream validates a single sample and appends it to stream_queue.
func (s *Service) IngestStream(ctx context.Context, features []float64, label *int) error {
	if len(features) == 0 {
		return fmt.Errorf("empty sample: %w", ErrInvalidShape)
	}
	if err := s.checkRows([][]float64{features}); err != nil {
		return err
	}

	sample := queue.StreamSample{
		Features:  features,
		Label:     label,
		Timestamp: time.Now().UTC(),
	}
	if err := s.queues.Push(ctx, queue.StreamQueue, sample); err != nil {
		return err
	}

	s.metrics.SamplesIngested.WithLabelValues("stream").Inc()
	s.logger.Debug("stream sample ingested")
	return nil
}

// Stats reports best-effort instantaneous queue lengths.
func (s *Service) Stats(ctx context.Context) (batchQueue, streamQueue int64, err error) {
	batchQueue, err = s.queues.Len(ctx, queue.DataQueue)
	if err != nil {
		return 0, 0, err
	}
	streamQueue, err = s.queues.Len(ctx, queue.StreamQueue)
	if err != nil {
		return 0, 0, err
	}
	return batchQueue, streamQueue, nil
}

// checkRows enforces rectangular rows and pins the dimension on first use.
func (s *Service) checkRows(rows [][]float64) error {
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, row 0 has %d: %w",
				i, len(row), width, ErrInvalidShape)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim == 0 {
		s.dim = width
		s.logger.Info("feature dimension established", zap.Int("dim", width))
		return nil
	}
	if width != s.dim {
		return fmt.Errorf("rows have %d features, pipeline dimension is %d: %w",
			width, s.dim, ErrInvalidShape)
	}
	return nil
}
