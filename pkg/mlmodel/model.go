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

// Package mlmodel holds the classifier contract the serving path depends
// on and the multinomial logistic regression implementation behind it.
// Artifacts are JSON files; Save and Load round-trip exactly, so a loaded
// model reproduces the predictions of the one that was saved.
package mlmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// ErrDimensionMismatch is returned when an input row's width differs from
// the dimension the model was trained on.
var ErrDimensionMismatch = errors.New("mlmodel: feature dimension mismatch")

// Classifier is the inference contract. Output rows correspond
// positionally to input rows; PredictProba rows sum to 1.
type Classifier interface {
	Predict(X [][]float64) ([]int, error)
	PredictProba(X [][]float64) ([][]float64, error)
	NumFeatures() int
	NumClasses() int
	Version() string
}

// SoftmaxClassifier is a multinomial logistic regression model. Inputs are
// standardized with the training-set mean and deviation before the linear
// layer; weights are per class over D features plus a bias term.
type SoftmaxClassifier struct {
	ModelVersion string      `json:"version"`
	TrainedAt    time.Time   `json:"trained_at"`
	Dim          int         `json:"dim"`
	Classes      []int       `json:"classes"`
	Weights      [][]float64 `json:"weights"` // C rows of D+1 (bias last)
	Means        []float64   `json:"means"`
	Stds         []float64   `json:"stds"`
}

// NumFeatures returns the training dimension D.
func (m *SoftmaxClassifier) NumFeatures() int { return m.Dim }

// NumClasses returns the number of distinct training labels.
func (m *SoftmaxClassifier) NumClasses() int { return len(m.Classes) }

// Version returns the model version string.
func (m *SoftmaxClassifier) Version() string { return m.ModelVersion }

// Predict returns the argmax class label per input row.
func (m *SoftmaxClassifier) Predict(X [][]float64) ([]int, error) {
	probs, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(probs))
	for i, row := range probs {
		best := 0
		for c := 1; c < len(row); c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		labels[i] = m.Classes[best]
	}
	return labels, nil
}

// PredictProba returns the per-class probability distribution per row.
func (m *SoftmaxClassifier) PredictProba(X [][]float64) ([][]float64, error) {
	probs := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != m.Dim {
			return nil, fmt.Errorf("row %d has %d features, model expects %d: %w",
				i, len(row), m.Dim, ErrDimensionMismatch)
		}
		probs[i] = m.scoreRow(row)
	}
	return probs, nil
}

func (m *SoftmaxClassifier) scoreRow(row []float64) []float64 {
	scaled := make([]float64, m.Dim)
	for j, v := range row {
		scaled[j] = (v - m.Means[j]) / m.Stds[j]
	}

	logits := make([]float64, len(m.Classes))
	maxLogit := math.Inf(-1)
	for c := range m.Classes {
		z := m.Weights[c][m.Dim] // bias
		for j, v := range scaled {
			z += m.Weights[c][j] * v
		}
		logits[c] = z
		if z > maxLogit {
			maxLogit = z
		}
	}

	// Softmax with the max subtracted for numerical stability.
	var sum float64
	for c, z := range logits {
		logits[c] = math.Exp(z - maxLogit)
		sum += logits[c]
	}
	for c := range logits {
		logits[c] /= sum
	}
	return logits
}

// Save writes the model as JSON to path, atomically via a temp file.
func (m *SoftmaxClassifier) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing artifact: %w", err)
	}
	return nil
}

// Load reads a model artifact written by Save.
func Load(path string) (*SoftmaxClassifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", path, err)
	}
	var m SoftmaxClassifier
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", path, err)
	}
	if m.Dim == 0 || len(m.Weights) != len(m.Classes) {
		return nil, fmt.Errorf("artifact %s is malformed", path)
	}
	return &m, nil
}

// ArtifactPath returns the deterministic artifact location for a version:
// <dir>/model_<version>.json.
func ArtifactPath(dir, version string) string {
	return filepath.Join(dir, "model_"+version+".json")
}

// NewVersion derives a model version from the current UTC time,
// "v_" + YYYYMMDD_HHMMSS. Versions sort by their embedded timestamp.
func NewVersion(now time.Time) string {
	return "v_" + now.UTC().Format("20060102_150405")
}
