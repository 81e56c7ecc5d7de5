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

package mlmodel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Training errors.
var (
	ErrNoTrainingData = errors.New("mlmodel: no training data")
	ErrRaggedMatrix   = errors.New("mlmodel: rows have differing lengths")
	ErrLabelMismatch  = errors.New("mlmodel: labels do not parallel features")
)

// Metrics is the metric set reported for one fit. All scores are in [0,1];
// TrainingTime is seconds.
type Metrics struct {
	Accuracy     float64 `json:"accuracy"`
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
	F1Score      float64 `json:"f1_score"`
	CVMean       float64 `json:"cv_mean"`
	CVStd        float64 `json:"cv_std"`
	TrainingTime float64 `json:"training_time"`
	SamplesCount int     `json:"samples_count"`
}

// FitResult is a fitted model with its evaluation.
type FitResult struct {
	Model   *SoftmaxClassifier
	Metrics Metrics
	Version string
}

// Trainer fits a classifier from labelled samples. Deterministic given the
// configured seed.
type Trainer interface {
	Fit(ctx context.Context, X [][]float64, y []int) (*FitResult, error)
}

// TrainerConfig tunes the gradient descent fit.
type TrainerConfig struct {
	LearningRate float64
	Epochs       int
	CVFolds      int
	Seed         int64
}

// SoftmaxTrainer trains SoftmaxClassifier models with full-batch gradient
// descent and k-fold cross-validation.
type SoftmaxTrainer struct {
	cfg    TrainerConfig
	logger *zap.Logger
}

// NewSoftmaxTrainer builds a trainer, filling zero config fields with the
// defaults (0.1 learning rate, 200 epochs, 5 folds).
func NewSoftmaxTrainer(cfg TrainerConfig, logger *zap.Logger) *SoftmaxTrainer {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 200
	}
	if cfg.CVFolds < 2 {
		cfg.CVFolds = 5
	}
	return &SoftmaxTrainer{cfg: cfg, logger: logger}
}

// Fit trains on (X, y) and returns the model with cross-validated metrics.
// The context is checked between epochs, so cancellation interrupts a long
// fit at the next epoch boundary.
func (t *SoftmaxTrainer) Fit(ctx context.Context, X [][]float64, y []int) (*FitResult, error) {
	if len(X) == 0 {
		return nil, ErrNoTrainingData
	}
	if len(y) != len(X) {
		return nil, fmt.Errorf("%d rows vs %d labels: %w", len(X), len(y), ErrLabelMismatch)
	}
	dim := len(X[0])
	for i, row := range X {
		if len(row) != dim {
			return nil, fmt.Errorf("row %d has %d features, expected %d: %w",
				i, len(row), dim, ErrRaggedMatrix)
		}
	}

	start := time.Now()
	t.logger.Info("training model",
		zap.Int("samples", len(X)),
		zap.Int("features", dim))

	// Cross-validation before the final fit, mirroring the usual
	// cross_val_score-then-fit sequence.
	cvMean, cvStd, err := t.crossValidate(ctx, X, y)
	if err != nil {
		return nil, err
	}

	model, err := t.fitOnce(ctx, X, y)
	if err != nil {
		return nil, err
	}
	model.ModelVersion = NewVersion(time.Now())
	model.TrainedAt = time.Now().UTC()

	predicted, err := model.Predict(X)
	if err != nil {
		return nil, fmt.Errorf("evaluating fitted model: %w", err)
	}

	metrics := evaluate(y, predicted)
	metrics.CVMean = cvMean
	metrics.CVStd = cvStd
	metrics.TrainingTime = time.Since(start).Seconds()
	metrics.SamplesCount = len(X)

	t.logger.Info("training complete",
		zap.String("model_version", model.ModelVersion),
		zap.Float64("accuracy", metrics.Accuracy),
		zap.Float64("f1_score", metrics.F1Score),
		zap.Float64("cv_mean", cvMean),
		zap.Duration("elapsed", time.Since(start)))

	return &FitResult{Model: model, Metrics: metrics, Version: model.ModelVersion}, nil
}

func (t *SoftmaxTrainer) crossValidate(ctx context.Context, X [][]float64, y []int) (mean, std float64, err error) {
	folds := t.cfg.CVFolds
	if folds > len(X) {
		folds = len(X)
	}
	if folds < 2 {
		return 0, 0, nil
	}

	rng := rand.New(rand.NewSource(t.cfg.Seed))
	order := rng.Perm(len(X))

	scores := make([]float64, 0, folds)
	for f := 0; f < folds; f++ {
		var trainX, holdX [][]float64
		var trainY, holdY []int
		for i, idx := range order {
			if i%folds == f {
				holdX = append(holdX, X[idx])
				holdY = append(holdY, y[idx])
			} else {
				trainX = append(trainX, X[idx])
				trainY = append(trainY, y[idx])
			}
		}
		if len(trainX) == 0 || len(holdX) == 0 {
			continue
		}

		model, err := t.fitOnce(ctx, trainX, trainY)
		if err != nil {
			return 0, 0, err
		}
		predicted, err := model.Predict(holdX)
		if err != nil {
			return 0, 0, err
		}
		scores = append(scores, accuracy(holdY, predicted))
	}

	if len(scores) == 0 {
		return 0, 0, nil
	}
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	for _, s := range scores {
		std += (s - mean) * (s - mean)
	}
	std = math.Sqrt(std / float64(len(scores)))
	return mean, std, nil
}

// fitOnce runs full-batch gradient descent over standardized inputs. Held
// labels outside the training set map onto the nearest class at predict
// time via argmax, so fitOnce only needs the classes present in y.
func (t *SoftmaxTrainer) fitOnce(ctx context.Context, X [][]float64, y []int) (*SoftmaxClassifier, error) {
	n := len(X)
	dim := len(X[0])

	classes := distinctSorted(y)
	classIndex := make(map[int]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}

	means, stds := columnStats(X)
	scaled := make([][]float64, n)
	for i, row := range X {
		s := make([]float64, dim)
		for j, v := range row {
			s[j] = (v - means[j]) / stds[j]
		}
		scaled[i] = s
	}

	weights := make([][]float64, len(classes))
	for c := range weights {
		weights[c] = make([]float64, dim+1)
	}
	model := &SoftmaxClassifier{
		Dim:     dim,
		Classes: classes,
		Weights: weights,
		Means:   means,
		Stds:    stds,
	}

	grad := make([][]float64, len(classes))
	for c := range grad {
		grad[c] = make([]float64, dim+1)
	}

	lr := t.cfg.LearningRate
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("training interrupted at epoch %d: %w", epoch, ctx.Err())
		default:
		}

		for c := range grad {
			for j := range grad[c] {
				grad[c][j] = 0
			}
		}

		for i, row := range scaled {
			probs := probsFor(weights, row)
			target := classIndex[y[i]]
			for c := range classes {
				delta := probs[c]
				if c == target {
					delta -= 1
				}
				for j, v := range row {
					grad[c][j] += delta * v
				}
				grad[c][dim] += delta
			}
		}

		scale := lr / float64(n)
		for c := range weights {
			for j := range weights[c] {
				weights[c][j] -= scale * grad[c][j]
			}
		}
	}

	return model, nil
}

// probsFor scores one pre-standardized row against raw weights.
func probsFor(weights [][]float64, row []float64) []float64 {
	dim := len(row)
	logits := make([]float64, len(weights))
	maxLogit := math.Inf(-1)
	for c := range weights {
		z := weights[c][dim]
		for j, v := range row {
			z += weights[c][j] * v
		}
		logits[c] = z
		if z > maxLogit {
			maxLogit = z
		}
	}
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

// evaluate computes accuracy and support-weighted precision/recall/F1.
func evaluate(actual, predicted []int) Metrics {
	classes := distinctSorted(actual)
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	tp := make([]float64, len(classes))
	fp := make([]float64, len(classes))
	fn := make([]float64, len(classes))
	support := make([]float64, len(classes))

	for i, a := range actual {
		ai := index[a]
		support[ai]++
		p := predicted[i]
		if p == a {
			tp[ai]++
			continue
		}
		fn[ai]++
		if pi, ok := index[p]; ok {
			fp[pi]++
		}
	}

	total := float64(len(actual))
	var precision, recall, f1 float64
	for c := range classes {
		var pc, rc float64
		if tp[c]+fp[c] > 0 {
			pc = tp[c] / (tp[c] + fp[c])
		}
		if tp[c]+fn[c] > 0 {
			rc = tp[c] / (tp[c] + fn[c])
		}
		var fc float64
		if pc+rc > 0 {
			fc = 2 * pc * rc / (pc + rc)
		}
		w := support[c] / total
		precision += w * pc
		recall += w * rc
		f1 += w * fc
	}

	return Metrics{
		Accuracy:  accuracy(actual, predicted),
		Precision: precision,
		Recall:    recall,
		F1Score:   f1,
	}
}

func accuracy(actual, predicted []int) float64 {
	if len(actual) == 0 {
		return 0
	}
	var correct float64
	for i, a := range actual {
		if predicted[i] == a {
			correct++
		}
	}
	return correct / float64(len(actual))
}

func distinctSorted(y []int) []int {
	seen := make(map[int]struct{}, len(y))
	var classes []int
	for _, label := range y {
		if _, ok := seen[label]; !ok {
			seen[label] = struct{}{}
			classes = append(classes, label)
		}
	}
	sort.Ints(classes)
	return classes
}

// columnStats returns per-column mean and standard deviation, with a small
// floor on the deviation so constant columns stay finite.
func columnStats(X [][]float64) (means, stds []float64) {
	n := float64(len(X))
	dim := len(X[0])
	means = make([]float64, dim)
	stds = make([]float64, dim)

	for _, row := range X {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= n
	}
	for _, row := range X {
		for j, v := range row {
			d := v - means[j]
			stds[j] += d * d
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / n)
		if stds[j] < 1e-10 {
			stds[j] = 1e-10
		}
	}
	return means, stds
}
