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

// Package drift detects feature-distribution shift between a reference
// snapshot and recently served traffic. Per feature it runs a two-sample
// Kolmogorov-Smirnov test, the Population Stability Index over ten
// reference-percentile bins, and a normalized mean shift; overall drift is
// declared when more than 20% of features drift.
package drift

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
)

// Per-feature drift thresholds beyond the configurable KS significance
// level.
const (
	psiThreshold       = 0.2
	meanShiftThreshold = 2.0
	driftFraction      = 0.2
	psiBins            = 10
	psiFloor           = 1e-4
)

// Detector errors.
var (
	ErrNoReference = errors.New("drift: reference data not set")
	ErrEmptyWindow = errors.New("drift: current window is empty")
)

// FeatureMetrics is the per-feature test outcome.
type FeatureMetrics struct {
	KSStatistic   float64 `json:"ks_statistic"`
	KSPValue      float64 `json:"ks_pvalue"`
	PSI           float64 `json:"psi"`
	MeanShift     float64 `json:"mean_shift"`
	DriftDetected bool    `json:"drift_detected"`
}

// Summary aggregates the per-feature outcomes.
type Summary struct {
	TotalFeatures     int     `json:"total_features"`
	FeaturesWithDrift int     `json:"features_with_drift"`
	DriftPercentage   float64 `json:"drift_percentage"`
}

// Report is the full outcome of one drift check.
type Report struct {
	OverallDrift bool                      `json:"overall_drift"`
	Features     map[string]FeatureMetrics `json:"features"`
	Summary      Summary                   `json:"summary"`
}

// Score returns the aggregate drift score: drifted features / total.
func (r *Report) Score() float64 {
	if r.Summary.TotalFeatures == 0 {
		return 0
	}
	return float64(r.Summary.FeaturesWithDrift) / float64(r.Summary.TotalFeatures)
}

// AffectedFeatures lists the drifted feature names in column order.
func (r *Report) AffectedFeatures(names []string) []string {
	var affected []string
	for _, name := range names {
		if m, ok := r.Features[name]; ok && m.DriftDetected {
			affected = append(affected, name)
		}
	}
	return affected
}

// Detector holds the reference snapshot and runs drift checks against it.
// Not safe for concurrent use; the monitor owns it exclusively.
type Detector struct {
	threshold    float64
	refColumns   [][]float64 // column-major, each sorted ascending
	refMeans     []float64
	refStds      []float64
	featureNames []string
	logger       *zap.Logger
}

// NewDetector builds a detector with the given KS significance threshold.
func NewDetector(threshold float64, logger *zap.Logger) *Detector {
	return &Detector{threshold: threshold, logger: logger}
}

// SetReference installs the reference matrix. Feature names default to
// feature_0..feature_{D-1} when names is nil.
func (d *Detector) SetReference(data [][]float64, names []string) error {
	if len(data) == 0 || len(data[0]) == 0 {
		return errors.New("drift: reference data is empty")
	}
	dim := len(data[0])
	for i, row := range data {
		if len(row) != dim {
			return fmt.Errorf("drift: reference row %d has %d features, expected %d", i, len(row), dim)
		}
	}

	if names == nil {
		names = make([]string, dim)
		for i := range names {
			names[i] = fmt.Sprintf("feature_%d", i)
		}
	}
	if len(names) != dim {
		return fmt.Errorf("drift: %d feature names for %d columns", len(names), dim)
	}

	d.refColumns = make([][]float64, dim)
	d.refMeans = make([]float64, dim)
	d.refStds = make([]float64, dim)
	for j := 0; j < dim; j++ {
		col := make([]float64, len(data))
		for i, row := range data {
			col[i] = row[j]
		}
		sort.Float64s(col)
		d.refColumns[j] = col
		d.refMeans[j], d.refStds[j] = meanStd(col)
	}
	d.featureNames = names

	d.logger.Info("reference data set",
		zap.Int("rows", len(data)),
		zap.Int("features", dim))
	return nil
}

// HasReference reports whether a reference snapshot is installed.
func (d *Detector) HasReference() bool { return d.refColumns != nil }

// FeatureNames returns the installed feature names.
func (d *Detector) FeatureNames() []string { return d.featureNames }

// Dim returns the reference dimension, 0 when unset.
func (d *Detector) Dim() int { return len(d.refColumns) }

// Detect runs the per-feature tests on the current window and aggregates.
func (d *Detector) Detect(current [][]float64) (*Report, error) {
	if !d.HasReference() {
		return nil, ErrNoReference
	}
	if len(current) == 0 {
		return nil, ErrEmptyWindow
	}
	dim := len(d.refColumns)
	for i, row := range current {
		if len(row) != dim {
			return nil, fmt.Errorf("drift: current row %d has %d features, expected %d", i, len(row), dim)
		}
	}

	report := &Report{Features: make(map[string]FeatureMetrics, dim)}
	driftCount := 0

	for j := 0; j < dim; j++ {
		col := make([]float64, len(current))
		for i, row := range current {
			col[i] = row[j]
		}
		sort.Float64s(col)

		stat, pvalue := ksTest(d.refColumns[j], col)
		psi := populationStabilityIndex(d.refColumns[j], col)
		curMean, _ := meanStd(col)
		meanShift := math.Abs(curMean-d.refMeans[j]) / (d.refStds[j] + 1e-10)

		detected := pvalue < d.threshold || psi > psiThreshold || meanShift > meanShiftThreshold
		if detected {
			driftCount++
		}
		report.Features[d.featureNames[j]] = FeatureMetrics{
			KSStatistic:   stat,
			KSPValue:      pvalue,
			PSI:           psi,
			MeanShift:     meanShift,
			DriftDetected: detected,
		}
	}

	report.OverallDrift = float64(driftCount) > float64(dim)*driftFraction
	report.Summary = Summary{
		TotalFeatures:     dim,
		FeaturesWithDrift: driftCount,
		DriftPercentage:   float64(driftCount) / float64(dim) * 100,
	}
	return report, nil
}

// ksTest computes the two-sample Kolmogorov-Smirnov statistic and its
// asymptotic p-value. Both inputs must be sorted ascending.
func ksTest(ref, cur []float64) (statistic, pvalue float64) {
	n, m := len(ref), len(cur)
	var i, j int
	var stat float64
	for i < n && j < m {
		v := ref[i]
		if cur[j] < v {
			v = cur[j]
		}
		// Consume every sample tied at v on both sides first: the CDFs
		// are compared only between distinct merged values.
		for i < n && ref[i] == v {
			i++
		}
		for j < m && cur[j] == v {
			j++
		}
		diff := math.Abs(float64(i)/float64(n) - float64(j)/float64(m))
		if diff > stat {
			stat = diff
		}
	}

	en := math.Sqrt(float64(n) * float64(m) / float64(n+m))
	lambda := (en + 0.12 + 0.11/en) * stat
	return stat, kolmogorovSurvival(lambda)
}

// kolmogorovSurvival evaluates the Kolmogorov distribution survival
// function Q(lambda) = 2 * sum_{k>=1} (-1)^{k-1} exp(-2 k^2 lambda^2).
func kolmogorovSurvival(lambda float64) float64 {
	if lambda <= 0 {
		return 1
	}
	var sum float64
	sign := 1.0
	for k := 1; k <= 100; k++ {
		term := sign * math.Exp(-2*float64(k*k)*lambda*lambda)
		sum += term
		if math.Abs(term) < 1e-10 {
			break
		}
		sign = -sign
	}
	p := 2 * sum
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// populationStabilityIndex bins both samples on the reference's decile
// cut-points (deduplicated; fewer than two distinct cut-points means a
// degenerate distribution and PSI 0) and sums the weighted log-ratios.
// Both inputs must be sorted ascending.
func populationStabilityIndex(ref, cur []float64) float64 {
	breakpoints := percentileBreakpoints(ref, psiBins)
	if len(breakpoints) < 2 {
		return 0
	}

	refDist := binShares(ref, breakpoints)
	curDist := binShares(cur, breakpoints)

	var psi float64
	for b := range refDist {
		r := math.Max(refDist[b], psiFloor)
		c := math.Max(curDist[b], psiFloor)
		psi += (c - r) * math.Log(c/r)
	}
	return psi
}

// percentileBreakpoints returns the deduplicated percentile cut-points of
// a sorted sample at 0%, 10%, ..., 100%, linearly interpolated.
func percentileBreakpoints(sorted []float64, bins int) []float64 {
	points := make([]float64, 0, bins+1)
	for b := 0; b <= bins; b++ {
		q := float64(b) / float64(bins) * 100
		p := percentile(sorted, q)
		if len(points) == 0 || p != points[len(points)-1] {
			points = append(points, p)
		}
	}
	return points
}

// percentile interpolates the q-th percentile of a sorted sample.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	if lower >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}

// binShares histograms a sorted sample over the breakpoints and divides by
// the full sample size; values outside the breakpoint range are dropped,
// and the last bin includes its upper edge.
func binShares(sorted []float64, breakpoints []float64) []float64 {
	counts := make([]float64, len(breakpoints)-1)
	for _, v := range sorted {
		if v < breakpoints[0] || v > breakpoints[len(breakpoints)-1] {
			continue
		}
		// Largest breakpoint index at or below v; the last bin is
		// closed on the right.
		idx := sort.SearchFloat64s(breakpoints, v)
		if idx == len(breakpoints) || breakpoints[idx] != v {
			idx--
		}
		if idx >= len(counts) {
			idx = len(counts) - 1
		}
		counts[idx]++
	}
	total := float64(len(sorted))
	for b := range counts {
		counts[b] /= total
	}
	return counts
}

func meanStd(values []float64) (mean, std float64) {
	n := float64(len(values))
	for _, v := range values {
		mean += v
	}
	mean /= n
	for _, v := range values {
		d := v - mean
		std += d * d
	}
	return mean, math.Sqrt(std / n)
}
