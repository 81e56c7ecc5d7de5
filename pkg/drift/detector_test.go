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

package drift_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/drift"
)

// uniformMatrix returns n rows of dim features, each column an evenly
// spaced grid over [0,1) shifted by offset.
func uniformMatrix(n, dim int, offset float64) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, dim)
		for j := range row {
			row[j] = float64(i)/float64(n) + offset
		}
		rows[i] = row
	}
	return rows
}

var _ = Describe("Detector", func() {
	var detector *drift.Detector

	BeforeEach(func() {
		detector = drift.NewDetector(0.05, zap.NewNop())
	})

	Describe("SetReference", func() {
		It("rejects empty reference data", func() {
			Expect(detector.SetReference(nil, nil)).ToNot(Succeed())
			Expect(detector.SetReference([][]float64{{}}, nil)).ToNot(Succeed())
		})

		It("rejects ragged reference rows", func() {
			err := detector.SetReference([][]float64{{1, 2}, {1}}, nil)
			Expect(err).To(HaveOccurred())
		})

		It("rejects mismatched feature names", func() {
			err := detector.SetReference(uniformMatrix(10, 2, 0), []string{"only_one"})
			Expect(err).To(HaveOccurred())
		})

		It("defaults feature names to feature_<i>", func() {
			Expect(detector.SetReference(uniformMatrix(10, 3, 0), nil)).To(Succeed())
			Expect(detector.FeatureNames()).To(Equal([]string{"feature_0", "feature_1", "feature_2"}))
			Expect(detector.Dim()).To(Equal(3))
			Expect(detector.HasReference()).To(BeTrue())
		})
	})

	Describe("Detect", func() {
		It("fails without reference data", func() {
			_, err := detector.Detect(uniformMatrix(10, 2, 0))
			Expect(err).To(MatchError(drift.ErrNoReference))
		})

		It("fails on an empty window", func() {
			Expect(detector.SetReference(uniformMatrix(100, 2, 0), nil)).To(Succeed())
			_, err := detector.Detect(nil)
			Expect(err).To(MatchError(drift.ErrEmptyWindow))
		})

		It("fails on a dimension mismatch", func() {
			Expect(detector.SetReference(uniformMatrix(100, 2, 0), nil)).To(Succeed())
			_, err := detector.Detect([][]float64{{1, 2, 3}})
			Expect(err).To(HaveOccurred())
		})

		It("reports no drift for the reference itself", func() {
			ref := uniformMatrix(1000, 2, 0)
			Expect(detector.SetReference(ref, nil)).To(Succeed())

			report, err := detector.Detect(ref)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.OverallDrift).To(BeFalse())
			Expect(report.Summary.FeaturesWithDrift).To(BeZero())
			Expect(report.Score()).To(BeZero())
			for _, m := range report.Features {
				Expect(m.DriftDetected).To(BeFalse())
				Expect(m.KSPValue).To(BeNumerically(">", 0.05))
				Expect(m.PSI).To(BeNumerically("<", 0.2))
				Expect(m.MeanShift).To(BeNumerically("<", 0.01))
			}
		})

		It("reports no drift for a slightly perturbed sample", func() {
			Expect(detector.SetReference(uniformMatrix(1000, 2, 0), nil)).To(Succeed())

			report, err := detector.Detect(uniformMatrix(500, 2, 0.0005))
			Expect(err).ToNot(HaveOccurred())
			Expect(report.OverallDrift).To(BeFalse())
		})

		It("detects a shifted distribution on every feature", func() {
			Expect(detector.SetReference(uniformMatrix(1000, 2, 0), nil)).To(Succeed())

			report, err := detector.Detect(uniformMatrix(500, 2, 5))
			Expect(err).ToNot(HaveOccurred())
			Expect(report.OverallDrift).To(BeTrue())
			Expect(report.Summary.FeaturesWithDrift).To(Equal(2))
			Expect(report.Summary.DriftPercentage).To(BeNumerically("==", 100))
			for _, m := range report.Features {
				Expect(m.DriftDetected).To(BeTrue())
				Expect(m.KSStatistic).To(BeNumerically("~", 1, 1e-9))
				Expect(m.KSPValue).To(BeNumerically("<", 0.05))
				Expect(m.MeanShift).To(BeNumerically(">", 2))
			}
		})

		It("needs strictly more than 20% of features drifting for overall drift", func() {
			ref := uniformMatrix(1000, 5, 0)
			Expect(detector.SetReference(ref, nil)).To(Succeed())

			// Shift exactly one of five features: 1 is not > 5*0.2.
			oneShifted := uniformMatrix(500, 5, 0)
			for _, row := range oneShifted {
				row[0] += 5
			}
			report, err := detector.Detect(oneShifted)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Summary.FeaturesWithDrift).To(Equal(1))
			Expect(report.OverallDrift).To(BeFalse())

			// Two of five crosses the fraction.
			twoShifted := uniformMatrix(500, 5, 0)
			for _, row := range twoShifted {
				row[0] += 5
				row[1] += 5
			}
			report, err = detector.Detect(twoShifted)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Summary.FeaturesWithDrift).To(Equal(2))
			Expect(report.OverallDrift).To(BeTrue())
		})

		It("treats a constant reference column as degenerate with PSI zero", func() {
			ref := make([][]float64, 200)
			for i := range ref {
				ref[i] = []float64{7, float64(i) / 200}
			}
			Expect(detector.SetReference(ref, nil)).To(Succeed())

			cur := make([][]float64, 100)
			for i := range cur {
				cur[i] = []float64{7, float64(i) / 100}
			}
			report, err := detector.Detect(cur)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Features["feature_0"].KSStatistic).To(BeZero())
			Expect(report.Features["feature_0"].KSPValue).To(BeNumerically("==", 1))
			Expect(report.Features["feature_0"].PSI).To(BeZero())
			Expect(report.Features["feature_0"].DriftDetected).To(BeFalse())
		})

		It("scores identically distributed tied samples as zero distance", func() {
			// Unequal sizes, four distinct values, equal proportions.
			ref := make([][]float64, 200)
			for i := range ref {
				ref[i] = []float64{float64(i % 4)}
			}
			Expect(detector.SetReference(ref, nil)).To(Succeed())

			cur := make([][]float64, 100)
			for i := range cur {
				cur[i] = []float64{float64(i % 4)}
			}
			report, err := detector.Detect(cur)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Features["feature_0"].KSStatistic).To(BeZero())
			Expect(report.Features["feature_0"].KSPValue).To(BeNumerically("==", 1))
			Expect(report.Features["feature_0"].DriftDetected).To(BeFalse())
			Expect(report.OverallDrift).To(BeFalse())
		})

		It("lists affected features in column order", func() {
			Expect(detector.SetReference(uniformMatrix(1000, 3, 0), nil)).To(Succeed())

			cur := uniformMatrix(500, 3, 0)
			for _, row := range cur {
				row[2] += 5
			}
			report, err := detector.Detect(cur)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.AffectedFeatures(detector.FeatureNames())).To(Equal([]string{"feature_2"}))
		})
	})
})
