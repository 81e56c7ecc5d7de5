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

package driftmonitor_test

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/datastore"
	"github.com/jordigilh/driftwatch/pkg/drift"
	"github.com/jordigilh/driftwatch/pkg/driftmonitor"
	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/queue"
)

// grid returns n rows of two features, each column evenly spaced over
// [0,1) shifted by offset.
func grid(n int, offset float64) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		v := float64(i)/float64(n) + offset
		rows[i] = []float64{v, v}
	}
	return rows
}

var _ = Describe("Monitor", func() {
	var (
		ctx     context.Context
		store   *datastore.SQLStore
		queues  *queue.Client
		monitor *driftmonitor.Monitor
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		store, err = datastore.OpenSQLite(ctx, filepath.Join(GinkgoT().TempDir(), "test.db"), zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(store.Close)

		mr, err := miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(mr.Close)
		queues = queue.NewClient(queue.Options{Addr: mr.Addr()}, zap.NewNop())
		DeferCleanup(queues.Close)

		detector := drift.NewDetector(0.05, zap.NewNop())
		monitor = driftmonitor.NewMonitor(detector, queues, store, driftmonitor.Config{
			WindowSize:    100,
			MinSamples:    10,
			CheckInterval: time.Hour,
		}, metrics.NewMonitor(prometheus.NewRegistry()), zap.NewNop())
	})

	setReference := func(features [][]float64) {
		ExpectWithOffset(1, queues.SetJSON(ctx, queue.ReferenceDataKey, queue.ReferenceData{
			Features:  features,
			Timestamp: time.Now().UTC(),
		}, 0)).To(Succeed())
	}

	pushServed := func(features [][]float64) {
		preds := make([]int, len(features))
		ExpectWithOffset(1, queues.Push(ctx, queue.PredictionBuffer, queue.ServedBatch{
			Features:    features,
			Predictions: preds,
			Timestamp:   time.Now().UTC(),
		})).To(Succeed())
	}

	It("skips checks until reference data appears", func() {
		_, err := monitor.RunCheck(ctx)
		Expect(err).To(MatchError(drift.ErrNoReference))

		st := monitor.Snapshot()
		Expect(st.ReferenceLoaded).To(BeFalse())
		Expect(st.ChecksRun).To(BeZero())
	})

	It("skips checks below the sample minimum without losing samples", func() {
		setReference(grid(200, 0))
		pushServed(grid(5, 0))

		_, err := monitor.RunCheck(ctx)
		Expect(err).To(MatchError(driftmonitor.ErrNotEnoughSamples))

		// The drained samples stay in the window for the next tick.
		st := monitor.Snapshot()
		Expect(st.WindowSamples).To(Equal(5))

		pushServed(grid(10, 0))
		_, err = monitor.RunCheck(ctx)
		Expect(err).ToNot(HaveOccurred())
	})

	It("reports no drift for traffic matching the reference", func() {
		setReference(grid(200, 0))
		pushServed(grid(50, 0))

		report, err := monitor.RunCheck(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.OverallDrift).To(BeFalse())

		// No drift leaves the retraining queue empty.
		length, err := queues.Len(ctx, queue.RetrainingQueue)
		Expect(err).ToNot(HaveOccurred())
		Expect(length).To(BeZero())

		st := monitor.Snapshot()
		Expect(st.ChecksRun).To(Equal(int64(1)))
		Expect(st.LastReport).ToNot(BeNil())
		Expect(st.LastCheck).ToNot(BeNil())
	})

	It("enqueues a retraining job when the distribution shifts", func() {
		setReference(grid(200, 0))
		pushServed(grid(50, 5))

		report, err := monitor.RunCheck(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.OverallDrift).To(BeTrue())

		var job queue.RetrainJob
		ok, err := queues.Pop(ctx, queue.RetrainingQueue, &job)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(job.Trigger).To(Equal(datastore.TriggerDriftDetected))
		Expect(job.DriftMetrics).ToNot(BeEmpty())

		// The triggering window is discarded.
		Expect(monitor.Snapshot().WindowSamples).To(BeZero())
	})

	It("trims the window to the newest samples", func() {
		setReference(grid(200, 0))
		pushServed(grid(80, 0))
		pushServed(grid(80, 0))

		_, err := monitor.RunCheck(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(monitor.Snapshot().WindowSamples).To(Equal(100))
	})

	It("serializes concurrent checks over the initial reference load", func() {
		// On-demand checks from the HTTP handler overlap the ticker loop;
		// all of them may race to install the reference.
		setReference(grid(200, 0))
		pushServed(grid(50, 0))

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				_, err := monitor.RunCheck(ctx)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			Expect(err).ToNot(HaveOccurred())
		}
		st := monitor.Snapshot()
		Expect(st.ReferenceLoaded).To(BeTrue())
		Expect(st.ChecksRun).To(Equal(int64(8)))
		Expect(st.WindowSamples).To(Equal(50))
	})

	It("reloads the reference on demand", func() {
		setReference(grid(200, 0))
		Expect(monitor.ResetReference(ctx)).To(Succeed())
		Expect(monitor.Snapshot().ReferenceLoaded).To(BeTrue())
	})
})
