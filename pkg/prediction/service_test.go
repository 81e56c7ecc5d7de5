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

package prediction_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/datastore"
	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/mlmodel"
	"github.com/jordigilh/driftwatch/pkg/prediction"
	"github.com/jordigilh/driftwatch/pkg/queue"
)

// deployModel writes a linear two-class artifact and promotes it through
// the registry. Rows near the origin classify as 0, rows near (5,5) as 1.
func deployModel(ctx context.Context, store datastore.Store, modelsDir, version string) {
	deployWeights(ctx, store, modelsDir, version, [][]float64{
		{-1, -1, 0},
		{1, 1, 0},
	})
}

// deployInvertedModel promotes a model with the decision boundary flipped,
// so rows near (5,5) classify as 0 instead of 1.
func deployInvertedModel(ctx context.Context, store datastore.Store, modelsDir, version string) {
	deployWeights(ctx, store, modelsDir, version, [][]float64{
		{1, 1, 0},
		{-1, -1, 0},
	})
}

func deployWeights(ctx context.Context, store datastore.Store, modelsDir, version string, weights [][]float64) {
	model := &mlmodel.SoftmaxClassifier{
		ModelVersion: version,
		TrainedAt:    time.Now().UTC(),
		Dim:          2,
		Classes:      []int{0, 1},
		Weights:      weights,
		Means:        []float64{2.5, 2.5},
		Stds:         []float64{2.5, 2.5},
	}
	path := mlmodel.ArtifactPath(modelsDir, version)
	ExpectWithOffset(2, model.Save(path)).To(Succeed())
	ExpectWithOffset(2, store.RegisterModel(ctx, &datastore.ModelRegistryEntry{
		ModelVersion: version,
		ModelPath:    path,
	})).To(Succeed())
	ExpectWithOffset(2, store.DeployModel(ctx, version)).To(Succeed())
}

var _ = Describe("Prediction service", func() {
	var (
		ctx       context.Context
		store     *datastore.SQLStore
		queues    *queue.Client
		svc       *prediction.Service
		server    *httptest.Server
		modelsDir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		modelsDir = GinkgoT().TempDir()

		var err error
		store, err = datastore.OpenSQLite(ctx, filepath.Join(GinkgoT().TempDir(), "test.db"), zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(store.Close)

		mr, err := miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(mr.Close)
		queues = queue.NewClient(queue.Options{Addr: mr.Addr()}, zap.NewNop())
		DeferCleanup(queues.Close)

		reg := prometheus.NewRegistry()
		svc = prediction.NewService(store, queues, metrics.NewPrediction(reg), zap.NewNop())
		server = httptest.NewServer(prediction.NewHandler(svc, zap.NewNop()).Router(reg))
		DeferCleanup(server.Close)
	})

	postJSON := func(path string, body any) (*http.Response, map[string]any) {
		raw, err := json.Marshal(body)
		Expect(err).ToNot(HaveOccurred())
		resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(raw))
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { _ = resp.Body.Close() })

		var decoded map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
		return resp, decoded
	}

	Context("without a deployed model", func() {
		It("rejects predictions with 503", func() {
			resp, body := postJSON("/predict", map[string]any{
				"features": []float64{1, 2},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(body["status"]).To(Equal("error"))
		})

		It("reports model_loaded false", func() {
			resp, err := http.Get(server.URL + "/health")
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()

			var body map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body["model_loaded"]).To(BeFalse())
		})

		It("fails reloads with 503", func() {
			resp, _ := postJSON("/reload_model", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Context("with a deployed model", func() {
		BeforeEach(func() {
			deployModel(ctx, store, modelsDir, "v_test")
		})

		It("lazily loads the model on the first request", func() {
			resp, body := postJSON("/predict", map[string]any{
				"features": [][]float64{{0, 0}, {5, 5}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["model_version"]).To(Equal("v_test"))
			Expect(body["predictions"]).To(Equal([]any{float64(0), float64(1)}))
			Expect(svc.ModelLoaded()).To(BeTrue())
		})

		It("promotes a 1-D features array to one row", func() {
			resp, body := postJSON("/predict", map[string]any{
				"features": []float64{5, 5},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["predictions"]).To(Equal([]any{float64(1)}))
			Expect(body["probabilities"]).To(HaveLen(1))
		})

		It("rejects rows of the wrong width with 400", func() {
			resp, _ := postJSON("/predict", map[string]any{
				"features": []float64{1, 2, 3},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects empty and ragged matrices with 400", func() {
			resp, _ := postJSON("/predict", map[string]any{
				"features": [][]float64{},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			resp, _ = postJSON("/predict", map[string]any{
				"features": [][]float64{{1, 2}, {3}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("persists audit records and feeds the drift buffer", func() {
			resp, _ := postJSON("/predict", map[string]any{
				"features": [][]float64{{0, 0}, {5, 5}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			rows, err := store.RecentPredictions(ctx, 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].ModelVersion).To(Equal("v_test"))
			Expect(rows[0].ServiceID).To(Equal(prediction.ServiceID))
			Expect(rows[0].Probability).To(BeNumerically(">", 0.5))

			var served queue.ServedBatch
			ok, err := queues.Pop(ctx, queue.PredictionBuffer, &served)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(served.Features).To(HaveLen(2))
			Expect(served.Predictions).To(Equal([]int{0, 1}))
		})

		It("serves chunked batches with the sample total", func() {
			features := make([][]float64, 7)
			for i := range features {
				features[i] = []float64{5, 5}
			}
			resp, body := postJSON("/predict/batch", map[string]any{
				"features":   features,
				"batch_size": 3,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["total_samples"]).To(BeNumerically("==", 7))
			Expect(body["predictions"]).To(HaveLen(7))
		})

		It("serves every request from one model snapshot across a promotion", func() {
			_, err := svc.ReloadModel(ctx)
			Expect(err).ToNot(HaveOccurred())

			// The inverted model classifies the same rows as 0 instead of
			// 1, so a response mixing snapshots would contradict the
			// version it reports.
			input := [][]float64{{5, 5}, {5, 5}, {5, 5}}
			results := make(chan *prediction.Result, 64)
			start := make(chan struct{})

			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					<-start
					for k := 0; k < 16; k++ {
						res, err := svc.Predict(ctx, input)
						Expect(err).ToNot(HaveOccurred())
						results <- res
					}
				}()
			}

			close(start)
			deployInvertedModel(ctx, store, modelsDir, "v_next")
			_, err = svc.ReloadModel(ctx)
			Expect(err).ToNot(HaveOccurred())

			wg.Wait()
			close(results)

			wantByVersion := map[string]int{"v_test": 1, "v_next": 0}
			for res := range results {
				want, known := wantByVersion[res.ModelVersion]
				Expect(known).To(BeTrue(), "unexpected model version %q", res.ModelVersion)
				Expect(res.Predictions).To(HaveLen(len(input)))
				for _, p := range res.Predictions {
					Expect(p).To(Equal(want))
				}
			}
			Expect(svc.ModelVersion()).To(Equal("v_next"))
		})

		It("swaps to a newly promoted model on reload", func() {
			_, err := svc.ReloadModel(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(svc.ModelVersion()).To(Equal("v_test"))

			deployModel(ctx, store, modelsDir, "v_next")

			resp, body := postJSON("/reload_model", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["model_version"]).To(Equal("v_next"))
			Expect(svc.ModelVersion()).To(Equal("v_next"))
		})
	})
})
