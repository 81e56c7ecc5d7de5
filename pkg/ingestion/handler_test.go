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

package ingestion_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/ingestion"
	"github.com/jordigilh/driftwatch/pkg/metrics"
	"github.com/jordigilh/driftwatch/pkg/queue"
)

var _ = Describe("Ingestion API", func() {
	var (
		queues *queue.Client
		server *httptest.Server
		ctx    context.Context
	)

	newServer := func(maxLen int64) {
		mr, err := miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(mr.Close)

		queues = queue.NewClient(queue.Options{Addr: mr.Addr(), MaxLen: maxLen}, zap.NewNop())
		DeferCleanup(queues.Close)

		reg := prometheus.NewRegistry()
		svc := ingestion.NewService(queues, metrics.NewIngestion(reg), zap.NewNop())
		server = httptest.NewServer(ingestion.NewHandler(svc, zap.NewNop()).Router(reg))
		DeferCleanup(server.Close)
	}

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

	BeforeEach(func() {
		ctx = context.Background()
		newServer(0)
	})

	It("reports healthy", func() {
		resp, err := http.Get(server.URL + "/health")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["status"]).To(Equal("healthy"))
		Expect(body["service"]).To(Equal("ingestion_api"))
	})

	Describe("POST /ingest/batch", func() {
		It("enqueues a labelled batch as one message", func() {
			resp, body := postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{{1, 2}, {3, 4}},
				"labels":   []int{0, 1},
				"batch_id": "b-1",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["samples_ingested"]).To(BeNumerically("==", 2))
			Expect(body["batch_id"]).To(Equal("b-1"))

			length, err := queues.Len(ctx, queue.DataQueue)
			Expect(err).ToNot(HaveOccurred())
			Expect(length).To(Equal(int64(1)))

			var batch queue.Batch
			ok, err := queues.Pop(ctx, queue.DataQueue, &batch)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(batch.Features).To(Equal([][]float64{{1, 2}, {3, 4}}))
			Expect(batch.Labels).To(Equal([]int{0, 1}))
		})

		It("accepts unlabelled batches", func() {
			resp, _ := postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{{1, 2}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("rejects empty batches", func() {
			resp, body := postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["status"]).To(Equal("error"))
		})

		It("rejects ragged rows", func() {
			resp, _ := postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{{1, 2}, {3}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects labels that do not parallel the rows", func() {
			resp, _ := postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{{1, 2}, {3, 4}},
				"labels":   []int{0},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("pins the feature dimension at first ingestion", func() {
			resp, _ := postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{{1, 2}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp, _ = postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{{1, 2, 3}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects malformed JSON", func() {
			resp, err := http.Post(server.URL+"/ingest/batch", "application/json",
				bytes.NewReader([]byte("{not json")))
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /ingest/stream", func() {
		It("enqueues one labelled sample", func() {
			resp, _ := postJSON("/ingest/stream", map[string]any{
				"features": []float64{1, 2},
				"label":    1,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var sample queue.StreamSample
			ok, err := queues.Pop(ctx, queue.StreamQueue, &sample)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(sample.Features).To(Equal([]float64{1, 2}))
			Expect(sample.Label).To(HaveValue(Equal(1)))
		})

		It("rejects empty samples", func() {
			resp, _ := postJSON("/ingest/stream", map[string]any{
				"features": []float64{},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	It("reports queue depths on /stats", func() {
		resp, _ := postJSON("/ingest/batch", map[string]any{
			"features": [][]float64{{1, 2}},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		statsResp, err := http.Get(server.URL + "/stats")
		Expect(err).ToNot(HaveOccurred())
		defer statsResp.Body.Close()

		var body map[string]any
		Expect(json.NewDecoder(statsResp.Body).Decode(&body)).To(Succeed())
		Expect(body["batch_queue_size"]).To(BeNumerically("==", 1))
		Expect(body["stream_queue_size"]).To(BeNumerically("==", 0))
	})

	Context("when the queue is at capacity", func() {
		BeforeEach(func() {
			newServer(1)
		})

		It("answers 503 for backpressure", func() {
			resp, _ := postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{{1, 2}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp, body := postJSON("/ingest/batch", map[string]any{
				"features": [][]float64{{3, 4}},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(body["status"]).To(Equal("error"))
		})
	})
})
