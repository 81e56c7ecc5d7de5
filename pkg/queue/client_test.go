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

package queue_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/queue"
)

var _ = Describe("Client", func() {
	var (
		mr     *miniredis.Miniredis
		client *queue.Client
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(mr.Close)

		client = queue.NewClient(queue.Options{Addr: mr.Addr()}, zap.NewNop())
		DeferCleanup(client.Close)

		ctx = context.Background()
		Expect(client.Ping(ctx)).To(Succeed())
	})

	It("delivers messages in FIFO order", func() {
		first := queue.StreamSample{Features: []float64{1}}
		second := queue.StreamSample{Features: []float64{2}}
		Expect(client.Push(ctx, queue.StreamQueue, first)).To(Succeed())
		Expect(client.Push(ctx, queue.StreamQueue, second)).To(Succeed())

		length, err := client.Len(ctx, queue.StreamQueue)
		Expect(err).ToNot(HaveOccurred())
		Expect(length).To(Equal(int64(2)))

		var got queue.StreamSample
		ok, err := client.Pop(ctx, queue.StreamQueue, &got)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(got.Features).To(Equal([]float64{1}))

		ok, err = client.Pop(ctx, queue.StreamQueue, &got)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(got.Features).To(Equal([]float64{2}))
	})

	It("reports an empty queue without error", func() {
		var got queue.Batch
		ok, err := client.Pop(ctx, queue.DataQueue, &got)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("round-trips batch messages including labels", func() {
		at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		batch := queue.Batch{
			Features:  [][]float64{{1, 2}, {3, 4}},
			Labels:    []int{0, 1},
			BatchID:   "batch-1",
			Timestamp: at,
		}
		Expect(client.Push(ctx, queue.DataQueue, batch)).To(Succeed())

		var got queue.Batch
		ok, err := client.Pop(ctx, queue.DataQueue, &got)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(got.Features).To(Equal(batch.Features))
		Expect(got.Labels).To(Equal(batch.Labels))
		Expect(got.BatchID).To(Equal(batch.BatchID))
		Expect(got.Timestamp).To(BeTemporally("==", at))
	})

	Context("with a bounded queue", func() {
		BeforeEach(func() {
			client = queue.NewClient(queue.Options{Addr: mr.Addr(), MaxLen: 2}, zap.NewNop())
			DeferCleanup(client.Close)
		})

		It("rejects pushes past the bound with ErrQueueFull", func() {
			sample := queue.StreamSample{Features: []float64{1}}
			Expect(client.Push(ctx, queue.StreamQueue, sample)).To(Succeed())
			Expect(client.Push(ctx, queue.StreamQueue, sample)).To(Succeed())

			err := client.Push(ctx, queue.StreamQueue, sample)
			Expect(err).To(MatchError(queue.ErrQueueFull))

			// Draining frees capacity again.
			var got queue.StreamSample
			ok, err := client.Pop(ctx, queue.StreamQueue, &got)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(client.Push(ctx, queue.StreamQueue, sample)).To(Succeed())
		})
	})

	Describe("cache keys", func() {
		It("round-trips JSON values", func() {
			ref := queue.ActiveModelRef{Version: "v_1", Path: "models/model_v_1.json"}
			Expect(client.SetJSON(ctx, queue.ActiveModelKey, ref, 0)).To(Succeed())

			var got queue.ActiveModelRef
			hit, err := client.GetJSON(ctx, queue.ActiveModelKey, &got)
			Expect(err).ToNot(HaveOccurred())
			Expect(hit).To(BeTrue())
			Expect(got).To(Equal(ref))
		})

		It("reports a miss without error", func() {
			var got queue.ModelUpdate
			hit, err := client.GetJSON(ctx, queue.ModelUpdateKey, &got)
			Expect(err).ToNot(HaveOccurred())
			Expect(hit).To(BeFalse())
		})

		It("expires values after the TTL", func() {
			ref := queue.ActiveModelRef{Version: "v_1"}
			Expect(client.SetJSON(ctx, queue.ActiveModelKey, ref, time.Minute)).To(Succeed())
			mr.FastForward(2 * time.Minute)

			var got queue.ActiveModelRef
			hit, err := client.GetJSON(ctx, queue.ActiveModelKey, &got)
			Expect(err).ToNot(HaveOccurred())
			Expect(hit).To(BeFalse())
		})

		It("deletes values idempotently", func() {
			ref := queue.ActiveModelRef{Version: "v_1"}
			Expect(client.SetJSON(ctx, queue.ActiveModelKey, ref, 0)).To(Succeed())
			Expect(client.Delete(ctx, queue.ActiveModelKey)).To(Succeed())
			Expect(client.Delete(ctx, queue.ActiveModelKey)).To(Succeed())

			var got queue.ActiveModelRef
			hit, err := client.GetJSON(ctx, queue.ActiveModelKey, &got)
			Expect(err).ToNot(HaveOccurred())
			Expect(hit).To(BeFalse())
		})
	})
})
