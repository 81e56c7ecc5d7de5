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

package retraining

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/datastore"
	"github.com/jordigilh/driftwatch/pkg/queue"
	"github.com/jordigilh/driftwatch/pkg/shared/httpserve"
)

// Handler exposes the worker's status and the manual retraining trigger.
type Handler struct {
	worker *Worker
	store  datastore.Store
	logger *zap.Logger
}

// NewHandler builds the retraining HTTP handler.
func NewHandler(worker *Worker, store datastore.Store, logger *zap.Logger) *Handler {
	return &Handler{worker: worker, store: store, logger: logger}
}

// Router assembles the chi router, exposing prometheus metrics from reg.
func (h *Handler) Router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", h.health)
	r.Post("/retrain", h.retrain)
	r.Get("/jobs/{jobID}", h.jobStatus)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	modelCount, err := h.store.ModelCount(r.Context())
	if err != nil {
		h.logger.Warn("counting registered models failed", zap.Error(err))
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "retraining_worker",
		"jobs_processed": h.worker.JobsProcessed(),
		"models_trained": modelCount,
	})
}

// retrain enqueues a manual retraining job. The job runs asynchronously;
// poll /jobs/{jobID} rows or the model registry for the outcome.
func (h *Handler) retrain(w http.ResponseWriter, r *http.Request) {
	if err := h.worker.EnqueueManual(r.Context()); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			httpserve.WriteError(w, http.StatusServiceUnavailable, "retraining queue is full")
			return
		}
		h.logger.Error("manual retraining trigger failed", zap.Error(err))
		httpserve.WriteError(w, http.StatusInternalServerError, "triggering retraining failed")
		return
	}
	httpserve.WriteJSON(w, http.StatusAccepted, map[string]any{
		"status":  "queued",
		"trigger": datastore.TriggerManual,
	})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.TrainingJobByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpserve.WriteError(w, http.StatusNotFound, "unknown job id")
			return
		}
		h.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		httpserve.WriteError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"job_id":        job.JobID,
		"status":        job.Status,
		"model_version": job.ModelVersion,
		"trigger":       job.TriggerReason,
		"metrics":       job.Metrics,
		"timestamp":     job.Timestamp,
	})
}
