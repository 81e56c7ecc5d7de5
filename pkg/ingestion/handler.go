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

package ingestion

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/queue"
	"github.com/jordigilh/driftwatch/pkg/shared/httpserve"
)

// ServiceVersion is reported by /health.
const ServiceVersion = "1.0.0"

type batchRequest struct {
	Features [][]float64 `json:"features" validate:"required,min=1"`
	Labels   []int       `json:"labels"`
	BatchID  string      `json:"batch_id"`
}

type streamRequest struct {
	Features []float64 `json:"features" validate:"required,min=1"`
	Label    *int      `json:"label"`
}

// Handler serves the ingestion HTTP API.
type Handler struct {
	svc      *Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler builds the ingestion HTTP handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, validate: validator.New(), logger: logger}
}

// Router assembles the chi router, exposing prometheus metrics from reg.
func (h *Handler) Router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Get("/health", h.health)
	r.Post("/ingest/batch", h.ingestBatch)
	r.Post("/ingest/stream", h.ingestStream)
	r.Get("/stats", h.stats)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "ingestion_api",
		"version": ServiceVersion,
	})
}

func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserve.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.svc.metrics.IngestErrors.WithLabelValues("invalid_shape").Inc()
		httpserve.WriteError(w, http.StatusBadRequest, "features must be a non-empty 2D array")
		return
	}

	count, err := h.svc.IngestBatch(r.Context(), req.Features, req.Labels, req.BatchID)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"samples_ingested": count,
		"batch_id":         req.BatchID,
	})
}

func (h *Handler) ingestStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserve.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.svc.metrics.IngestErrors.WithLabelValues("invalid_shape").Inc()
		httpserve.WriteError(w, http.StatusBadRequest, "features must be a non-empty array")
		return
	}

	if err := h.svc.IngestStream(r.Context(), req.Features, req.Label); err != nil {
		h.writeIngestError(w, err)
		return
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "sample ingested",
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	batchQueue, streamQueue, err := h.svc.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats query failed", zap.Error(err))
		httpserve.WriteError(w, http.StatusInternalServerError, "queue stats unavailable")
		return
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            "success",
		"batch_queue_size":  batchQueue,
		"stream_queue_size": streamQueue,
	})
}

func (h *Handler) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidShape):
		h.svc.metrics.IngestErrors.WithLabelValues("invalid_shape").Inc()
		httpserve.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		h.svc.metrics.IngestErrors.WithLabelValues("queue_full").Inc()
		httpserve.WriteError(w, http.StatusServiceUnavailable, "queue is full, retry with backoff")
	default:
		h.svc.metrics.IngestErrors.WithLabelValues("internal").Inc()
		h.logger.Error("ingestion failed", zap.Error(err))
		httpserve.WriteError(w, http.StatusInternalServerError, "ingestion failed")
	}
}
