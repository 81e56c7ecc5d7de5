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

package prediction

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/mlmodel"
	"github.com/jordigilh/driftwatch/pkg/shared/httpserve"
)

// featureMatrix accepts either a 2-D matrix or a single 1-D vector, which
// is promoted to a one-row matrix.
type featureMatrix [][]float64

func (m *featureMatrix) UnmarshalJSON(raw []byte) error {
	var matrix [][]float64
	if err := json.Unmarshal(raw, &matrix); err == nil {
		*m = matrix
		return nil
	}
	var row []float64
	if err := json.Unmarshal(raw, &row); err != nil {
		return errors.New("features must be an array of numbers or an array of arrays")
	}
	*m = [][]float64{row}
	return nil
}

type predictRequest struct {
	Features featureMatrix `json:"features"`
}

type predictBatchRequest struct {
	Features  featureMatrix `json:"features"`
	BatchSize int           `json:"batch_size"`
}

// Handler serves the prediction HTTP API.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler builds the prediction HTTP handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
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
	r.Post("/predict", h.predict)
	r.Post("/predict/batch", h.predictBatch)
	r.Post("/reload_model", h.reloadModel)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"service":       ServiceID,
		"model_loaded":  h.svc.ModelLoaded(),
		"model_version": h.svc.ModelVersion(),
	})
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserve.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.svc.Predict(r.Context(), req.Features)
	if err != nil {
		h.writePredictError(w, err)
		return
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"predictions":     result.Predictions,
		"probabilities":   result.Probabilities,
		"prediction_time": result.PredictionTime,
		"model_version":   result.ModelVersion,
	})
}

func (h *Handler) predictBatch(w http.ResponseWriter, r *http.Request) {
	var req predictBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserve.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.svc.PredictBatch(r.Context(), req.Features, req.BatchSize)
	if err != nil {
		h.writePredictError(w, err)
		return
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"predictions":     result.Predictions,
		"probabilities":   result.Probabilities,
		"prediction_time": result.PredictionTime,
		"model_version":   result.ModelVersion,
		"total_samples":   result.TotalSamples,
	})
}

func (h *Handler) reloadModel(w http.ResponseWriter, r *http.Request) {
	version, err := h.svc.ReloadModel(r.Context())
	if err != nil {
		if errors.Is(err, ErrNoModel) {
			httpserve.WriteError(w, http.StatusServiceUnavailable, "no deployed model available")
			return
		}
		h.logger.Error("model reload failed", zap.Error(err))
		httpserve.WriteError(w, http.StatusInternalServerError, "model reload failed")
		return
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"model_version": version,
	})
}

func (h *Handler) writePredictError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidShape):
		httpserve.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mlmodel.ErrDimensionMismatch):
		httpserve.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoModel):
		httpserve.WriteError(w, http.StatusServiceUnavailable, "no model available")
	default:
		h.logger.Error("prediction failed", zap.Error(err))
		httpserve.WriteError(w, http.StatusInternalServerError, "prediction failed")
	}
}
