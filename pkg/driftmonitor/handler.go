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

package driftmonitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/drift"
	"github.com/jordigilh/driftwatch/pkg/shared/httpserve"
)

// Handler exposes the monitor's status and an on-demand check endpoint.
type Handler struct {
	monitor *Monitor
	logger  *zap.Logger
}

// NewHandler builds the drift-monitor HTTP handler.
func NewHandler(monitor *Monitor, logger *zap.Logger) *Handler {
	return &Handler{monitor: monitor, logger: logger}
}

// Router assembles the chi router, exposing prometheus metrics from reg.
func (h *Handler) Router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.health)
	r.Get("/drift/status", h.status)
	r.Post("/drift/check", h.check)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.monitor.Snapshot()
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"service":          "drift_monitor",
		"reference_loaded": st.ReferenceLoaded,
		"window_samples":   st.WindowSamples,
		"checks_run":       st.ChecksRun,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	httpserve.WriteJSON(w, http.StatusOK, h.monitor.Snapshot())
}

// check runs one drift check immediately, outside the timer.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.RunCheck(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, drift.ErrNoReference):
			httpserve.WriteError(w, http.StatusConflict, "no reference data available yet")
		case errors.Is(err, ErrNotEnoughSamples):
			httpserve.WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("on-demand drift check failed", zap.Error(err))
			httpserve.WriteError(w, http.StatusInternalServerError, "drift check failed")
		}
		return
	}
	httpserve.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"report": report,
	})
}
