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

// Package metrics defines the prometheus instruments each service
// registers. Every service exposes its registry on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion instruments the ingestion API.
type Ingestion struct {
	SamplesIngested *prometheus.CounterVec
	IngestErrors    *prometheus.CounterVec
}

// NewIngestion registers the ingestion instruments on reg.
func NewIngestion(reg prometheus.Registerer) *Ingestion {
	return &Ingestion{
		SamplesIngested: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_samples_total",
			Help: "Samples accepted, by ingestion mode.",
		}, []string{"mode"}),
		IngestErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_errors_total",
			Help: "Rejected or failed ingestion requests, by reason.",
		}, []string{"reason"}),
	}
}

// Prediction instruments the prediction service.
type Prediction struct {
	PredictionsServed   prometheus.Counter
	PredictionLatency   prometheus.Histogram
	StoreAppendFailures prometheus.Counter
	ModelReloads        prometheus.Counter
}

// NewPrediction registers the prediction instruments on reg.
func NewPrediction(reg prometheus.Registerer) *Prediction {
	return &Prediction{
		PredictionsServed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "prediction_samples_total",
			Help: "Individual predictions served.",
		}),
		PredictionLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_inference_seconds",
			Help:    "Model inference latency per request.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		StoreAppendFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "prediction_store_append_failures_total",
			Help: "Prediction audit records dropped because the store was unavailable.",
		}),
		ModelReloads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "prediction_model_reloads_total",
			Help: "Successful model (re)loads.",
		}),
	}
}

// Monitor instruments the drift monitor.
type Monitor struct {
	ChecksTotal      prometheus.Counter
	ChecksSkipped    *prometheus.CounterVec
	DriftDetected    prometheus.Counter
	CheckDuration    prometheus.Histogram
	SamplesEvaluated prometheus.Counter
}

// NewMonitor registers the drift-monitor instruments on reg.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	return &Monitor{
		ChecksTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "drift_checks_total",
			Help: "Completed drift checks.",
		}),
		ChecksSkipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "drift_checks_skipped_total",
			Help: "Skipped drift ticks, by reason.",
		}, []string{"reason"}),
		DriftDetected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "drift_detected_total",
			Help: "Drift checks that detected overall drift.",
		}),
		CheckDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "drift_check_seconds",
			Help:    "Drift check duration.",
			Buckets: prometheus.DefBuckets,
		}),
		SamplesEvaluated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "drift_samples_evaluated_total",
			Help: "Served samples evaluated for drift.",
		}),
	}
}

// Worker instruments the retraining worker.
type Worker struct {
	JobsTotal        *prometheus.CounterVec
	TrainingDuration prometheus.Histogram
}

// NewWorker registers the retraining-worker instruments on reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	return &Worker{
		JobsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "retraining_jobs_total",
			Help: "Processed retraining jobs, by final status.",
		}, []string{"status"}),
		TrainingDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "retraining_duration_seconds",
			Help:    "End-to-end duration of one retraining job.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
}
