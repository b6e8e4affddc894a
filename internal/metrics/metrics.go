// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package metrics provides Prometheus instrumentation for the proctoring
// monitor, the transcription pipeline, the session store, and the API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Proctoring monitor metrics

	ProctorActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_active_connections",
			Help: "Current number of live proctoring connections",
		},
	)

	ProctorTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_ticks_total",
			Help: "Total processed frame ticks by emitted status",
		},
		[]string{"status"}, // "ok", "warning", "alert", "terminate"
	)

	ProctorAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_alerts_total",
			Help: "Total violation alerts by type",
		},
		[]string{"violation"}, // "no_face", "multiple_faces"
	)

	ProctorTerminationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_terminations_total",
			Help: "Total sessions force-terminated by the proctoring monitor",
		},
	)

	ProctorFramesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_frames_skipped_total",
			Help: "Frames skipped without a tick",
		},
		[]string{"reason"}, // "keepalive", "decode_error", "rate_limited"
	)

	// Transcription pipeline metrics

	TranscriptionJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_jobs_total",
			Help: "Total transcription jobs by terminal outcome",
		},
		[]string{"outcome"}, // "completed", "failed"
	)

	TranscriptionJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcription_job_duration_seconds",
			Help:    "Wall-clock duration of transcription jobs",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Blob stage metrics

	BlobsStaged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobstage_staged_total",
			Help: "Total blobs staged for transcription",
		},
	)

	BlobsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobstage_deleted_total",
			Help: "Total blobs deleted after reaching a terminal status",
		},
	)

	BlobsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blobstage_swept_total",
			Help: "Total stale blobs removed by the background sweeper",
		},
	)

	// Session store metrics

	StoreWriteConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_write_conflicts_total",
			Help: "Total transaction conflicts on session record writes",
		},
	)

	// Inference service metrics

	InferenceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total inference service calls by operation and outcome",
		},
		[]string{"operation", "outcome"}, // operation: "transcribe", "reference", "evaluate"
	)

	InferenceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_request_duration_seconds",
			Help:    "Inference service call duration",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// API metrics

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of in-flight API requests",
		},
	)
)

// RecordAPIRequest records one completed API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordInferenceCall records one inference service call.
func RecordInferenceCall(operation, outcome string, duration time.Duration) {
	InferenceRequestsTotal.WithLabelValues(operation, outcome).Inc()
	InferenceRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTranscriptionJob records a transcription job reaching a terminal
// status.
func RecordTranscriptionJob(outcome string, duration time.Duration) {
	TranscriptionJobsTotal.WithLabelValues(outcome).Inc()
	TranscriptionJobDuration.Observe(duration.Seconds())
}
