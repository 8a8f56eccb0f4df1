// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speech_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Segment metrics
	SegmentsClosed  prometheus.Counter
	SegmentsDropped prometheus.Counter
	SegmentDuration prometheus.Histogram

	// Engine metrics
	TranscriptionsTotal  *prometheus.CounterVec
	TranscriptionErrors  *prometheus.CounterVec
	TranscriptionLatency *prometheus.HistogramVec

	// Batch metrics
	BatchJobsTotal  *prometheus.CounterVec
	BatchesTotal    prometheus.Counter
	BatchJobLatency prometheus.Histogram

	// Folder monitor metrics
	FilesDetected prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of realtime sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active realtime sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of realtime sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		// Segment metrics
		SegmentsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_closed_total",
			Help:      "Total number of speech segments closed",
		}),
		SegmentsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Total number of segments dropped under backpressure",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Duration of closed speech segments in seconds",
			Buckets:   []float64{0.3, 0.5, 1, 2, 3, 5, 10},
		}),

		// Engine metrics
		TranscriptionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Total number of segment transcriptions attempted",
		}, []string{"engine"}),
		TranscriptionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_errors_total",
			Help:      "Total number of failed segment transcriptions",
		}, []string{"engine"}),
		TranscriptionLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_latency_seconds",
			Help:      "Segment transcription latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"engine"}),

		// Batch metrics
		BatchJobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_jobs_total",
			Help:      "Total number of batch file jobs by outcome",
		}, []string{"status"}),
		BatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batches submitted",
		}),
		BatchJobLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_job_latency_seconds",
			Help:      "Per-file batch transcription latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		}),

		// Folder monitor metrics
		FilesDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_files_detected_total",
			Help:      "Total number of new files picked up by the folder monitor",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// HTTP metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route and status code",
		}, []string{"route", "code"}),
		HTTPLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route"}),
	}
}

// IncActiveSessions records a session starting.
func (m *Metrics) IncActiveSessions() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// DecActiveSessions records a session ending.
func (m *Metrics) DecActiveSessions() {
	m.SessionsActive.Dec()
}

// RecordSessionDuration records a finished session's wall time.
func (m *Metrics) RecordSessionDuration(seconds float64) {
	m.SessionDuration.Observe(seconds)
}

// RecordSegmentClosed records a closed speech segment.
func (m *Metrics) RecordSegmentClosed(durationSeconds float64) {
	m.SegmentsClosed.Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordSegmentDropped records a segment shed under backpressure.
func (m *Metrics) RecordSegmentDropped() {
	m.SegmentsDropped.Inc()
}

// RecordTranscription records one engine call.
func (m *Metrics) RecordTranscription(engine string, err error, latencySeconds float64) {
	m.TranscriptionsTotal.WithLabelValues(engine).Inc()
	m.TranscriptionLatency.WithLabelValues(engine).Observe(latencySeconds)
	if err != nil {
		m.TranscriptionErrors.WithLabelValues(engine).Inc()
	}
}

// RecordBatchSubmitted records a new batch.
func (m *Metrics) RecordBatchSubmitted() {
	m.BatchesTotal.Inc()
}

// RecordBatchJob records a finished batch job.
func (m *Metrics) RecordBatchJob(status string, latencySeconds float64) {
	m.BatchJobsTotal.WithLabelValues(status).Inc()
	m.BatchJobLatency.Observe(latencySeconds)
}

// RecordFileDetected records a folder monitor pickup.
func (m *Metrics) RecordFileDetected() {
	m.FilesDetected.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, code int, latencySeconds float64) {
	m.HTTPRequests.WithLabelValues(route, httpCode(code)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(latencySeconds)
}

func httpCode(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
