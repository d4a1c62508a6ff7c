package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	// VideosProcessed counts the total number of videos scanned by status.
	VideosProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "videos_processed_total",
			Help:      "Total number of videos scanned",
		},
		[]string{"status"},
	)

	// ProcessingDuration tracks the time taken to scan videos.
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "qr",
			Name:      "video_processing_duration_seconds",
			Help:      "Time taken to scan a video end to end",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "qr",
			Name:      "active_jobs",
			Help:      "Number of messages currently being handled",
		},
		[]string{"loop"},
	)

	// DownloadDuration tracks the time taken to download artifacts from S3.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "qr",
			Name:      "video_download_duration_seconds",
			Help:      "Time taken to download videos from S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// SamplingDuration tracks ffmpeg extraction plus ffprobe time.
	SamplingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "qr",
			Name:      "frame_sampling_duration_seconds",
			Help:      "Time taken to extract and probe frames",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// FramesSampled counts frames handed to the detection engine.
	FramesSampled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "frames_sampled_total",
			Help:      "Total number of sampled frames",
		},
	)

	// DecodeHits counts successful decodes by the transform that produced them.
	DecodeHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "decode_hits_total",
			Help:      "Successful frame decodes by strategy",
		},
		[]string{"strategy"},
	)

	// FrameErrors counts frames whose processing panicked or could not be read.
	FrameErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "frame_errors_total",
			Help:      "Frames that failed outside of normal decode misses",
		},
	)

	// DetectionsPublished counts distinct codes published in results.
	DetectionsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "detections_published_total",
			Help:      "Distinct QR codes published",
		},
	)

	// ChunksWritten counts chunks durably appended by outcome.
	ChunksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "chunks_written_total",
			Help:      "Upload chunks handled by the chunk store",
		},
		[]string{"outcome"},
	)

	// BytesIngested counts upload bytes accepted by the ingestor.
	BytesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "bytes_ingested_total",
			Help:      "Upload bytes read from clients",
		},
	)

	// StageTransitions counts persisted stage changes.
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "stage_transitions_total",
			Help:      "Persisted stage transitions",
		},
		[]string{"from", "to"},
	)

	// StageConflicts counts rejected transitions.
	StageConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "stage_conflicts_total",
			Help:      "Transitions rejected by the stage machine",
		},
		[]string{"event"},
	)

	// PoisonMessages counts undecodable inbound messages.
	PoisonMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qr",
			Name:      "poison_messages_total",
			Help:      "Inbound messages acknowledged without processing",
		},
		[]string{"channel"},
	)

	// PendingCommits tracks completed Kafka offsets waiting on a lower offset.
	PendingCommits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "qr",
			Name:      "kafka_pending_commits",
			Help:      "Completed offsets held back behind an unfinished lower offset",
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qr",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qr",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// UploadsInitiated counts upload link creations.
	UploadsInitiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qr",
			Subsystem: "api",
			Name:      "uploads_initiated_total",
			Help:      "Total number of uploads initiated",
		},
	)

	// UploadsCompleted counts streamed uploads that reached end of stream.
	UploadsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qr",
			Subsystem: "api",
			Name:      "uploads_completed_total",
			Help:      "Total number of uploads completed",
		},
		[]string{"resumed"},
	)
)

// RecordSuccess records a successful video scan.
func RecordSuccess() {
	VideosProcessed.WithLabelValues("success").Inc()
}

// RecordFailure records a failed video scan.
func RecordFailure() {
	VideosProcessed.WithLabelValues("failed").Inc()
}

// RecordSkipped records a redelivered job that was a no-op.
func RecordSkipped() {
	VideosProcessed.WithLabelValues("skipped").Inc()
}
