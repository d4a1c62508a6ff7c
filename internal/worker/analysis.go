package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/internal/queue"
	"github.com/amillerrr/qr-pipeline/internal/results"
	"github.com/amillerrr/qr-pipeline/internal/stage"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// Completion retries
const (
	completeAttempts     = 3
	DefaultCompleteDelay = 500 * time.Millisecond
)

// AnalysisHandler scans one video per analysis job: download, sample, detect, aggregate,
// store and publish.
type AnalysisHandler struct {
	orch        *stage.Orchestrator
	artifacts   Artifacts
	sampler     Sampler
	detector    Detector
	publisher   ResultPublisher
	results     ResultStore
	downloadDir string
	retryDelay  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// AnalysisConfig holds AnalysisHandler dependencies.
type AnalysisConfig struct {
	Orch        *stage.Orchestrator
	Artifacts   Artifacts
	Sampler     Sampler
	Detector    Detector
	Publisher   ResultPublisher
	Results     ResultStore
	DownloadDir string
	Logger      *slog.Logger
}

// NewAnalysisHandler creates an AnalysisHandler.
func NewAnalysisHandler(cfg AnalysisConfig) *AnalysisHandler {
	return &AnalysisHandler{
		orch:        cfg.Orch,
		artifacts:   cfg.Artifacts,
		sampler:     cfg.Sampler,
		detector:    cfg.Detector,
		publisher:   cfg.Publisher,
		results:     cfg.Results,
		downloadDir: cfg.DownloadDir,
		retryDelay:  DefaultCompleteDelay,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// HandleMessage handles one analysis queue message.
func (h *AnalysisHandler) HandleMessage(ctx context.Context, msg queue.Message) error {
	var job models.AnalysisJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		err = fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
		poison(ctx, h.logger, "analysis", msg.ID, err)
		return err
	}
	if err := job.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
		poison(ctx, h.logger, "analysis", msg.ID, err)
		return err
	}

	return h.Process(ctx, job)
}

// Process runs the scan for job. A job whose video is not Sent is rejected without side
// effects; a job whose video already moved past scanning is a no-op.
func (h *AnalysisHandler) Process(ctx context.Context, job models.AnalysisJob) error {
	ctx, span := tracer.Start(ctx, "process-analysis-job")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", job.VideoID.String()))

	id := job.VideoID
	if _, err := h.orch.Fire(ctx, id, models.EventScanStarted); err != nil {
		if conflict, ok := isConflict(err); ok {
			if conflict.Current == models.StageProcessing {
				return h.resumeProcessing(ctx, id)
			}
			if stage.IsAlreadyPast(conflict.Current, models.EventScanStarted) {
				h.logger.InfoContext(ctx, "Skipping redelivered job", "videoId", id, "stage", conflict.Current)
				metrics.RecordSkipped()
				return nil
			}
			h.logger.WarnContext(ctx, "Rejecting analysis job", "videoId", id, "stage", conflict.Current)
			return err
		}
		if errors.Is(err, models.ErrVideoNotFound) {
			return err
		}
		return queue.Retryable(err)
	}

	h.logger.InfoContext(ctx, "Processing video", "videoId", id)
	start := h.now()

	event, err := h.scan(ctx, id, start)
	if err != nil && event == "" {
		// The result is out; the video must not be failed. Redelivery completes it.
		h.logger.ErrorContext(ctx, "Result published but stage not updated", "videoId", id, "error", err)
		return queue.Retryable(err)
	}
	if err != nil {
		failVideo(ctx, h.orch, h.logger, id, event, err)
		metrics.RecordFailure()
		return err
	}

	metrics.RecordSuccess()
	metrics.ProcessingDuration.Observe(h.now().Sub(start).Seconds())
	return nil
}

// scan does the work between Processing and Processed. On error it returns the event
// that fails the video, or no event when the result is out but Processed was not recorded.
func (h *AnalysisHandler) scan(ctx context.Context, id models.VideoID, start time.Time) (models.Event, error) {
	localPath, err := h.artifacts.Download(ctx, id, h.downloadDir)
	if err != nil {
		return models.EventExtractionFailed, fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	defer func() {
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.WarnContext(ctx, "Failed to remove download", "path", localPath, "error", err)
		}
	}()

	frames, cleanup, err := h.sampler.Sample(ctx, id, localPath)
	if err != nil {
		return models.EventExtractionFailed, err
	}
	defer cleanup()

	detections, err := h.detector.Detect(ctx, frames)
	if err != nil {
		return models.EventDetectionFailed, fmt.Errorf("%w: %v", models.ErrDetectionFailed, err)
	}

	result := results.BuildResultMessage(id, results.Aggregate(detections), start, h.now())

	if err := h.results.PutResult(ctx, result); err != nil {
		return models.EventDetectionFailed, fmt.Errorf("%w: %v", models.ErrPublishFailed, err)
	}
	if err := h.publisher.PublishResult(ctx, result); err != nil {
		return models.EventDetectionFailed, err
	}

	if err := h.complete(ctx, id); err != nil {
		return "", err
	}

	metrics.DetectionsPublished.Add(float64(len(result.QrCodes)))
	h.logger.InfoContext(ctx, "Video processed successfully",
		"videoId", id,
		"frames", len(frames),
		"qrCodes", len(result.QrCodes),
		"processingTimeMs", result.ProcessingTimeMs,
	)
	return "", nil
}

// complete moves id to Processed, retrying transient store errors.
func (h *AnalysisHandler) complete(ctx context.Context, id models.VideoID) error {
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		_, err = h.orch.Fire(ctx, id, models.EventDetectionSucceeded)
		if err == nil {
			return nil
		}
		if _, ok := isConflict(err); ok || errors.Is(err, models.ErrVideoNotFound) {
			return err
		}
		h.logger.WarnContext(ctx, "Retrying stage update", "videoId", id, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.retryDelay):
		}
	}
	return err
}

// resumeProcessing handles a job for a video already in Processing. With a stored result the
// earlier scan only missed its final stage update; otherwise another scan is running.
func (h *AnalysisHandler) resumeProcessing(ctx context.Context, id models.VideoID) error {
	if _, err := h.results.GetResult(ctx, id); err != nil {
		if errors.Is(err, models.ErrResultNotAvailable) {
			h.logger.InfoContext(ctx, "Skipping redelivered job", "videoId", id, "stage", models.StageProcessing)
			metrics.RecordSkipped()
			return nil
		}
		return queue.Retryable(err)
	}

	if err := h.complete(ctx, id); err != nil {
		if conflict, ok := isConflict(err); ok && stage.IsAlreadyPast(conflict.Current, models.EventDetectionSucceeded) {
			return nil
		}
		return queue.Retryable(err)
	}
	h.logger.InfoContext(ctx, "Completed video from stored result", "videoId", id)
	return nil
}
