// Package worker holds the pipeline's message handlers: the chunk writer, the upload
// control handler and the analysis scan.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/internal/stage"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

var tracer = otel.Tracer("qr-worker")

// Artifacts moves finalized videos to and from durable storage.
type Artifacts interface {
	Upload(ctx context.Context, id models.VideoID, path string) error
	Download(ctx context.Context, id models.VideoID, dir string) (string, error)
}

// Sampler turns a video file into timestamped frames.
type Sampler interface {
	Sample(ctx context.Context, id models.VideoID, videoPath string) ([]models.Frame, func(), error)
}

// Detector decodes QR codes from frames.
type Detector interface {
	Detect(ctx context.Context, frames []models.Frame) ([]models.QrDetection, error)
}

// ResultPublisher emits final results on the results channel.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result models.ResultMessage) error
}

// ResultStore keeps results for the status API.
type ResultStore interface {
	PutResult(ctx context.Context, result models.ResultMessage) error
	GetResult(ctx context.Context, id models.VideoID) (*models.ResultMessage, error)
}

// failVideo marks id Failed. It runs detached from ctx so shutdown cannot leave a video
// stuck in an in-progress stage.
func failVideo(ctx context.Context, orch *stage.Orchestrator, logger *slog.Logger, id models.VideoID, event models.Event, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := orch.Fail(ctx, id, event, cause); err != nil {
		logger.ErrorContext(ctx, "Failed to mark video as failed",
			"videoId", id,
			"event", event,
			"error", err,
		)
		return
	}
	logger.WarnContext(ctx, "Video failed", "videoId", id, "event", event, "error", cause)
}

// poison records a message that can never be processed.
func poison(ctx context.Context, logger *slog.Logger, channel, messageID string, err error) {
	metrics.PoisonMessages.WithLabelValues(channel).Inc()
	logger.ErrorContext(ctx, "Dropping malformed message",
		"channel", channel,
		"messageId", messageID,
		"error", err,
	)
}

func isConflict(err error) (*models.StateConflictError, bool) {
	var conflict *models.StateConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
