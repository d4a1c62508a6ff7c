package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// ControlSender delivers upload control signals to whatever finalizes uploads.
type ControlSender interface {
	SendControl(ctx context.Context, msg models.ControlMessage) error
}

// UploadReporter turns ingestor callbacks into stage changes and control signals.
type UploadReporter struct {
	orch    *Orchestrator
	control ControlSender
	logger  *slog.Logger
}

// NewUploadReporter creates an UploadReporter.
func NewUploadReporter(orch *Orchestrator, control ControlSender, logger *slog.Logger) *UploadReporter {
	return &UploadReporter{orch: orch, control: control, logger: logger}
}

// Started records the declared size, moves the video to Uploading and signals the start.
func (r *UploadReporter) Started(ctx context.Context, id models.VideoID, totalBytes int64) error {
	if err := r.orch.store.UpdateProgress(ctx, id, models.Progress{LastSeq: models.NoSequence, TotalBytes: totalBytes}, r.orch.now().UTC()); err != nil {
		return fmt.Errorf("failed to record upload size for %s: %w", id, err)
	}

	if _, err := r.orch.Fire(ctx, id, models.EventUploadStarted); err != nil {
		// A retried upload that never stored a chunk is already Uploading.
		var conflict *models.StateConflictError
		if !errors.As(err, &conflict) || conflict.Current != models.StageUploading {
			return err
		}
	}

	return r.control.SendControl(ctx, models.ControlMessage{
		VideoID:    id,
		Type:       models.ControlStarted,
		LastSeq:    models.NoSequence,
		TotalBytes: totalBytes,
	})
}

// Progress announces bytes sent so far. Durable positions are recorded by the chunk writer.
func (r *UploadReporter) Progress(ctx context.Context, id models.VideoID, seq, received, total int64) error {
	r.orch.announce(ctx, id, models.StageUploading, received, total, "")
	r.logger.DebugContext(ctx, "Chunk sent", "videoId", id, "sequence", seq, "receivedBytes", received)
	return nil
}

// Completed signals that every chunk up to lastSeq has been handed off.
func (r *UploadReporter) Completed(ctx context.Context, id models.VideoID, lastSeq, received int64) error {
	return r.control.SendControl(ctx, models.ControlMessage{
		VideoID:    id,
		Type:       models.ControlCompleted,
		LastSeq:    lastSeq,
		TotalBytes: received,
	})
}
