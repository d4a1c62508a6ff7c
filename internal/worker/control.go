package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/qr-pipeline/internal/ingest"
	"github.com/amillerrr/qr-pipeline/internal/queue"
	"github.com/amillerrr/qr-pipeline/internal/stage"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// Completion waits
const (
	DefaultChunkWait    = 2 * time.Minute
	DefaultPollInterval = 250 * time.Millisecond
)

// ControlHandler reacts to upload started and completed signals. On completion it
// finalizes the staged upload, stores the artifact and enqueues the video for analysis.
// Handling the same completion twice has the effect of handling it once.
type ControlHandler struct {
	store        *ingest.FileChunkStore
	assembler    *ingest.Assembler
	artifacts    Artifacts
	orch         *stage.Orchestrator
	jobs         stage.JobQueue
	chunkWait    time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// ControlConfig holds ControlHandler dependencies.
type ControlConfig struct {
	Store     *ingest.FileChunkStore
	Assembler *ingest.Assembler
	Artifacts Artifacts
	Orch      *stage.Orchestrator
	Jobs      stage.JobQueue
	ChunkWait time.Duration
	Logger    *slog.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(cfg ControlConfig) *ControlHandler {
	wait := cfg.ChunkWait
	if wait <= 0 {
		wait = DefaultChunkWait
	}
	return &ControlHandler{
		store:        cfg.Store,
		assembler:    cfg.Assembler,
		artifacts:    cfg.Artifacts,
		orch:         cfg.Orch,
		jobs:         cfg.Jobs,
		chunkWait:    wait,
		pollInterval: DefaultPollInterval,
		logger:       cfg.Logger,
	}
}

// HandleMessage handles one message from the control channel.
func (h *ControlHandler) HandleMessage(ctx context.Context, msg queue.Message) error {
	ctrl, err := queue.DecodeControl(msg)
	if err != nil {
		poison(ctx, h.logger, "control", msg.ID, err)
		if id, idErr := msg.VideoID(); idErr == nil {
			failVideo(ctx, h.orch, h.logger, id, models.EventUploadFailed, err)
		}
		return nil
	}

	err = h.SendControl(ctx, ctrl)
	if err == nil || errors.Is(err, models.ErrVideoNotFound) {
		return err
	}
	if _, ok := isConflict(err); ok {
		return err
	}
	return queue.Retryable(err)
}

// GiveUp fails the video of a control message whose retries ran out and removes any
// artifact finalized for it.
func (h *ControlHandler) GiveUp(ctx context.Context, msg queue.Message, err error) {
	id, idErr := msg.VideoID()
	if idErr != nil {
		return
	}
	failVideo(ctx, h.orch, h.logger, id, models.EventUploadFailed, err)
	h.assembler.Cleanup(ctx, h.assembler.ArtifactPath(id))
}

// SendControl handles a control signal in process, standing in for the control channel.
func (h *ControlHandler) SendControl(ctx context.Context, ctrl models.ControlMessage) error {
	switch ctrl.Type {
	case models.ControlStarted:
		return h.started(ctx, ctrl.VideoID)
	case models.ControlCompleted:
		return h.completed(ctx, ctrl)
	default:
		return fmt.Errorf("%w: unknown control type %q", queue.ErrMalformedMessage, ctrl.Type)
	}
}

func (h *ControlHandler) started(ctx context.Context, id models.VideoID) error {
	rec, err := h.orch.Status(ctx, id)
	if err != nil {
		return err
	}
	if rec.Stage != models.StageCreated {
		return nil
	}
	_, err = h.orch.Fire(ctx, id, models.EventUploadStarted)
	if conflict, ok := isConflict(err); ok && stage.IsAlreadyPast(conflict.Current, models.EventUploadStarted) {
		return nil
	}
	return err
}

func (h *ControlHandler) completed(ctx context.Context, ctrl models.ControlMessage) error {
	ctx, span := tracer.Start(ctx, "complete-upload")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", ctrl.VideoID.String()),
		attribute.Int64("upload.last_seq", ctrl.LastSeq),
	)

	id := ctrl.VideoID
	rec, err := h.orch.Status(ctx, id)
	if err != nil {
		return err
	}

	switch rec.Stage {
	case models.StageProcessing, models.StageProcessed, models.StageFailed:
		h.logger.InfoContext(ctx, "Completion already handled", "videoId", id, "stage", rec.Stage)
		return nil
	case models.StageSent:
		// The previous attempt moved to Sent but may have died before the job was sent.
		// A duplicate job is harmless: only one scan can win Sent to Processing.
		return h.jobs.SendAnalysisJob(ctx, models.AnalysisJob{VideoID: id})
	case models.StageUploaded:
		return h.enqueue(ctx, id)
	case models.StageCreated:
		if err := h.started(ctx, id); err != nil {
			return err
		}
	}

	if ctrl.LastSeq < 0 {
		failVideo(ctx, h.orch, h.logger, id, models.EventUploadFailed, fmt.Errorf("%w: no chunks received", models.ErrIncompleteUpload))
		return nil
	}

	if err := h.waitForChunks(ctx, id, ctrl.LastSeq); err != nil {
		if errors.Is(err, models.ErrIncompleteUpload) {
			failVideo(ctx, h.orch, h.logger, id, models.EventUploadFailed, err)
			return nil
		}
		return err
	}

	path, err := h.assembler.Finalize(ctx, id)
	if errors.Is(err, models.ErrNothingToFinalize) {
		if _, statErr := os.Stat(path); statErr != nil {
			failVideo(ctx, h.orch, h.logger, id, models.EventUploadFailed, fmt.Errorf("%w: staged upload missing", models.ErrIncompleteUpload))
			return nil
		}
		h.logger.InfoContext(ctx, "Upload already finalized", "videoId", id)
	} else if err != nil {
		return err
	}

	if err := h.artifacts.Upload(ctx, id, path); err != nil {
		return err
	}

	if _, err := h.orch.Fire(ctx, id, models.EventUploadCompleted); err != nil {
		conflict, ok := isConflict(err)
		if !ok || !stage.IsAlreadyPast(conflict.Current, models.EventUploadCompleted) {
			return err
		}
	}
	h.assembler.Cleanup(ctx, path)

	return h.enqueue(ctx, id)
}

func (h *ControlHandler) enqueue(ctx context.Context, id models.VideoID) error {
	_, err := h.orch.Enqueue(ctx, id, h.jobs)
	if conflict, ok := isConflict(err); ok && stage.IsAlreadyPast(conflict.Current, models.EventEnqueue) {
		return nil
	}
	return err
}

// waitForChunks blocks until the staged upload holds lastSeq. Chunks and control signals
// travel on different channels, so the signal can overtake the last chunks.
func (h *ControlHandler) waitForChunks(ctx context.Context, id models.VideoID, lastSeq int64) error {
	deadline := time.Now().Add(h.chunkWait)
	for {
		stored, err := h.store.LastSequence(ctx, id)
		if err != nil {
			return err
		}
		if stored >= lastSeq {
			return nil
		}
		if stored == models.NoSequence && h.finalized(id) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: have chunk %d of %d", models.ErrIncompleteUpload, stored, lastSeq)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.pollInterval):
		}
	}
}

// finalized reports whether an earlier attempt already produced the artifact.
func (h *ControlHandler) finalized(id models.VideoID) bool {
	_, err := os.Stat(h.assembler.ArtifactPath(id))
	return err == nil
}
