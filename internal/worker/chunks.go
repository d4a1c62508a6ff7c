package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/amillerrr/qr-pipeline/internal/ingest"
	"github.com/amillerrr/qr-pipeline/internal/queue"
	"github.com/amillerrr/qr-pipeline/internal/stage"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// ChunkWriter appends upload chunks to the staging store and records each durable position.
type ChunkWriter struct {
	store  *ingest.FileChunkStore
	orch   *stage.Orchestrator
	logger *slog.Logger
}

// NewChunkWriter creates a ChunkWriter.
func NewChunkWriter(store *ingest.FileChunkStore, orch *stage.Orchestrator, logger *slog.Logger) *ChunkWriter {
	return &ChunkWriter{store: store, orch: orch, logger: logger}
}

// HandleMessage handles one message from the chunk channel.
func (w *ChunkWriter) HandleMessage(ctx context.Context, msg queue.Message) error {
	chunk, err := queue.DecodeChunk(msg)
	if err != nil {
		poison(ctx, w.logger, "chunks", msg.ID, err)
		if id, idErr := msg.VideoID(); idErr == nil {
			failVideo(ctx, w.orch, w.logger, id, models.EventUploadFailed, err)
		}
		return nil
	}

	err = w.Write(ctx, chunk)
	if errors.Is(err, models.ErrSequenceGap) {
		// The client resumes from the stored position and refills the gap.
		w.logger.WarnContext(ctx, "Chunk out of sequence", "videoId", chunk.VideoID, "sequence", chunk.Sequence, "error", err)
		return nil
	}
	if errors.Is(err, models.ErrVideoNotFound) {
		poison(ctx, w.logger, "chunks", msg.ID, err)
		return nil
	}
	return queue.Retryable(err)
}

// Write stores chunk. Chunks for videos that are no longer uploading are ignored.
func (w *ChunkWriter) Write(ctx context.Context, chunk models.Chunk) error {
	rec, err := w.orch.Status(ctx, chunk.VideoID)
	if err != nil {
		return err
	}
	if rec.Stage != models.StageCreated && rec.Stage != models.StageUploading {
		w.logger.DebugContext(ctx, "Ignoring chunk for finished upload",
			"videoId", chunk.VideoID,
			"sequence", chunk.Sequence,
			"stage", rec.Stage,
		)
		return nil
	}

	outcome, err := w.store.Append(ctx, chunk)
	if err != nil {
		return err
	}
	if outcome == ingest.Duplicate {
		return nil
	}

	state, err := w.store.State(ctx, chunk.VideoID)
	if err != nil {
		return err
	}
	if err := w.orch.RecordProgress(ctx, chunk.VideoID, models.Progress{
		LastSeq:       state.LastSeq,
		ReceivedBytes: state.Size,
	}); err != nil {
		return fmt.Errorf("chunk %d stored but not recorded: %w", chunk.Sequence, err)
	}
	return nil
}
