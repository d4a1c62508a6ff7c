package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/qr-pipeline/pkg/models"
)

var tracer = otel.Tracer("qr-ingest")

// Assembler turns a staged upload into a single artifact file.
type Assembler struct {
	store  *FileChunkStore
	logger *slog.Logger
}

// NewAssembler creates an Assembler over the store's staging directory.
func NewAssembler(store *FileChunkStore, logger *slog.Logger) *Assembler {
	return &Assembler{store: store, logger: logger}
}

// ArtifactPath is where the finalized video for id lives.
func (a *Assembler) ArtifactPath(id models.VideoID) string {
	return filepath.Join(a.store.Dir(), id.String()+".mp4")
}

// Finalize renames the staging file to the artifact path, replacing any stale artifact.
// Without a staging file it returns the artifact path and an error matching
// ErrNothingToFinalize, which callers treat as an already finalized upload.
func (a *Assembler) Finalize(ctx context.Context, id models.VideoID) (string, error) {
	_, span := tracer.Start(ctx, "finalize-upload")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", id.String()))

	mu := a.store.lock(id)
	mu.Lock()
	defer mu.Unlock()

	target := a.ArtifactPath(id)
	part := filepath.Join(a.store.videoDir(id), partFile)

	if _, err := os.Stat(part); errors.Is(err, os.ErrNotExist) {
		return target, fmt.Errorf("%w: %s", models.ErrNothingToFinalize, id)
	} else if err != nil {
		return "", fmt.Errorf("failed to stat staging file: %w", err)
	}

	if err := os.Rename(part, target); err != nil {
		return "", fmt.Errorf("failed to finalize upload: %w", err)
	}
	if err := os.RemoveAll(a.store.videoDir(id)); err != nil {
		a.logger.WarnContext(ctx, "Failed to remove upload dir", "videoId", id, "error", err)
	}

	a.logger.InfoContext(ctx, "Upload finalized", "videoId", id, "path", target)
	return target, nil
}

// Cleanup deletes a finalized artifact. Errors are logged, never returned.
func (a *Assembler) Cleanup(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.WarnContext(ctx, "Failed to remove artifact", "path", path, "error", err)
	}
}
