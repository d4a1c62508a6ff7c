package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// DefaultChunkSize is the upload window when none is configured.
const DefaultChunkSize = 512 * 1024

// ChunkSink receives chunks in sequence order.
type ChunkSink interface {
	Write(ctx context.Context, chunk models.Chunk) error
}

// SequenceSource reports the last durable sequence of an upload, or NoSequence.
type SequenceSource interface {
	LastSequence(ctx context.Context, id models.VideoID) (int64, error)
}

// ProgressReporter receives upload lifecycle callbacks.
type ProgressReporter interface {
	Started(ctx context.Context, id models.VideoID, totalBytes int64) error
	Progress(ctx context.Context, id models.VideoID, seq, receivedBytes, totalBytes int64) error
	Completed(ctx context.Context, id models.VideoID, lastSeq, receivedBytes int64) error
}

// Completion describes a finished upload session.
type Completion struct {
	VideoID       models.VideoID `json:"videoId"`
	LastSeq       int64          `json:"lastSeq"`
	ReceivedBytes int64          `json:"receivedBytes"`
	SkippedBytes  int64          `json:"skippedBytes"`
	Resumed       bool           `json:"resumed"`
}

// Ingestor splits an upload stream into fixed size chunks. Re-running it after a crash
// skips the chunks already stored, so resuming is idempotent at chunk granularity.
type Ingestor struct {
	sink      ChunkSink
	seqs      SequenceSource
	chunkSize int
	logger    *slog.Logger
}

// NewIngestor creates an Ingestor. chunkSize <= 0 uses DefaultChunkSize.
func NewIngestor(sink ChunkSink, seqs SequenceSource, chunkSize int, logger *slog.Logger) *Ingestor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Ingestor{sink: sink, seqs: seqs, chunkSize: chunkSize, logger: logger}
}

// Upload reads src to the end, writing one chunk per window. On failure the chunks already
// written stay in place and the caller decides whether the video has failed.
func (i *Ingestor) Upload(ctx context.Context, id models.VideoID, totalBytes int64, src io.Reader, reporter ProgressReporter) (Completion, error) {
	ctx, span := tracer.Start(ctx, "ingest-upload")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", id.String()), attribute.Int64("upload.total_bytes", totalBytes))

	lastSeq, err := i.seqs.LastSequence(ctx, id)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to read last sequence: %w", err)
	}

	done := Completion{VideoID: id, LastSeq: lastSeq}

	if lastSeq == models.NoSequence {
		if err := reporter.Started(ctx, id, totalBytes); err != nil {
			return done, err
		}
	} else {
		skip := (lastSeq + 1) * int64(i.chunkSize)
		n, err := io.CopyN(io.Discard, src, skip)
		done.Resumed = true
		done.SkippedBytes = n
		done.ReceivedBytes = n
		if err != nil && !errors.Is(err, io.EOF) {
			return done, fmt.Errorf("failed to skip stored chunks: %w", err)
		}
		if n < skip {
			// Everything was stored before the crash; only the final partial chunk was short.
			if totalBytes > 0 && n == totalBytes && n > skip-int64(i.chunkSize) {
				i.logger.InfoContext(ctx, "Upload already stored", "videoId", id, "lastSeq", lastSeq)
				return done, reporter.Completed(ctx, id, lastSeq, n)
			}
			return done, fmt.Errorf("%w: needed %d bytes, got %d", models.ErrSourceTooShort, skip, n)
		}
		i.logger.InfoContext(ctx, "Upload resumed",
			"videoId", id,
			"lastSeq", lastSeq,
			"skippedBytes", n,
		)
	}

	buf := make([]byte, i.chunkSize)
	seq := lastSeq + 1
	for {
		if err := ctx.Err(); err != nil {
			return done, fmt.Errorf("%w: %v", models.ErrContextCanceled, err)
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			chunk := models.Chunk{VideoID: id, Sequence: seq, Data: append([]byte(nil), buf[:n]...)}
			if err := i.sink.Write(ctx, chunk); err != nil {
				return done, fmt.Errorf("failed to write chunk %d: %w", seq, err)
			}

			done.LastSeq = seq
			done.ReceivedBytes += int64(n)
			metrics.BytesIngested.Add(float64(n))

			if err := reporter.Progress(ctx, id, seq, done.ReceivedBytes, totalBytes); err != nil {
				return done, err
			}
			seq++
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return done, fmt.Errorf("failed to read upload: %w", readErr)
		}
	}

	span.SetAttributes(attribute.Int64("upload.last_seq", done.LastSeq))
	i.logger.InfoContext(ctx, "Upload received",
		"videoId", id,
		"lastSeq", done.LastSeq,
		"receivedBytes", done.ReceivedBytes,
		"resumed", done.Resumed,
	)

	return done, reporter.Completed(ctx, id, done.LastSeq, done.ReceivedBytes)
}
