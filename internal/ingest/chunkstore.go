package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

const (
	partFile    = "upload.part"
	seqFile     = "upload.seq"
	lockStripes = 64
)

// ChunkTracker mirrors accepted sequences somewhere observable, e.g. a Redis set.
type ChunkTracker interface {
	MarkReceived(ctx context.Context, id models.VideoID, seq int64) error
}

// AppendOutcome tells the caller what Append did with a chunk.
type AppendOutcome int

const (
	Appended AppendOutcome = iota
	Duplicate
)

// ChunkState is the durable position of one upload.
type ChunkState struct {
	LastSeq int64 `json:"lastSeq"`
	Size    int64 `json:"size"`
}

// FileChunkStore appends chunks to a per-video staging file. A JSON sidecar records the
// last durable sequence and the file size at that point; the sidecar is only replaced
// after the chunk bytes are synced.
type FileChunkStore struct {
	dir     string
	tracker ChunkTracker
	logger  *slog.Logger
	locks   [lockStripes]sync.Mutex
}

// NewFileChunkStore creates a store rooted at dir. tracker may be nil.
func NewFileChunkStore(dir string, tracker ChunkTracker, logger *slog.Logger) (*FileChunkStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return &FileChunkStore{dir: dir, tracker: tracker, logger: logger}, nil
}

// Dir returns the staging root.
func (s *FileChunkStore) Dir() string {
	return s.dir
}

func (s *FileChunkStore) lock(id models.VideoID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *FileChunkStore) videoDir(id models.VideoID) string {
	return filepath.Join(s.dir, id.String())
}

// Append stores chunk if it is the next sequence. Sequences at or below the last stored
// one are duplicates and ignored. A sequence past the next one is ErrSequenceGap.
func (s *FileChunkStore) Append(ctx context.Context, chunk models.Chunk) (AppendOutcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrContextCanceled, err)
	}
	if chunk.Sequence < 0 {
		return 0, fmt.Errorf("%w: negative sequence %d", models.ErrSequenceGap, chunk.Sequence)
	}

	mu := s.lock(chunk.VideoID)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.readState(chunk.VideoID)
	if err != nil {
		return 0, err
	}

	if chunk.Sequence <= state.LastSeq {
		metrics.ChunksWritten.WithLabelValues("duplicate").Inc()
		s.logger.DebugContext(ctx, "Duplicate chunk ignored",
			"videoId", chunk.VideoID, "sequence", chunk.Sequence, "lastSeq", state.LastSeq)
		return Duplicate, nil
	}
	if chunk.Sequence > state.LastSeq+1 {
		metrics.ChunksWritten.WithLabelValues("gap").Inc()
		return 0, fmt.Errorf("%w: video %s expected %d, got %d",
			models.ErrSequenceGap, chunk.VideoID, state.LastSeq+1, chunk.Sequence)
	}

	if err := os.MkdirAll(s.videoDir(chunk.VideoID), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create upload dir: %w", err)
	}
	if err := s.writeChunk(chunk, state.Size); err != nil {
		return 0, err
	}

	next := ChunkState{LastSeq: chunk.Sequence, Size: state.Size + int64(len(chunk.Data))}
	if err := s.writeState(chunk.VideoID, next); err != nil {
		return 0, err
	}
	metrics.ChunksWritten.WithLabelValues("appended").Inc()

	if s.tracker != nil {
		if err := s.tracker.MarkReceived(ctx, chunk.VideoID, chunk.Sequence); err != nil {
			s.logger.WarnContext(ctx, "Failed to track chunk", "videoId", chunk.VideoID, "sequence", chunk.Sequence, "error", err)
		}
	}

	return Appended, nil
}

// writeChunk truncates the staging file to size, dropping any torn write, then appends and syncs.
func (s *FileChunkStore) writeChunk(chunk models.Chunk, size int64) error {
	f, err := os.OpenFile(filepath.Join(s.videoDir(chunk.VideoID), partFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate staging file: %w", err)
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek staging file: %w", err)
	}
	if _, err := f.Write(chunk.Data); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync chunk: %w", err)
	}
	return nil
}

// LastSequence returns the highest durable sequence, or NoSequence.
func (s *FileChunkStore) LastSequence(_ context.Context, id models.VideoID) (int64, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.readState(id)
	if err != nil {
		return 0, err
	}
	return state.LastSeq, nil
}

// State returns the durable position of an upload.
func (s *FileChunkStore) State(_ context.Context, id models.VideoID) (ChunkState, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	return s.readState(id)
}

func (s *FileChunkStore) readState(id models.VideoID) (ChunkState, error) {
	data, err := os.ReadFile(filepath.Join(s.videoDir(id), seqFile))
	if errors.Is(err, os.ErrNotExist) {
		return ChunkState{LastSeq: models.NoSequence}, nil
	}
	if err != nil {
		return ChunkState{}, fmt.Errorf("failed to read chunk state: %w", err)
	}

	var state ChunkState
	if err := json.Unmarshal(data, &state); err != nil {
		return ChunkState{}, fmt.Errorf("failed to parse chunk state for %s: %w", id, err)
	}
	return state, nil
}

func (s *FileChunkStore) writeState(id models.VideoID, state ChunkState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk state: %w", err)
	}

	path := filepath.Join(s.videoDir(id), seqFile)
	tmp, err := os.CreateTemp(s.videoDir(id), seqFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create chunk state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write chunk state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync chunk state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close chunk state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace chunk state: %w", err)
	}
	return nil
}

// Write appends chunk, treating duplicates as success.
func (s *FileChunkStore) Write(ctx context.Context, chunk models.Chunk) error {
	_, err := s.Append(ctx, chunk)
	return err
}
