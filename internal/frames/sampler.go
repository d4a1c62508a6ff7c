package frames

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// FramePattern is the extraction output pattern. Zero padding keeps lexicographic order numeric.
const FramePattern = "frame_%06d.png"

var tracer = otel.Tracer("qr-frames")

// Config holds tool locations and the sampling rate.
type Config struct {
	FFmpegPath      string
	FFprobePath     string
	FramesPerSecond float64
	WorkDir         string
}

// Sampler extracts still frames from a video at a fixed rate and timestamps them.
type Sampler struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// NewSampler creates a Sampler. A nil runner uses ExecRunner.
func NewSampler(cfg Config, runner Runner, logger *slog.Logger) *Sampler {
	if runner == nil {
		runner = &ExecRunner{Logger: logger}
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return &Sampler{cfg: cfg, runner: runner, logger: logger}
}

// Sample extracts frames from videoPath and returns them in order with reconstructed
// timestamps. The returned cleanup removes the frame directory and is never nil.
func (s *Sampler) Sample(ctx context.Context, videoID models.VideoID, videoPath string) ([]models.Frame, func(), error) {
	ctx, span := tracer.Start(ctx, "sample-frames")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID.String()))

	start := time.Now()
	noop := func() {}

	if s.cfg.WorkDir != "" {
		if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
			return nil, noop, fmt.Errorf("%w: failed to create work dir: %v", models.ErrExtractionFailed, err)
		}
	}
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "frames-"+videoID.String()+"-")
	if err != nil {
		return nil, noop, fmt.Errorf("%w: failed to create frame dir: %v", models.ErrExtractionFailed, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("Failed to remove frame directory", "dir", dir, "error", err)
		}
	}

	if _, err := s.runner.Run(ctx, s.cfg.FFmpegPath, s.extractArgs(videoPath, dir)...); err != nil {
		cleanup()
		return nil, noop, toolFailure(ctx, models.ErrExtractionFailed, err)
	}

	files, err := listFrames(dir)
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("%w: %v", models.ErrExtractionFailed, err)
	}

	out, err := s.runner.Run(ctx, s.cfg.FFprobePath, probeArgs(videoPath)...)
	if err != nil {
		cleanup()
		return nil, noop, toolFailure(ctx, models.ErrProbeFailed, err)
	}

	timestamps := ReconstructTimestamps(ParseProbeOutput(out), len(files))
	frames := make([]models.Frame, 0, len(timestamps))
	for i, ts := range timestamps {
		frames = append(frames, models.Frame{Index: i, Path: files[i], TimestampSeconds: ts})
	}

	metrics.SamplingDuration.Observe(time.Since(start).Seconds())
	metrics.FramesSampled.Add(float64(len(frames)))
	span.SetAttributes(attribute.Int("frames.count", len(frames)))

	s.logger.InfoContext(ctx, "Frames sampled",
		"videoId", videoID,
		"frames", len(files),
		"timestamped", len(frames),
		"duration", time.Since(start).String(),
	)

	return frames, cleanup, nil
}

func (s *Sampler) extractArgs(videoPath, dir string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-vf", "fps=" + strconv.FormatFloat(s.cfg.FramesPerSecond, 'f', -1, 64),
		"-vsync", "0",
		filepath.Join(dir, FramePattern),
	}
}

func probeArgs(videoPath string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "frame=best_effort_timestamp_time",
		"-of", "csv=p=0",
		videoPath,
	}
}

func listFrames(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func toolFailure(ctx context.Context, sentinel, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", models.ErrContextCanceled, err)
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
