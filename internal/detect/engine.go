package detect

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

var tracer = otel.Tracer("qr-detect")

// Engine decodes QR codes from sampled frames in parallel.
type Engine struct {
	decoder Decoder
	workers int
	logger  *slog.Logger
}

// NewEngine creates an Engine. workers <= 0 uses the number of CPUs.
func NewEngine(decoder Decoder, workers int, logger *slog.Logger) *Engine {
	if decoder == nil {
		decoder = NewZXingDecoder()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{decoder: decoder, workers: workers, logger: logger}
}

// Detect returns one detection per frame that decoded, ordered by timestamp.
// Frames that cannot be read or decoded are skipped. Only cancellation is an error.
func (e *Engine) Detect(ctx context.Context, frames []models.Frame) ([]models.QrDetection, error) {
	ctx, span := tracer.Start(ctx, "detect-qr")
	defer span.End()
	span.SetAttributes(attribute.Int("frames.count", len(frames)))

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		detections []models.QrDetection
	)
	sem := make(chan struct{}, e.workers)

dispatch:
	for _, frame := range frames {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(f models.Frame) {
			defer wg.Done()
			defer func() { <-sem }()

			content, ok := e.scanFrame(ctx, f)
			if !ok {
				return
			}

			mu.Lock()
			detections = append(detections, models.QrDetection{Content: content, TimestampSeconds: f.TimestampSeconds})
			mu.Unlock()
		}(frame)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrContextCanceled, err)
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].TimestampSeconds < detections[j].TimestampSeconds
	})
	span.SetAttributes(attribute.Int("detections.count", len(detections)))
	return detections, nil
}

// scanFrame recovers from panics so one bad frame never takes down its siblings.
func (e *Engine) scanFrame(ctx context.Context, f models.Frame) (content string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FrameErrors.Inc()
			e.logger.WarnContext(ctx, "Frame scan panicked", "frame", f.Index, "panic", r)
			content, ok = "", false
		}
	}()

	img, err := imaging.Open(f.Path)
	if err != nil {
		metrics.FrameErrors.Inc()
		e.logger.WarnContext(ctx, "Failed to open frame", "frame", f.Index, "path", f.Path, "error", err)
		return "", false
	}

	return e.DecodeImage(img)
}

// DecodeImage runs every strategy in order and returns the first decoded text.
func (e *Engine) DecodeImage(img image.Image) (string, bool) {
	for _, s := range Strategies {
		if text, ok := e.attempt(s, img); ok {
			metrics.DecodeHits.WithLabelValues(s.Name).Inc()
			return text, true
		}
	}
	return "", false
}

// attempt treats any failure inside a strategy as no result.
func (e *Engine) attempt(s Strategy, img image.Image) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			text, ok = "", false
		}
	}()

	text, err := e.decoder.Decode(s.Apply(img))
	if err != nil {
		return "", false
	}
	return text, true
}
