package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/qr-pipeline/internal/ingest"
	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/internal/stage"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

var tracer = otel.Tracer("qr-api")

// HeaderTotalBytes declares the full upload size when Content-Length is unavailable.
const HeaderTotalBytes = "X-Total-Bytes"

// Accepted upload content types. An absent Content-Type is accepted too.
var AllowedContentTypes = map[string]bool{
	"video/mp4":                true,
	"video/quicktime":          true,
	"video/x-msvideo":          true,
	"video/x-matroska":         true,
	"video/webm":               true,
	"application/octet-stream": true,
}

// UploadLinker signs direct uploads into the artifact store.
type UploadLinker interface {
	GenerateUploadLink(ctx context.Context, id models.VideoID) (models.UploadLink, error)
}

// ResultReader returns stored detection results.
type ResultReader interface {
	GetResult(ctx context.Context, id models.VideoID) (*models.ResultMessage, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	orch     *stage.Orchestrator
	ingestor *ingest.Ingestor
	reporter ingest.ProgressReporter
	links    UploadLinker
	results  ResultReader
	jobs     stage.JobQueue
	log      *slog.Logger
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Orchestrator *stage.Orchestrator
	Ingestor     *ingest.Ingestor
	Reporter     ingest.ProgressReporter
	Links        UploadLinker
	Results      ResultReader
	Jobs         stage.JobQueue
	Logger       *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		orch:     cfg.Orchestrator,
		ingestor: cfg.Ingestor,
		reporter: cfg.Reporter,
		links:    cfg.Links,
		results:  cfg.Results,
		jobs:     cfg.Jobs,
		log:      cfg.Logger,
	}
}

// CreateVideoResponse is the response payload for a new video.
type CreateVideoResponse struct {
	VideoID   models.VideoID `json:"videoId"`
	UploadURL string         `json:"uploadUrl,omitempty"`
	ExpiresAt string         `json:"expiresAt,omitempty"`
	RequestID string         `json:"requestId"`
}

// AnalyzeResponse is the response payload for an accepted analysis request.
type AnalyzeResponse struct {
	VideoID   models.VideoID `json:"videoId"`
	Stage     models.Stage   `json:"stage"`
	RequestID string         `json:"requestId"`
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

// startSpan opens a handler span tagged with a fresh request id.
func startSpan(c *gin.Context, name string) (context.Context, trace.Span, string) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(c.Request.Context(), name,
		trace.WithAttributes(
			attribute.String("handler", name),
			attribute.String("request.id", requestID),
		))
	return ctx, span, requestID
}

// videoID parses the :id path parameter, writing a 400 when it is not a valid id.
func videoID(c *gin.Context, span trace.Span) (models.VideoID, bool) {
	id, err := models.ParseVideoID(c.Param("id"))
	if err != nil {
		span.RecordError(err)
		writeError(c, http.StatusBadRequest, err.Error())
		return "", false
	}
	span.SetAttributes(attribute.String("video.id", id.String()))
	return id, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrVideoNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrSourceTooShort), errors.Is(err, models.ErrContextCanceled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CreateVideo creates a Created record and returns a presigned direct-upload link.
func (h *Handlers) CreateVideo(c *gin.Context) {
	ctx, span, requestID := startSpan(c, "create-video")
	defer span.End()

	rec, err := h.orch.Create(ctx, models.NewVideoID())
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to create video", "error", err, "requestId", requestID)
		writeError(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	span.SetAttributes(attribute.String("video.id", rec.VideoID.String()))

	resp := CreateVideoResponse{VideoID: rec.VideoID, RequestID: requestID}
	if h.links != nil {
		link, err := h.links.GenerateUploadLink(ctx, rec.VideoID)
		if err != nil {
			span.RecordError(err)
			h.log.ErrorContext(ctx, "Failed to generate upload link",
				"error", err,
				"videoId", rec.VideoID,
				"requestId", requestID,
			)
			writeError(c, http.StatusInternalServerError, "Internal server error")
			return
		}
		resp.UploadURL = link.URL
		resp.ExpiresAt = link.ExpiresAt.UTC().Format(time.RFC3339)
	}

	metrics.UploadsInitiated.Inc()
	h.log.InfoContext(ctx, "Video created", "videoId", rec.VideoID, "requestId", requestID)

	c.JSON(http.StatusCreated, resp)
}

// UploadContent streams the request body through the ingestor. A retried request with the
// same body resumes after the last durable chunk.
func (h *Handlers) UploadContent(c *gin.Context) {
	ctx, span, requestID := startSpan(c, "upload-content")
	defer span.End()

	id, ok := videoID(c, span)
	if !ok {
		return
	}

	if ct := c.GetHeader("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !AllowedContentTypes[mediaType] {
			writeError(c, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported content type %q", ct))
			return
		}
	}

	total, err := totalBytes(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if total <= 0 {
		writeError(c, http.StatusLengthRequired, "Content-Length or "+HeaderTotalBytes+" is required")
		return
	}
	span.SetAttributes(attribute.Int64("upload.total_bytes", total))

	rec, err := h.orch.Status(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(c, statusFor(err), err.Error())
		return
	}
	if rec.Stage != models.StageCreated && rec.Stage != models.StageUploading {
		conflict := &models.StateConflictError{VideoID: id, Current: rec.Stage, Event: models.EventUploadStarted}
		writeError(c, http.StatusConflict, conflict.Error())
		return
	}

	done, err := h.ingestor.Upload(ctx, id, total, c.Request.Body, h.reporter)
	if err != nil {
		span.RecordError(err)
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.ErrorContext(ctx, "Upload failed",
				"error", err,
				"videoId", id,
				"lastSeq", done.LastSeq,
				"requestId", requestID,
			)
			writeError(c, status, "Internal server error")
			return
		}
		h.log.WarnContext(ctx, "Upload rejected", "error", err, "videoId", id, "requestId", requestID)
		writeError(c, status, err.Error())
		return
	}

	metrics.UploadsCompleted.WithLabelValues(strconv.FormatBool(done.Resumed)).Inc()
	c.JSON(http.StatusAccepted, done)
}

// AnalyzeVideo enqueues a directly uploaded video for analysis.
func (h *Handlers) AnalyzeVideo(c *gin.Context) {
	ctx, span, requestID := startSpan(c, "analyze-video")
	defer span.End()

	id, ok := videoID(c, span)
	if !ok {
		return
	}

	t, err := h.orch.Enqueue(ctx, id, h.jobs)
	if errors.Is(err, models.ErrEnqueueFailed) {
		// A Sent video with no queued job never advances.
		if _, failErr := h.orch.Fail(context.WithoutCancel(ctx), id, models.EventUploadFailed, err); failErr != nil {
			h.log.ErrorContext(ctx, "Failed to mark video as failed", "error", failErr, "videoId", id, "requestId", requestID)
		}
	}
	if err != nil {
		span.RecordError(err)
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.ErrorContext(ctx, "Failed to enqueue video", "error", err, "videoId", id, "requestId", requestID)
			writeError(c, status, "Internal server error")
			return
		}
		writeError(c, status, err.Error())
		return
	}

	h.log.InfoContext(ctx, "Video queued for analysis", "videoId", id, "requestId", requestID)
	c.JSON(http.StatusAccepted, AnalyzeResponse{VideoID: id, Stage: t.To, RequestID: requestID})
}

// GetStatus returns the upload status of a video, or 204 when there is none.
func (h *Handlers) GetStatus(c *gin.Context) {
	ctx, span, _ := startSpan(c, "get-status")
	defer span.End()

	id, ok := videoID(c, span)
	if !ok {
		return
	}

	rec, err := h.orch.Status(ctx, id)
	if errors.Is(err, models.ErrVideoNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to read status", "error", err, "videoId", id)
		writeError(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, rec.UploadStatus())
}

// GetResult returns the stored detections of a processed video, or 204 when there are none yet.
func (h *Handlers) GetResult(c *gin.Context) {
	ctx, span, _ := startSpan(c, "get-result")
	defer span.End()

	id, ok := videoID(c, span)
	if !ok {
		return
	}

	result, err := h.results.GetResult(ctx, id)
	if errors.Is(err, models.ErrResultNotAvailable) || errors.Is(err, models.ErrVideoNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to read result", "error", err, "videoId", id)
		writeError(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, result)
}

func totalBytes(c *gin.Context) (int64, error) {
	if v := c.GetHeader(HeaderTotalBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid %s header", HeaderTotalBytes)
		}
		return n, nil
	}
	return c.Request.ContentLength, nil
}
