package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// Default timeout for presign operations
const DefaultS3Timeout = 30 * time.Second

// VideoContentType is the content type of stored artifacts.
const VideoContentType = "video/mp4"

var tracer = otel.Tracer("qr-storage")

// S3API is the subset of the S3 client the artifact store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Presigner signs direct upload requests.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ArtifactStore keeps finalized videos in the raw bucket and signs direct uploads into it.
type ArtifactStore struct {
	client    S3API
	presigner Presigner
	bucket    string
	linkTTL   time.Duration
	logger    *slog.Logger
}

// NewArtifactStore creates an ArtifactStore. presigner may be nil for workers.
func NewArtifactStore(client S3API, presigner Presigner, bucket string, linkTTL time.Duration, logger *slog.Logger) *ArtifactStore {
	return &ArtifactStore{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		linkTTL:   linkTTL,
		logger:    logger,
	}
}

// ArtifactKey is the object key of a video's artifact.
func ArtifactKey(id models.VideoID) string {
	return fmt.Sprintf("uploads/%s.mp4", id)
}

// GenerateUploadLink presigns a PUT of the artifact key.
func (a *ArtifactStore) GenerateUploadLink(ctx context.Context, id models.VideoID) (models.UploadLink, error) {
	if a.presigner == nil {
		return models.UploadLink{}, fmt.Errorf("upload links are not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	key := ArtifactKey(id)
	req, err := a.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(VideoContentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = a.linkTTL
	})
	if err != nil {
		return models.UploadLink{}, fmt.Errorf("failed to presign request: %w", err)
	}

	return models.UploadLink{
		URL:       req.URL,
		Key:       key,
		ExpiresAt: time.Now().UTC().Add(a.linkTTL),
	}, nil
}

// Upload stores the file at path as the artifact of id.
func (a *ArtifactStore) Upload(ctx context.Context, id models.VideoID, path string) error {
	ctx, span := tracer.Start(ctx, "upload-artifact")
	defer span.End()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(ArtifactKey(id)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(VideoContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact: %w", err)
	}

	span.SetAttributes(attribute.Int64("video.size_bytes", info.Size()))
	a.logger.InfoContext(ctx, "Uploaded artifact", "videoId", id, "sizeBytes", info.Size())
	return nil
}

// Download copies the artifact of id into a new file under dir and returns its path.
func (a *ArtifactStore) Download(ctx context.Context, id models.VideoID, dir string) (string, error) {
	ctx, span := tracer.Start(ctx, "download-video")
	defer span.End()

	start := time.Now()

	// Ensure temp directory exists
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, fmt.Sprintf("%s-*.mp4", id))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(ArtifactKey(id)),
	})
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	written, err := io.Copy(tmpFile, result.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("video.size_bytes", written))
	a.logger.InfoContext(ctx, "Downloaded video",
		"videoId", id,
		"sizeBytes", written,
	)

	return tmpPath, nil
}
