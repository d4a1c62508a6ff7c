package models

import (
	"time"

	"github.com/google/uuid"
)

// VideoID identifies one uploaded video. It is a 128-bit UUID rendered as a string.
type VideoID string

// NewVideoID returns a fresh random VideoID.
func NewVideoID() VideoID {
	return VideoID(uuid.New().String())
}

// ParseVideoID validates s and returns it in canonical form.
func ParseVideoID(s string) (VideoID, error) {
	if s == "" {
		return "", ErrMissingVideoID
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", ErrInvalidVideoID
	}
	return VideoID(id.String()), nil
}

func (id VideoID) String() string {
	return string(id)
}

// Stage is the persisted lifecycle state of a video.
type Stage string

const (
	StageCreated    Stage = "Created"
	StageUploading  Stage = "Uploading"
	StageUploaded   Stage = "Uploaded"
	StageSent       Stage = "Sent"
	StageProcessing Stage = "Processing"
	StageProcessed  Stage = "Processed"
	StageFailed     Stage = "Failed"
)

// IsValid returns true if the stage is a known Stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageCreated, StageUploading, StageUploaded, StageSent, StageProcessing, StageProcessed, StageFailed:
		return true
	}
	return false
}

// IsTerminal returns true for stages no event can leave.
func (s Stage) IsTerminal() bool {
	return s == StageProcessed || s == StageFailed
}

// Event drives a stage transition.
type Event string

const (
	EventUploadStarted      Event = "upload-started"
	EventUploadCompleted    Event = "upload-completed"
	EventEnqueue            Event = "enqueue-for-analysis"
	EventScanStarted        Event = "scan-started"
	EventDetectionSucceeded Event = "detection-succeeded"
	EventDetectionFailed    Event = "detection-failed"
	EventExtractionFailed   Event = "extraction-failed"
	EventUploadFailed       Event = "upload-failed"
)

// NoSequence is the lastSeq value of an upload with no durable chunk.
const NoSequence int64 = -1

// StatusRecord is the persisted status of one video.
type StatusRecord struct {
	// Keys
	PK string `dynamodbav:"pk" json:"-" gorm:"-"`
	SK string `dynamodbav:"sk" json:"-" gorm:"-"`

	VideoID       VideoID   `dynamodbav:"video_id" json:"videoId" gorm:"column:video_id;type:varchar(36);primaryKey"`
	Stage         Stage     `dynamodbav:"stage" json:"stage" gorm:"column:stage;type:varchar(16);index;not null"`
	LastSeq       int64     `dynamodbav:"last_seq" json:"lastSeq" gorm:"column:last_seq;not null"`
	ReceivedBytes int64     `dynamodbav:"received_bytes" json:"receivedBytes" gorm:"column:received_bytes"`
	TotalBytes    int64     `dynamodbav:"total_bytes" json:"totalBytes" gorm:"column:total_bytes"`
	ErrorMessage  string    `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty" gorm:"column:error_message;type:text"`
	UpdatedAtUTC  time.Time `dynamodbav:"updated_at" json:"updatedAtUtc" gorm:"column:updated_at_utc;not null"`
}

// TableName sets the SQL table for gorm.
func (StatusRecord) TableName() string {
	return "video_status"
}

// NewStatusRecord returns a Created record with no chunks received.
func NewStatusRecord(id VideoID, now time.Time) *StatusRecord {
	return &StatusRecord{
		VideoID:      id,
		Stage:        StageCreated,
		LastSeq:      NoSequence,
		UpdatedAtUTC: now.UTC(),
	}
}

// UploadStatus is the client-visible view of a StatusRecord.
type UploadStatus struct {
	VideoID       VideoID   `json:"videoId"`
	Stage         Stage     `json:"stage"`
	LastSeq       int64     `json:"lastSeq"`
	ReceivedBytes int64     `json:"receivedBytes"`
	TotalBytes    int64     `json:"totalBytes"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UploadStatus converts the record to its client view.
func (r *StatusRecord) UploadStatus() UploadStatus {
	return UploadStatus{
		VideoID:       r.VideoID,
		Stage:         r.Stage,
		LastSeq:       r.LastSeq,
		ReceivedBytes: r.ReceivedBytes,
		TotalBytes:    r.TotalBytes,
		ErrorMessage:  r.ErrorMessage,
		UpdatedAt:     r.UpdatedAtUTC,
	}
}

// Progress is an upload position written after a chunk is durably stored.
// TotalBytes <= 0 leaves the stored total unchanged.
type Progress struct {
	LastSeq       int64
	ReceivedBytes int64
	TotalBytes    int64
}

// Chunk is one sequentially numbered slice of an upload.
type Chunk struct {
	VideoID  VideoID
	Sequence int64
	Data     []byte
}

// Frame is one sampled still image. It only lives for one detection run.
type Frame struct {
	Index            int
	Path             string
	TimestampSeconds float64
}

// QrDetection is a decoded QR payload and the time it was seen.
type QrDetection struct {
	Content          string  `json:"content"`
	TimestampSeconds float64 `json:"timestampSeconds"`
}

// DetectionResult holds one detection per distinct content, earliest first.
type DetectionResult []QrDetection

// UploadLink is a presigned direct-upload target.
type UploadLink struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}
