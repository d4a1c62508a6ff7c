package models

import "time"

// AnalysisJob is the analysis queue message that triggers a scan.
type AnalysisJob struct {
	VideoID VideoID `json:"videoId"`
}

// Validate checks if the analysis job has all required fields.
func (j *AnalysisJob) Validate() error {
	id, err := ParseVideoID(string(j.VideoID))
	if err != nil {
		return err
	}
	j.VideoID = id
	return nil
}

// ControlType is the type header of an upload control message.
type ControlType string

const (
	ControlStarted   ControlType = "started"
	ControlCompleted ControlType = "completed"
)

// Header names used on the upload channels.
const (
	HeaderSequence   = "sequence"
	HeaderType       = "type"
	HeaderLastSeq    = "lastSeq"
	HeaderTotalBytes = "totalBytes"
)

// ControlMessage announces the start or completion of an upload.
type ControlMessage struct {
	VideoID    VideoID
	Type       ControlType
	LastSeq    int64
	TotalBytes int64
}

// QrCodeEntry is one detection as published on the results channel.
type QrCodeEntry struct {
	Text               string  `json:"text" dynamodbav:"text"`
	TimestampSeconds   float64 `json:"timestampSeconds" dynamodbav:"timestamp_seconds"`
	FormattedTimestamp string  `json:"formattedTimestamp" dynamodbav:"formatted_timestamp"`
}

// ResultMessage is the final, externally visible result of one video.
type ResultMessage struct {
	VideoID          VideoID       `json:"videoId" dynamodbav:"video_id"`
	CompletedAt      time.Time     `json:"completedAt" dynamodbav:"completed_at"`
	ProcessingTimeMs float64       `json:"processingTimeMs" dynamodbav:"processing_time_ms"`
	QrCodes          []QrCodeEntry `json:"qrCodes" dynamodbav:"qr_codes"`
}

// ProgressNotification is fanned out to clients on every stage change.
type ProgressNotification struct {
	VideoID            VideoID `json:"videoId"`
	Stage              Stage   `json:"stage"`
	ProgressPercentage int     `json:"progressPercentage"`
	Message            string  `json:"message,omitempty"`
}
