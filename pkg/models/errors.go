package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for video operations.
var (
	// Validation errors
	ErrMissingVideoID = errors.New("videoId is required")
	ErrInvalidVideoID = errors.New("videoId is not a valid identifier")
	ErrInvalidStage   = errors.New("invalid processing stage")

	// State machine errors
	ErrStateConflict = errors.New("stage conflict")
	ErrVideoNotFound = errors.New("video not found")
	ErrVideoExists   = errors.New("video already exists")

	// Ingestion errors
	ErrSequenceGap       = errors.New("chunk sequence gap")
	ErrSourceTooShort    = errors.New("source ended before resume offset")
	ErrNothingToFinalize = errors.New("no staged chunks to finalize")
	ErrIncompleteUpload  = errors.New("upload incomplete")
	ErrEnqueueFailed     = errors.New("failed to send analysis job")

	// Processing errors
	ErrJobParseFailed     = errors.New("failed to parse job")
	ErrDownloadFailed     = errors.New("failed to download video")
	ErrExtractionFailed   = errors.New("frame extraction failed")
	ErrProbeFailed        = errors.New("frame probe failed")
	ErrDetectionFailed    = errors.New("qr detection failed")
	ErrPublishFailed      = errors.New("failed to publish result")
	ErrContextCanceled    = errors.New("context canceled")
	ErrResultNotAvailable = errors.New("result not available")
)

// StateConflictError reports a transition that the current persisted stage does not allow.
type StateConflictError struct {
	VideoID VideoID
	Current Stage
	Event   Event
}

func (e *StateConflictError) Error() string {
	if e.Event == EventEnqueue {
		return fmt.Sprintf("video %s is already being processed (stage %s)", e.VideoID, e.Current)
	}
	return fmt.Sprintf("video %s: %s not allowed from stage %s", e.VideoID, e.Event, e.Current)
}

// Is makes errors.Is(err, ErrStateConflict) match.
func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}
