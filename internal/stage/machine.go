package stage

import (
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// Rule is one row of the transition table.
type Rule struct {
	From []models.Stage
	To   models.Stage
}

var failFrom = []models.Stage{
	models.StageUploading,
	models.StageUploaded,
	models.StageSent,
	models.StageProcessing,
}

var rules = map[models.Event]Rule{
	models.EventUploadStarted:      {From: []models.Stage{models.StageCreated}, To: models.StageUploading},
	models.EventUploadCompleted:    {From: []models.Stage{models.StageUploading}, To: models.StageUploaded},
	models.EventEnqueue:            {From: []models.Stage{models.StageCreated, models.StageUploaded}, To: models.StageSent},
	models.EventScanStarted:        {From: []models.Stage{models.StageSent}, To: models.StageProcessing},
	models.EventDetectionSucceeded: {From: []models.Stage{models.StageProcessing}, To: models.StageProcessed},
	models.EventDetectionFailed:    {From: failFrom, To: models.StageFailed},
	models.EventExtractionFailed:   {From: failFrom, To: models.StageFailed},
	models.EventUploadFailed:       {From: failFrom, To: models.StageFailed},
}

// order ranks the forward lifecycle. Failed is handled separately.
var order = map[models.Stage]int{
	models.StageCreated:    0,
	models.StageUploading:  1,
	models.StageUploaded:   2,
	models.StageSent:       3,
	models.StageProcessing: 4,
	models.StageProcessed:  5,
}

// RuleFor returns the transition rule for an event.
func RuleFor(event models.Event) (Rule, bool) {
	r, ok := rules[event]
	return r, ok
}

// Next returns the stage event leads to from current, or ErrStateConflict.
func Next(id models.VideoID, current models.Stage, event models.Event) (models.Stage, error) {
	r, ok := rules[event]
	if !ok {
		return "", &models.StateConflictError{VideoID: id, Current: current, Event: event}
	}
	for _, from := range r.From {
		if from == current {
			return r.To, nil
		}
	}
	return "", &models.StateConflictError{VideoID: id, Current: current, Event: event}
}

// IsAlreadyPast reports whether current is at or beyond the stage event would lead to,
// so a redelivered message carrying event can be dropped. Terminal stages are past everything.
func IsAlreadyPast(current models.Stage, event models.Event) bool {
	if current.IsTerminal() {
		return true
	}
	r, ok := rules[event]
	if !ok || r.To == models.StageFailed {
		return false
	}
	return order[current] >= order[r.To]
}

// Percentage maps a stage to client-facing progress. Uploading scales with bytes received.
func Percentage(stage models.Stage, received, total int64) int {
	switch stage {
	case models.StageCreated:
		return 0
	case models.StageUploading:
		if total <= 0 {
			return 5
		}
		if received > total {
			received = total
		}
		return 5 + int(45*received/total)
	case models.StageUploaded:
		return 50
	case models.StageSent:
		return 60
	case models.StageProcessing:
		return 70
	case models.StageProcessed, models.StageFailed:
		return 100
	}
	return 0
}
