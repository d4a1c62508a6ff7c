package results

import (
	"sort"
	"time"

	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// Aggregate keeps the earliest detection of each distinct content and returns them
// ordered by timestamp. Equal timestamps are ordered by content.
func Aggregate(detections []models.QrDetection) models.DetectionResult {
	earliest := make(map[string]float64, len(detections))
	for _, d := range detections {
		if ts, ok := earliest[d.Content]; !ok || d.TimestampSeconds < ts {
			earliest[d.Content] = d.TimestampSeconds
		}
	}

	out := make(models.DetectionResult, 0, len(earliest))
	for content, ts := range earliest {
		out = append(out, models.QrDetection{Content: content, TimestampSeconds: ts})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampSeconds != out[j].TimestampSeconds {
			return out[i].TimestampSeconds < out[j].TimestampSeconds
		}
		return out[i].Content < out[j].Content
	})
	return out
}

// BuildResultMessage converts an aggregated result into the message published on the results channel.
func BuildResultMessage(id models.VideoID, result models.DetectionResult, startedAt, completedAt time.Time) models.ResultMessage {
	entries := make([]models.QrCodeEntry, 0, len(result))
	for _, d := range result {
		entries = append(entries, models.QrCodeEntry{
			Text:               d.Content,
			TimestampSeconds:   d.TimestampSeconds,
			FormattedTimestamp: FormatTimestamp(d.TimestampSeconds),
		})
	}

	return models.ResultMessage{
		VideoID:          id,
		CompletedAt:      completedAt.UTC(),
		ProcessingTimeMs: float64(completedAt.Sub(startedAt).Microseconds()) / 1000,
		QrCodes:          entries,
	}
}
