package results

import (
	"reflect"
	"testing"
	"time"

	"github.com/amillerrr/qr-pipeline/pkg/models"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		input []models.QrDetection
		want  models.DetectionResult
	}{
		{
			name: "keeps earliest per content",
			input: []models.QrDetection{
				{Content: "A", TimestampSeconds: 1.0},
				{Content: "B", TimestampSeconds: 2.0},
				{Content: "A", TimestampSeconds: 0.5},
			},
			want: models.DetectionResult{
				{Content: "A", TimestampSeconds: 0.5},
				{Content: "B", TimestampSeconds: 2.0},
			},
		},
		{
			name:  "empty",
			input: nil,
			want:  models.DetectionResult{},
		},
		{
			name: "ties ordered by content",
			input: []models.QrDetection{
				{Content: "zeta", TimestampSeconds: 3},
				{Content: "alpha", TimestampSeconds: 3},
			},
			want: models.DetectionResult{
				{Content: "alpha", TimestampSeconds: 3},
				{Content: "zeta", TimestampSeconds: 3},
			},
		},
		{
			name: "repeated frames of one code",
			input: []models.QrDetection{
				{Content: "HELLO", TimestampSeconds: 2.2},
				{Content: "HELLO", TimestampSeconds: 2.0},
				{Content: "HELLO", TimestampSeconds: 3.8},
			},
			want: models.DetectionResult{
				{Content: "HELLO", TimestampSeconds: 2.0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Aggregate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregate_DistinctContents(t *testing.T) {
	input := []models.QrDetection{
		{Content: "x", TimestampSeconds: 4},
		{Content: "y", TimestampSeconds: 1},
		{Content: "x", TimestampSeconds: 2},
		{Content: "z", TimestampSeconds: 1},
		{Content: "y", TimestampSeconds: 0.2},
	}

	got := Aggregate(input)
	seen := make(map[string]bool)
	for i, d := range got {
		if seen[d.Content] {
			t.Errorf("content %q appears twice", d.Content)
		}
		seen[d.Content] = true
		if i > 0 && got[i-1].TimestampSeconds > d.TimestampSeconds {
			t.Errorf("result not ordered at %d: %v", i, got)
		}
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00.000"},
		{2.0, "00:02.000"},
		{61.5, "01:01.500"},
		{59.9996, "01:00.000"},
		{4503.25, "75:03.250"},
		{-1, "00:00.000"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatTimestamp(tt.seconds); got != tt.want {
				t.Errorf("FormatTimestamp(%v) = %q, want %q", tt.seconds, got, tt.want)
			}
		})
	}
}

func TestBuildResultMessage(t *testing.T) {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(1500 * time.Millisecond)
	result := models.DetectionResult{{Content: "HELLO", TimestampSeconds: 2}}

	msg := BuildResultMessage("vid", result, started, completed)

	if msg.VideoID != "vid" {
		t.Errorf("VideoID = %q", msg.VideoID)
	}
	if msg.ProcessingTimeMs != 1500 {
		t.Errorf("ProcessingTimeMs = %v, want 1500", msg.ProcessingTimeMs)
	}
	if !msg.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt = %v, want %v", msg.CompletedAt, completed)
	}
	if len(msg.QrCodes) != 1 {
		t.Fatalf("QrCodes len = %d, want 1", len(msg.QrCodes))
	}
	want := models.QrCodeEntry{Text: "HELLO", TimestampSeconds: 2, FormattedTimestamp: "00:02.000"}
	if msg.QrCodes[0] != want {
		t.Errorf("QrCodes[0] = %+v, want %+v", msg.QrCodes[0], want)
	}
}

func TestBuildResultMessage_NoDetections(t *testing.T) {
	now := time.Now()
	msg := BuildResultMessage("vid", nil, now, now)
	if msg.QrCodes == nil {
		t.Error("QrCodes should be an empty list, not nil")
	}
}
