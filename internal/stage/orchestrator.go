package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

var tracer = otel.Tracer("qr-stage")

// Store persists status records. CompareAndSetStage must be a single conditional write:
// it returns ErrStateConflict when the stored stage is not in from, and ErrVideoNotFound
// when there is no record.
type Store interface {
	Get(ctx context.Context, id models.VideoID) (*models.StatusRecord, error)
	Create(ctx context.Context, rec *models.StatusRecord) error
	CompareAndSetStage(ctx context.Context, id models.VideoID, from []models.Stage, to models.Stage, errMsg string, at time.Time) error
	UpdateProgress(ctx context.Context, id models.VideoID, p models.Progress, at time.Time) error
}

// Notifier fans progress out to clients.
type Notifier interface {
	Notify(ctx context.Context, n models.ProgressNotification) error
}

// JobQueue hands a video to the analysis stage.
type JobQueue interface {
	SendAnalysisJob(ctx context.Context, job models.AnalysisJob) error
}

// Transition is a persisted stage change.
type Transition struct {
	VideoID models.VideoID
	Event   models.Event
	From    models.Stage
	To      models.Stage
	At      time.Time
}

// Orchestrator is the only writer of stages. Every change is persisted before it is announced.
type Orchestrator struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. notifier may be nil.
func NewOrchestrator(store Store, notifier Notifier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Create persists a new Created record for id.
func (o *Orchestrator) Create(ctx context.Context, id models.VideoID) (*models.StatusRecord, error) {
	rec := models.NewStatusRecord(id, o.now())
	if err := o.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	o.announce(ctx, rec.VideoID, rec.Stage, 0, 0, "")
	return rec, nil
}

// Status returns the persisted record for id.
func (o *Orchestrator) Status(ctx context.Context, id models.VideoID) (*models.StatusRecord, error) {
	return o.store.Get(ctx, id)
}

// LastSequence returns the last durable chunk sequence recorded for id.
func (o *Orchestrator) LastSequence(ctx context.Context, id models.VideoID) (int64, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.LastSeq, nil
}

// Fire applies event to the persisted stage of id.
func (o *Orchestrator) Fire(ctx context.Context, id models.VideoID, event models.Event) (Transition, error) {
	return o.fire(ctx, id, event, "")
}

// Fail moves id to Failed, recording cause.
func (o *Orchestrator) Fail(ctx context.Context, id models.VideoID, event models.Event, cause error) (Transition, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return o.fire(ctx, id, event, msg)
}

func (o *Orchestrator) fire(ctx context.Context, id models.VideoID, event models.Event, errMsg string) (Transition, error) {
	ctx, span := tracer.Start(ctx, "fire-"+string(event))
	defer span.End()
	span.SetAttributes(attribute.String("video.id", id.String()))

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return Transition{}, err
	}

	to, err := Next(id, rec.Stage, event)
	if err != nil {
		metrics.StageConflicts.WithLabelValues(string(event)).Inc()
		return Transition{}, err
	}

	at := o.now().UTC()
	if err := o.store.CompareAndSetStage(ctx, id, []models.Stage{rec.Stage}, to, errMsg, at); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			metrics.StageConflicts.WithLabelValues(string(event)).Inc()
			return Transition{}, o.conflict(ctx, id, event, rec.Stage)
		}
		return Transition{}, fmt.Errorf("failed to persist stage %s for %s: %w", to, id, err)
	}

	metrics.StageTransitions.WithLabelValues(string(rec.Stage), string(to)).Inc()
	o.logger.InfoContext(ctx, "Stage changed",
		"videoId", id,
		"event", event,
		"from", rec.Stage,
		"stage", to,
	)
	o.announce(ctx, id, to, rec.ReceivedBytes, rec.TotalBytes, errMsg)

	return Transition{VideoID: id, Event: event, From: rec.Stage, To: to, At: at}, nil
}

// conflict re-reads the record after a lost race so the error names the winning stage.
func (o *Orchestrator) conflict(ctx context.Context, id models.VideoID, event models.Event, seen models.Stage) error {
	current := seen
	if rec, err := o.store.Get(ctx, id); err == nil {
		current = rec.Stage
	}
	return &models.StateConflictError{VideoID: id, Current: current, Event: event}
}

// RecordProgress persists a durable upload position and announces it.
func (o *Orchestrator) RecordProgress(ctx context.Context, id models.VideoID, p models.Progress) error {
	if err := o.store.UpdateProgress(ctx, id, p, o.now().UTC()); err != nil {
		return fmt.Errorf("failed to record progress for %s: %w", id, err)
	}
	total := p.TotalBytes
	if total <= 0 {
		if rec, err := o.store.Get(ctx, id); err == nil {
			total = rec.TotalBytes
		}
	}
	o.announce(ctx, id, models.StageUploading, p.ReceivedBytes, total, "")
	return nil
}

// Enqueue moves id to Sent and hands it to the analysis queue. A failed send leaves the
// video Sent and returns an error matching ErrEnqueueFailed.
func (o *Orchestrator) Enqueue(ctx context.Context, id models.VideoID, queue JobQueue) (Transition, error) {
	t, err := o.Fire(ctx, id, models.EventEnqueue)
	if err != nil {
		return Transition{}, err
	}
	if err := queue.SendAnalysisJob(ctx, models.AnalysisJob{VideoID: id}); err != nil {
		return t, fmt.Errorf("%w for %s: %w", models.ErrEnqueueFailed, id, err)
	}
	return t, nil
}

func (o *Orchestrator) announce(ctx context.Context, id models.VideoID, stage models.Stage, received, total int64, msg string) {
	if o.notifier == nil {
		return
	}
	n := models.ProgressNotification{
		VideoID:            id,
		Stage:              stage,
		ProgressPercentage: Percentage(stage, received, total),
		Message:            msg,
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.logger.WarnContext(ctx, "Failed to publish progress", "videoId", id, "stage", stage, "error", err)
	}
}
