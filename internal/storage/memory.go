package storage

import (
	"context"
	"sync"
	"time"

	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// MemoryStore keeps status records and results in process. For local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[models.VideoID]models.StatusRecord
	results map[models.VideoID]models.ResultMessage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[models.VideoID]models.StatusRecord),
		results: make(map[models.VideoID]models.ResultMessage),
	}
}

func (m *MemoryStore) Get(_ context.Context, id models.VideoID) (*models.StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Create(_ context.Context, rec *models.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.VideoID]; ok {
		return models.ErrVideoExists
	}
	m.records[rec.VideoID] = *rec
	return nil
}

func (m *MemoryStore) CompareAndSetStage(_ context.Context, id models.VideoID, from []models.Stage, to models.Stage, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	if !containsStage(from, rec.Stage) {
		return models.ErrStateConflict
	}

	rec.Stage = to
	rec.UpdatedAtUTC = at
	if errMsg != "" {
		rec.ErrorMessage = errMsg
	}
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id models.VideoID, p models.Progress, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	if p.LastSeq < rec.LastSeq {
		return nil
	}

	rec.LastSeq = p.LastSeq
	rec.ReceivedBytes = p.ReceivedBytes
	if p.TotalBytes > 0 {
		rec.TotalBytes = p.TotalBytes
	}
	rec.UpdatedAtUTC = at
	m.records[id] = rec
	return nil
}

// PutResult stores the result of a video, replacing any earlier one.
func (m *MemoryStore) PutResult(_ context.Context, result models.ResultMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results[result.VideoID] = result
	return nil
}

// GetResult returns ErrResultNotAvailable when no result was stored.
func (m *MemoryStore) GetResult(_ context.Context, id models.VideoID) (*models.ResultMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.results[id]
	if !ok {
		return nil, models.ErrResultNotAvailable
	}
	return &result, nil
}

func containsStage(stages []models.Stage, s models.Stage) bool {
	for _, st := range stages {
		if st == s {
			return true
		}
	}
	return false
}
