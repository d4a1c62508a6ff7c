package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// SQLStore stores status records and results in MySQL through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenMySQL connects to MySQL and migrates the status and result tables.
func OpenMySQL(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore migrates the schema on db and returns a store over it.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&models.StatusRecord{}, &resultRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Get(ctx context.Context, id models.VideoID) (*models.StatusRecord, error) {
	var rec models.StatusRecord
	err := s.db.WithContext(ctx).Where("video_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrVideoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return &rec, nil
}

func (s *SQLStore) Create(ctx context.Context, rec *models.StatusRecord) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", models.ErrVideoExists, rec.VideoID)
	}
	if err != nil {
		return fmt.Errorf("failed to create status: %w", err)
	}
	return nil
}

func (s *SQLStore) CompareAndSetStage(ctx context.Context, id models.VideoID, from []models.Stage, to models.Stage, errMsg string, at time.Time) error {
	updates := map[string]interface{}{
		"stage":          to,
		"updated_at_utc": at.UTC(),
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}

	res := s.db.WithContext(ctx).
		Model(&models.StatusRecord{}).
		Where("video_id = ? AND stage IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update stage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOr(ctx, id, models.ErrStateConflict)
	}
	return nil
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id models.VideoID, p models.Progress, at time.Time) error {
	updates := map[string]interface{}{
		"last_seq":       p.LastSeq,
		"received_bytes": p.ReceivedBytes,
		"updated_at_utc": at.UTC(),
	}
	if p.TotalBytes > 0 {
		updates["total_bytes"] = p.TotalBytes
	}

	res := s.db.WithContext(ctx).
		Model(&models.StatusRecord{}).
		Where("video_id = ? AND last_seq <= ?", id, p.LastSeq).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOr(ctx, id, nil)
	}
	return nil
}

// missingOr distinguishes a missing row from a failed condition.
func (s *SQLStore) missingOr(ctx context.Context, id models.VideoID, conditionErr error) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.StatusRecord{}).Where("video_id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check status: %w", err)
	}
	if count == 0 {
		return models.ErrVideoNotFound
	}
	return conditionErr
}

// resultRow is a ResultMessage with its detections stored as JSON.
type resultRow struct {
	VideoID          string    `gorm:"column:video_id;type:varchar(36);primaryKey"`
	CompletedAt      time.Time `gorm:"column:completed_at;not null"`
	ProcessingTimeMs float64   `gorm:"column:processing_time_ms"`
	QrCodes          string    `gorm:"column:qr_codes;type:text"`
}

func (resultRow) TableName() string {
	return "video_results"
}

func toResultRow(result models.ResultMessage) (resultRow, error) {
	codes, err := json.Marshal(result.QrCodes)
	if err != nil {
		return resultRow{}, fmt.Errorf("failed to marshal detections: %w", err)
	}
	return resultRow{
		VideoID:          result.VideoID.String(),
		CompletedAt:      result.CompletedAt.UTC(),
		ProcessingTimeMs: result.ProcessingTimeMs,
		QrCodes:          string(codes),
	}, nil
}

func (r resultRow) toResultMessage() (*models.ResultMessage, error) {
	codes := []models.QrCodeEntry{}
	if r.QrCodes != "" {
		if err := json.Unmarshal([]byte(r.QrCodes), &codes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal detections: %w", err)
		}
	}
	return &models.ResultMessage{
		VideoID:          models.VideoID(r.VideoID),
		CompletedAt:      r.CompletedAt.UTC(),
		ProcessingTimeMs: r.ProcessingTimeMs,
		QrCodes:          codes,
	}, nil
}

func (s *SQLStore) PutResult(ctx context.Context, result models.ResultMessage) error {
	row, err := toResultRow(result)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (s *SQLStore) GetResult(ctx context.Context, id models.VideoID) (*models.ResultMessage, error) {
	var row resultRow
	err := s.db.WithContext(ctx).Where("video_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrResultNotAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return row.toResultMessage()
}
