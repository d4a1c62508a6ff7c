package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// StatusStore is a status backend that also keeps results.
type StatusStore interface {
	Get(ctx context.Context, id models.VideoID) (*models.StatusRecord, error)
	Create(ctx context.Context, rec *models.StatusRecord) error
	CompareAndSetStage(ctx context.Context, id models.VideoID, from []models.Stage, to models.Stage, errMsg string, at time.Time) error
	UpdateProgress(ctx context.Context, id models.VideoID, p models.Progress, at time.Time) error
	PutResult(ctx context.Context, result models.ResultMessage) error
	GetResult(ctx context.Context, id models.VideoID) (*models.ResultMessage, error)
}

// OpenStatusStore returns the backend named by cfg.Store.Backend.
func OpenStatusStore(cfg *config.Config, awsCfg aws.Config) (StatusStore, error) {
	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		return NewStatusRepository(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoDBTable), nil
	case config.BackendMySQL:
		store, err := OpenMySQL(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown status store %q", cfg.Store.Backend)
	}
}
