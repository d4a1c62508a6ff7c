package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// Sort keys of the items stored per video.
const (
	statusSK = "STATUS"
	resultSK = "RESULT"
)

// DynamoDBAPI is the subset of the DynamoDB client the repository uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// StatusRepository stores status records and results in a single DynamoDB table.
type StatusRepository struct {
	client    DynamoDBAPI
	tableName string
}

// NewStatusRepository creates a StatusRepository over an existing client.
func NewStatusRepository(client DynamoDBAPI, tableName string) *StatusRepository {
	return &StatusRepository{
		client:    client,
		tableName: tableName,
	}
}

func videoKey(id models.VideoID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("VIDEO#%s", id)},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// Get retrieves the status record of a video.
func (r *StatusRepository) Get(ctx context.Context, id models.VideoID) (*models.StatusRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            videoKey(id, statusSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrVideoNotFound
	}

	var rec models.StatusRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	if !rec.Stage.IsValid() {
		return nil, fmt.Errorf("%w: %q stored for %s", models.ErrInvalidStage, rec.Stage, id)
	}

	return &rec, nil
}

// Create stores a new status record. It fails with ErrVideoExists if one is already there.
func (r *StatusRepository) Create(ctx context.Context, rec *models.StatusRecord) error {
	rec.PK = fmt.Sprintf("VIDEO#%s", rec.VideoID)
	rec.SK = statusSK

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s", models.ErrVideoExists, rec.VideoID)
		}
		return fmt.Errorf("failed to create status: %w", err)
	}

	return nil
}

// CompareAndSetStage moves the stage to `to` only if it is currently one of from.
func (r *StatusRepository) CompareAndSetStage(ctx context.Context, id models.VideoID, from []models.Stage, to models.Stage, errMsg string, at time.Time) error {
	values := map[string]types.AttributeValue{
		":to":         &types.AttributeValueMemberS{Value: string(to)},
		":updated_at": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
	}
	placeholders := make([]string, 0, len(from))
	for i, s := range from {
		key := fmt.Sprintf(":from%d", i)
		values[key] = &types.AttributeValueMemberS{Value: string(s)}
		placeholders = append(placeholders, key)
	}

	update := "SET #stage = :to, updated_at = :updated_at"
	if errMsg != "" {
		update += ", error_message = :error"
		values[":error"] = &types.AttributeValueMemberS{Value: errMsg}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              videoKey(id, statusSK),
		UpdateExpression: aws.String(update),
		ExpressionAttributeNames: map[string]string{
			"#stage": "stage",
		},
		ExpressionAttributeValues:           values,
		ConditionExpression:                 aws.String(fmt.Sprintf("attribute_exists(pk) AND #stage IN (%s)", strings.Join(placeholders, ", "))),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if condErr.Item == nil {
				return models.ErrVideoNotFound
			}
			return models.ErrStateConflict
		}
		return fmt.Errorf("failed to update stage: %w", err)
	}

	return nil
}

// UpdateProgress records an upload position. Positions behind the stored one are ignored.
func (r *StatusRepository) UpdateProgress(ctx context.Context, id models.VideoID, p models.Progress, at time.Time) error {
	values := map[string]types.AttributeValue{
		":seq":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", p.LastSeq)},
		":received":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", p.ReceivedBytes)},
		":updated_at": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
	}
	update := "SET last_seq = :seq, received_bytes = :received, updated_at = :updated_at"
	if p.TotalBytes > 0 {
		update += ", total_bytes = :total"
		values[":total"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", p.TotalBytes)}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(r.tableName),
		Key:                                 videoKey(id, statusSK),
		UpdateExpression:                    aws.String(update),
		ExpressionAttributeValues:           values,
		ConditionExpression:                 aws.String("attribute_exists(pk) AND last_seq <= :seq"),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if condErr.Item == nil {
				return models.ErrVideoNotFound
			}
			return nil
		}
		return fmt.Errorf("failed to update progress: %w", err)
	}

	return nil
}

type resultItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.ResultMessage
}

// PutResult stores the final result of a video.
func (r *StatusRepository) PutResult(ctx context.Context, result models.ResultMessage) error {
	item, err := attributevalue.MarshalMap(resultItem{
		PK:            fmt.Sprintf("VIDEO#%s", result.VideoID),
		SK:            resultSK,
		ResultMessage: result,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// GetResult returns the stored result, or ErrResultNotAvailable.
func (r *StatusRepository) GetResult(ctx context.Context, id models.VideoID) (*models.ResultMessage, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       videoKey(id, resultSK),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	if out.Item == nil {
		return nil, models.ErrResultNotAvailable
	}

	var item resultItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &item.ResultMessage, nil
}
