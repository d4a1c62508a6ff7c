package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/internal/logger"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

const testID models.VideoID = "7c1e2d3f-4a5b-4c6d-8e9f-0a1b2c3d4e5f"

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()

	if _, err := m.Get(ctx, testID); !errors.Is(err, models.ErrVideoNotFound) {
		t.Errorf("Get() error = %v, want ErrVideoNotFound", err)
	}
	if err := m.Create(ctx, models.NewStatusRecord(testID, now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Create(ctx, models.NewStatusRecord(testID, now)); !errors.Is(err, models.ErrVideoExists) {
		t.Errorf("second Create() error = %v, want ErrVideoExists", err)
	}

	err := m.CompareAndSetStage(ctx, testID, []models.Stage{models.StageSent}, models.StageProcessing, "", now)
	if !errors.Is(err, models.ErrStateConflict) {
		t.Errorf("CompareAndSetStage() from wrong stage error = %v", err)
	}
	err = m.CompareAndSetStage(ctx, testID, []models.Stage{models.StageCreated, models.StageUploaded}, models.StageSent, "", now)
	if err != nil {
		t.Fatalf("CompareAndSetStage() error = %v", err)
	}
	if err := m.CompareAndSetStage(ctx, "other", nil, models.StageSent, "", now); !errors.Is(err, models.ErrVideoNotFound) {
		t.Errorf("CompareAndSetStage() missing error = %v", err)
	}

	rec, _ := m.Get(ctx, testID)
	if rec.Stage != models.StageSent || rec.LastSeq != models.NoSequence {
		t.Errorf("record = %+v", rec)
	}

	// Mutating a returned record does not touch the store.
	rec.Stage = models.StageFailed
	again, _ := m.Get(ctx, testID)
	if again.Stage != models.StageSent {
		t.Error("Get() returned shared state")
	}
}

func TestMemoryStore_Results(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if _, err := m.GetResult(ctx, testID); !errors.Is(err, models.ErrResultNotAvailable) {
		t.Errorf("GetResult() error = %v, want ErrResultNotAvailable", err)
	}
	want := models.ResultMessage{VideoID: testID, ProcessingTimeMs: 12.5}
	if err := m.PutResult(ctx, want); err != nil {
		t.Fatalf("PutResult() error = %v", err)
	}
	got, err := m.GetResult(ctx, testID)
	if err != nil || got.ProcessingTimeMs != 12.5 {
		t.Errorf("GetResult() = %+v, %v", got, err)
	}
}

// mockDynamoDB records requests and returns canned responses.
type mockDynamoDB struct {
	getItem    map[string]types.AttributeValue
	putErr     error
	updateErr  error
	lastPut    *dynamodb.PutItemInput
	lastUpdate *dynamodb.UpdateItemInput
}

func (m *mockDynamoDB) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: m.getItem}, nil
}

func (m *mockDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.lastPut = in
	return &dynamodb.PutItemOutput{}, m.putErr
}

func (m *mockDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, m.updateErr
}

func TestStatusRepository_Get(t *testing.T) {
	item, err := attributevalue.MarshalMap(models.StatusRecord{
		PK: "VIDEO#" + string(testID), SK: "STATUS",
		VideoID: testID, Stage: models.StageSent, LastSeq: 4,
	})
	if err != nil {
		t.Fatalf("MarshalMap() error = %v", err)
	}

	repo := NewStatusRepository(&mockDynamoDB{getItem: item}, "videos")
	rec, err := repo.Get(context.Background(), testID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Stage != models.StageSent || rec.LastSeq != 4 {
		t.Errorf("Get() = %+v", rec)
	}

	empty := NewStatusRepository(&mockDynamoDB{}, "videos")
	if _, err := empty.Get(context.Background(), testID); !errors.Is(err, models.ErrVideoNotFound) {
		t.Errorf("Get() error = %v, want ErrVideoNotFound", err)
	}

	corrupt, _ := attributevalue.MarshalMap(models.StatusRecord{VideoID: testID, Stage: "Transcoding"})
	bad := NewStatusRepository(&mockDynamoDB{getItem: corrupt}, "videos")
	if _, err := bad.Get(context.Background(), testID); !errors.Is(err, models.ErrInvalidStage) {
		t.Errorf("Get() error = %v, want ErrInvalidStage", err)
	}
}

func TestStatusRepository_Create(t *testing.T) {
	db := &mockDynamoDB{}
	repo := NewStatusRepository(db, "videos")

	if err := repo.Create(context.Background(), models.NewStatusRecord(testID, time.Now())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := aws.ToString(db.lastPut.ConditionExpression); got != "attribute_not_exists(pk)" {
		t.Errorf("ConditionExpression = %q", got)
	}
	pk := db.lastPut.Item["pk"].(*types.AttributeValueMemberS).Value
	if pk != "VIDEO#"+string(testID) {
		t.Errorf("pk = %q", pk)
	}

	db.putErr = &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	if err := repo.Create(context.Background(), models.NewStatusRecord(testID, time.Now())); !errors.Is(err, models.ErrVideoExists) {
		t.Errorf("Create() error = %v, want ErrVideoExists", err)
	}
}

func TestStatusRepository_CompareAndSetStage(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		wantNil bool
	}{
		{"success", nil, nil, true},
		{"stage moved", &types.ConditionalCheckFailedException{Item: map[string]types.AttributeValue{
			"stage": &types.AttributeValueMemberS{Value: "Processing"},
		}}, models.ErrStateConflict, false},
		{"no record", &types.ConditionalCheckFailedException{}, models.ErrVideoNotFound, false},
		{"transport", errors.New("timeout"), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDynamoDB{updateErr: tt.err}
			repo := NewStatusRepository(db, "videos")

			err := repo.CompareAndSetStage(context.Background(), testID,
				[]models.Stage{models.StageCreated, models.StageUploaded}, models.StageSent, "", time.Now())

			if tt.wantNil && err != nil {
				t.Fatalf("CompareAndSetStage() error = %v", err)
			}
			if !tt.wantNil && err == nil {
				t.Fatal("CompareAndSetStage() expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("CompareAndSetStage() error = %v, want %v", err, tt.want)
			}

			cond := aws.ToString(db.lastUpdate.ConditionExpression)
			if cond != "attribute_exists(pk) AND #stage IN (:from0, :from1)" {
				t.Errorf("ConditionExpression = %q", cond)
			}
			to := db.lastUpdate.ExpressionAttributeValues[":to"].(*types.AttributeValueMemberS).Value
			if to != string(models.StageSent) {
				t.Errorf(":to = %q", to)
			}
		})
	}
}

func TestStatusRepository_CompareAndSetStage_ErrorMessage(t *testing.T) {
	db := &mockDynamoDB{}
	repo := NewStatusRepository(db, "videos")

	if err := repo.CompareAndSetStage(context.Background(), testID, []models.Stage{models.StageProcessing}, models.StageFailed, "boom", time.Now()); err != nil {
		t.Fatalf("CompareAndSetStage() error = %v", err)
	}
	if !strings.Contains(aws.ToString(db.lastUpdate.UpdateExpression), "error_message = :error") {
		t.Errorf("UpdateExpression = %q", aws.ToString(db.lastUpdate.UpdateExpression))
	}
}

func TestStatusRepository_UpdateProgress(t *testing.T) {
	db := &mockDynamoDB{}
	repo := NewStatusRepository(db, "videos")
	ctx := context.Background()

	if err := repo.UpdateProgress(ctx, testID, models.Progress{LastSeq: 2, ReceivedBytes: 30}, time.Now()); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if strings.Contains(aws.ToString(db.lastUpdate.UpdateExpression), "total_bytes") {
		t.Error("total_bytes should be left alone when unknown")
	}

	db.updateErr = &types.ConditionalCheckFailedException{Item: map[string]types.AttributeValue{}}
	if err := repo.UpdateProgress(ctx, testID, models.Progress{LastSeq: 1}, time.Now()); err != nil {
		t.Errorf("stale UpdateProgress() error = %v, want nil", err)
	}

	db.updateErr = &types.ConditionalCheckFailedException{}
	if err := repo.UpdateProgress(ctx, testID, models.Progress{LastSeq: 1}, time.Now()); !errors.Is(err, models.ErrVideoNotFound) {
		t.Errorf("UpdateProgress() error = %v, want ErrVideoNotFound", err)
	}
}

func TestStatusRepository_Results(t *testing.T) {
	db := &mockDynamoDB{}
	repo := NewStatusRepository(db, "videos")
	ctx := context.Background()

	want := models.ResultMessage{
		VideoID:          testID,
		CompletedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		ProcessingTimeMs: 840,
		QrCodes:          []models.QrCodeEntry{{Text: "HELLO", TimestampSeconds: 2, FormattedTimestamp: "00:02.000"}},
	}
	if err := repo.PutResult(ctx, want); err != nil {
		t.Fatalf("PutResult() error = %v", err)
	}
	if sk := db.lastPut.Item["sk"].(*types.AttributeValueMemberS).Value; sk != "RESULT" {
		t.Errorf("sk = %q, want RESULT", sk)
	}

	db.getItem = db.lastPut.Item
	got, err := repo.GetResult(ctx, testID)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if !got.CompletedAt.Equal(want.CompletedAt) || len(got.QrCodes) != 1 || got.QrCodes[0] != want.QrCodes[0] {
		t.Errorf("GetResult() = %+v", got)
	}

	db.getItem = nil
	if _, err := repo.GetResult(ctx, testID); !errors.Is(err, models.ErrResultNotAvailable) {
		t.Errorf("GetResult() error = %v, want ErrResultNotAvailable", err)
	}
}

func TestResultRow_RoundTrip(t *testing.T) {
	msg := models.ResultMessage{
		VideoID:          testID,
		CompletedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		ProcessingTimeMs: 10,
		QrCodes:          []models.QrCodeEntry{{Text: "A", TimestampSeconds: 0.5, FormattedTimestamp: "00:00.500"}},
	}
	row, err := toResultRow(msg)
	if err != nil {
		t.Fatalf("toResultRow() error = %v", err)
	}
	back, err := row.toResultMessage()
	if err != nil {
		t.Fatalf("toResultMessage() error = %v", err)
	}
	if back.VideoID != testID || back.QrCodes[0] != msg.QrCodes[0] {
		t.Errorf("round trip = %+v", back)
	}

	empty, err := resultRow{VideoID: string(testID)}.toResultMessage()
	if err != nil || empty.QrCodes == nil {
		t.Errorf("empty row = %+v, %v", empty, err)
	}
}

type mockS3 struct {
	objects map[string][]byte
	getErr  error
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type mockPresigner struct {
	lastKey string
	expires time.Duration
}

func (m *mockPresigner) PresignPutObject(_ context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := &s3.PresignOptions{}
	for _, fn := range optFns {
		fn(opts)
	}
	m.lastKey = aws.ToString(in.Key)
	m.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://bucket.s3/" + m.lastKey + "?sig=1", Method: "PUT"}, nil
}

func TestArtifactStore_UploadDownload(t *testing.T) {
	ctx := context.Background()
	client := &mockS3{objects: map[string][]byte{}}
	store := NewArtifactStore(client, nil, "raw", time.Minute, logger.Discard())

	src := filepath.Join(t.TempDir(), "in.mp4")
	if err := os.WriteFile(src, []byte("video-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := store.Upload(ctx, testID, src); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if _, ok := client.objects[ArtifactKey(testID)]; !ok {
		t.Fatalf("object not stored under %s", ArtifactKey(testID))
	}

	path, err := store.Download(ctx, testID, t.TempDir())
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "video-bytes" {
		t.Errorf("downloaded %q", data)
	}
}

func TestArtifactStore_DownloadFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	store := NewArtifactStore(&mockS3{getErr: errors.New("denied")}, nil, "raw", time.Minute, logger.Discard())

	if _, err := store.Download(context.Background(), testID, dir); err == nil {
		t.Fatal("Download() expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestArtifactStore_GenerateUploadLink(t *testing.T) {
	presigner := &mockPresigner{}
	store := NewArtifactStore(&mockS3{}, presigner, "raw", 15*time.Minute, logger.Discard())

	before := time.Now()
	link, err := store.GenerateUploadLink(context.Background(), testID)
	if err != nil {
		t.Fatalf("GenerateUploadLink() error = %v", err)
	}
	if link.Key != "uploads/"+string(testID)+".mp4" || presigner.lastKey != link.Key {
		t.Errorf("link key = %q, presigned %q", link.Key, presigner.lastKey)
	}
	if presigner.expires != 15*time.Minute {
		t.Errorf("presign expiry = %v", presigner.expires)
	}
	if link.ExpiresAt.Before(before.Add(15 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", link.ExpiresAt)
	}

	if _, err := NewArtifactStore(&mockS3{}, nil, "raw", time.Minute, logger.Discard()).GenerateUploadLink(context.Background(), testID); err == nil {
		t.Error("GenerateUploadLink() without presigner should fail")
	}
}

type mockRedis struct {
	published map[string][]string
	sets      map[string]map[string]bool
	expired   []string
	pubErr    error
}

func newMockRedis() *mockRedis {
	return &mockRedis{published: map[string][]string{}, sets: map[string]map[string]bool{}}
}

func (m *mockRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if m.pubErr != nil {
		return redis.NewIntResult(0, m.pubErr)
	}
	m.published[channel] = append(m.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (m *mockRedis) SAdd(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	if m.sets[key] == nil {
		m.sets[key] = map[string]bool{}
	}
	for _, mem := range members {
		m.sets[key][mem.(string)] = true
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (m *mockRedis) Expire(_ context.Context, key string, _ time.Duration) *redis.BoolCmd {
	m.expired = append(m.expired, key)
	return redis.NewBoolResult(true, nil)
}

func TestRedisNotifier(t *testing.T) {
	client := newMockRedis()
	n := NewRedisNotifier(client)

	err := n.Notify(context.Background(), models.ProgressNotification{VideoID: testID, Stage: models.StageSent, ProgressPercentage: 60})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	perVideo := client.published[ProgressChannelFor(testID)]
	if len(perVideo) != 1 || len(client.published[ProgressChannel]) != 1 {
		t.Fatalf("published = %v", client.published)
	}
	if !strings.Contains(perVideo[0], `"progressPercentage":60`) {
		t.Errorf("payload = %s", perVideo[0])
	}

	client.pubErr = errors.New("connection refused")
	if err := n.Notify(context.Background(), models.ProgressNotification{VideoID: testID}); err == nil {
		t.Error("Notify() expected error")
	}
}

func TestRedisChunkTracker(t *testing.T) {
	client := newMockRedis()
	tracker := NewRedisChunkTracker(client)
	ctx := context.Background()

	for _, seq := range []int64{0, 1, 1, 2} {
		if err := tracker.MarkReceived(ctx, testID, seq); err != nil {
			t.Fatalf("MarkReceived() error = %v", err)
		}
	}

	if n := len(client.sets["upload:"+string(testID)+":chunks"]); n != 3 {
		t.Errorf("set size = %d, want 3", n)
	}
	if len(client.expired) == 0 || client.expired[0] != "upload:"+string(testID)+":chunks" {
		t.Errorf("expired keys = %v", client.expired)
	}
}

func TestOpenStatusStore(t *testing.T) {
	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{config.BackendMemory, "*storage.MemoryStore", false},
		{config.BackendDynamoDB, "*storage.StatusRepository", false},
		{"mongo", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := &config.Config{
				AWS:   config.AWSConfig{Region: "us-west-2", DynamoDBTable: "videos"},
				Store: config.StoreConfig{Backend: tt.backend},
			}
			store, err := OpenStatusStore(cfg, aws.Config{Region: "us-west-2"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("OpenStatusStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := fmt.Sprintf("%T", store); got != tt.want {
				t.Errorf("OpenStatusStore() = %s, want %s", got, tt.want)
			}
		})
	}
}
