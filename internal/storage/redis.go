package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// Channel names for progress fan-out.
const (
	ProgressChannel       = "video:progress"
	progressChannelPrefix = "video:progress:"
	chunkSetTTL           = 24 * time.Hour
)

// NewRedisClient connects to the configured Redis server and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// ProgressChannelFor is the per-video progress channel.
func ProgressChannelFor(id models.VideoID) string {
	return progressChannelPrefix + id.String()
}

// Publisher is the Redis publish command.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes progress notifications on the per-video and global channels.
type RedisNotifier struct {
	client Publisher
}

// NewRedisNotifier creates a RedisNotifier.
func NewRedisNotifier(client Publisher) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Notify publishes n as JSON.
func (r *RedisNotifier) Notify(ctx context.Context, n models.ProgressNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := r.client.Publish(ctx, ProgressChannelFor(n.VideoID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	if err := r.client.Publish(ctx, ProgressChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// SetCommands are the Redis set commands used for chunk bookkeeping.
type SetCommands interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisChunkTracker records received chunk sequences in a Redis set per upload.
type RedisChunkTracker struct {
	client SetCommands
}

// NewRedisChunkTracker creates a RedisChunkTracker.
func NewRedisChunkTracker(client SetCommands) *RedisChunkTracker {
	return &RedisChunkTracker{client: client}
}

func chunkSetKey(id models.VideoID) string {
	return fmt.Sprintf("upload:%s:chunks", id)
}

// MarkReceived adds seq to the upload's set and refreshes its expiry.
func (t *RedisChunkTracker) MarkReceived(ctx context.Context, id models.VideoID, seq int64) error {
	key := chunkSetKey(id)
	if err := t.client.SAdd(ctx, key, strconv.FormatInt(seq, 10)).Err(); err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}
	if err := t.client.Expire(ctx, key, chunkSetTTL).Err(); err != nil {
		return fmt.Errorf("failed to set chunk set expiry: %w", err)
	}
	return nil
}
