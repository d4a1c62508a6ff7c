package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// flushTimeoutMs bounds how long Close waits for queued messages.
const flushTimeoutMs = 5000

// KafkaProducer is the subset of *kafka.Producer the gateway uses.
type KafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// NewKafkaProducer creates an idempotent producer that waits for all in-sync replicas.
func NewKafkaProducer(cfg config.KafkaConfig) (*kafka.Producer, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// Producer publishes upload chunks, upload control signals and results.
// Every send waits for the broker's delivery report.
type Producer struct {
	producer KafkaProducer
	topics   config.KafkaConfig
	logger   *slog.Logger
}

// NewProducer wraps a Kafka producer with the configured topic names.
func NewProducer(producer KafkaProducer, topics config.KafkaConfig, logger *slog.Logger) *Producer {
	return &Producer{producer: producer, topics: topics, logger: logger}
}

// Write sends one chunk to the chunk channel, keyed by video id.
func (p *Producer) Write(ctx context.Context, chunk models.Chunk) error {
	return p.produce(ctx, p.topics.ChunkTopic, chunk.VideoID, chunk.Data, map[string]string{
		models.HeaderSequence: strconv.FormatInt(chunk.Sequence, 10),
	})
}

// SendControl sends an upload started or completed signal.
func (p *Producer) SendControl(ctx context.Context, msg models.ControlMessage) error {
	return p.produce(ctx, p.topics.ControlTopic, msg.VideoID, nil, ControlHeaders(msg))
}

// PublishResult sends the final result of a video to the results channel.
func (p *Producer) PublishResult(ctx context.Context, result models.ResultMessage) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := p.produce(ctx, p.topics.ResultsTopic, result.VideoID, data, nil); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPublishFailed, err)
	}
	return nil
}

func (p *Producer) produce(ctx context.Context, topic string, key models.VideoID, value []byte, headers map[string]string) error {
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		carrier[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
		Headers:        toKafkaHeaders(carrier),
	}

	delivery := make(chan kafka.Event, 1)
	if err := p.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event on %s: %v", topic, e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("failed to deliver to %s: %w", topic, m.TopicPartition.Error)
		}
		p.logger.DebugContext(ctx, "Message delivered",
			"topic", topic,
			"videoId", key,
			"partition", m.TopicPartition.Partition,
			"offset", int64(m.TopicPartition.Offset),
		)
		return nil
	}
}

// Close flushes outstanding messages and closes the producer.
func (p *Producer) Close() {
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		p.logger.Warn("Kafka producer closed with undelivered messages", "count", remaining)
	}
	p.producer.Close()
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
