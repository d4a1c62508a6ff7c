package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/internal/metrics"
)

// Kafka loop settings
const (
	pollTimeout         = 100 * time.Millisecond
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = 2 * time.Second
)

// KafkaConsumer is the subset of *kafka.Consumer the loop uses.
type KafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Close() error
}

// NewKafkaConsumer creates a consumer that never auto-commits.
func NewKafkaConsumer(cfg config.KafkaConfig, groupID string) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":    cfg.BootstrapServers,
		"group.id":             groupID,
		"auto.offset.reset":    "earliest",
		"enable.auto.commit":   false,
		"session.timeout.ms":   30000,
		"max.poll.interval.ms": 300000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return consumer, nil
}

type completion struct {
	topic     string
	partition int32
	offset    int64
}

// KafkaLoop reads one topic and hands messages to a fixed set of handler lanes.
// Messages with the same key always go to the same lane, so one video's messages are
// handled in partition order. A single committer goroutine commits, per partition,
// only offsets whose predecessors have all finished.
type KafkaLoop struct {
	consumer    KafkaConsumer
	topic       string
	name        string
	handler     Handler
	giveUp      GiveUpFunc
	lanes       int
	maxAttempts int
	backoff     time.Duration
	tracker     *OffsetTracker
	logger      *slog.Logger
}

// GiveUpFunc is called when a message is acknowledged after its retries ran out.
type GiveUpFunc func(ctx context.Context, msg Message, err error)

// NewKafkaLoop creates a KafkaLoop. lanes <= 0 means one lane.
func NewKafkaLoop(consumer KafkaConsumer, topic, name string, handler Handler, lanes int, logger *slog.Logger) *KafkaLoop {
	if lanes <= 0 {
		lanes = 1
	}
	return &KafkaLoop{
		consumer:    consumer,
		topic:       topic,
		name:        name,
		handler:     handler,
		lanes:       lanes,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		tracker:     NewOffsetTracker(),
		logger:      logger.With("loop", name, "topic", topic),
	}
}

// OnGiveUp sets the hook run for messages whose retries ran out.
func (l *KafkaLoop) OnGiveUp(fn GiveUpFunc) *KafkaLoop {
	l.giveUp = fn
	return l
}

// Run consumes until ctx is cancelled, then drains in-flight handlers and commits what finished.
func (l *KafkaLoop) Run(ctx context.Context) error {
	if err := l.consumer.SubscribeTopics([]string{l.topic}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.topic, err)
	}

	l.logger.InfoContext(ctx, "Starting Kafka consumption", "lanes", l.lanes)

	completions := make(chan completion, l.lanes*4)
	committerDone := make(chan struct{})
	go func() {
		defer close(committerDone)
		l.commitLoop(completions)
	}()

	lanes := make([]chan *kafka.Message, l.lanes)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan *kafka.Message, 1)
		wg.Add(1)
		go func(in <-chan *kafka.Message) {
			defer wg.Done()
			for msg := range in {
				l.handle(ctx, msg, completions)
			}
		}(lanes[i])
	}

	l.readLoop(ctx, lanes)

	for _, lane := range lanes {
		close(lane)
	}
	l.logger.InfoContext(ctx, "Waiting for in-progress messages to complete...")
	wg.Wait()
	close(completions)
	<-committerDone
	l.logger.InfoContext(ctx, "Kafka consumption stopped")
	return nil
}

func (l *KafkaLoop) readLoop(ctx context.Context, lanes []chan *kafka.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := l.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			l.logger.ErrorContext(ctx, "Failed to read message", "error", err)
			continue
		}

		tp := msg.TopicPartition
		l.tracker.Dispatched(*tp.Topic, tp.Partition, int64(tp.Offset))

		select {
		case lanes[l.laneFor(msg.Key)] <- msg:
		case <-ctx.Done():
			// Never handed off, so never committed: it is redelivered after restart.
			return
		}
	}
}

func (l *KafkaLoop) laneFor(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(l.lanes))
}

func (l *KafkaLoop) handle(ctx context.Context, km *kafka.Message, completions chan<- completion) {
	metrics.ActiveJobs.WithLabelValues(l.name).Inc()
	defer metrics.ActiveJobs.WithLabelValues(l.name).Dec()

	tp := km.TopicPartition
	msg := Message{
		Key:       km.Key,
		Value:     km.Value,
		Headers:   fromKafkaHeaders(km.Headers),
		Topic:     *tp.Topic,
		Partition: tp.Partition,
		Offset:    int64(tp.Offset),
	}
	msg.ID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))

	for attempt := 1; ; attempt++ {
		err := l.handler(msgCtx, msg)
		if err == nil {
			break
		}
		if !IsRetryable(err) {
			l.logger.WarnContext(msgCtx, "Message acknowledged after error", "messageId", msg.ID, "error", err)
			break
		}
		if ctx.Err() != nil {
			l.logger.InfoContext(msgCtx, "Leaving message uncommitted for redelivery", "messageId", msg.ID, "error", err)
			return
		}
		if attempt >= l.maxAttempts {
			l.logger.ErrorContext(msgCtx, "Giving up on message", "messageId", msg.ID, "attempts", attempt, "error", err)
			if l.giveUp != nil {
				l.giveUp(msgCtx, msg, err)
			}
			break
		}
		l.logger.WarnContext(msgCtx, "Retrying message", "messageId", msg.ID, "attempt", attempt, "error", err)
		select {
		case <-time.After(l.backoff):
		case <-ctx.Done():
			return
		}
	}

	completions <- completion{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset}
}

func (l *KafkaLoop) commitLoop(completions <-chan completion) {
	for c := range completions {
		next, ok := l.tracker.Done(c.topic, c.partition, c.offset)
		metrics.PendingCommits.Set(float64(l.tracker.Pending()))
		if !ok {
			continue
		}

		topic := c.topic
		_, err := l.consumer.CommitOffsets([]kafka.TopicPartition{{
			Topic:     &topic,
			Partition: c.partition,
			Offset:    kafka.Offset(next),
		}})
		if err != nil {
			l.logger.Error("Failed to commit offset",
				"partition", c.partition,
				"offset", next,
				"error", err,
			)
		}
	}
}

// Close closes the underlying consumer.
func (l *KafkaLoop) Close() error {
	return l.consumer.Close()
}
