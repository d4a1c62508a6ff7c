package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/amillerrr/qr-pipeline/internal/metrics"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 900 // 15 minutes
	RetryBackoffPeriod   = 5 * time.Second
)

// SQSAPI is the subset of the SQS client the analysis queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// AnalysisQueue is the SQS queue carrying analysis jobs.
type AnalysisQueue struct {
	client   SQSAPI
	queueURL string
	backoff  time.Duration
	logger   *slog.Logger
}

// NewAnalysisQueue creates an AnalysisQueue for queueURL.
func NewAnalysisQueue(client SQSAPI, queueURL string, logger *slog.Logger) *AnalysisQueue {
	return &AnalysisQueue{
		client:   client,
		queueURL: queueURL,
		backoff:  RetryBackoffPeriod,
		logger:   logger,
	}
}

// SendAnalysisJob enqueues a job as {"videoId": ...}.
func (q *AnalysisQueue) SendAnalysisJob(ctx context.Context, job models.AnalysisJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send analysis job: %w", err)
	}

	q.logger.InfoContext(ctx, "Analysis job queued",
		"videoId", job.VideoID,
		"messageId", aws.ToString(out.MessageId),
	)
	return nil
}

// Run polls the queue until ctx is cancelled. A message is deleted once handler returns,
// unless the error is retryable, in which case it reappears after the visibility timeout.
func (q *AnalysisQueue) Run(ctx context.Context, handler Handler, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	q.logger.InfoContext(ctx, "Starting queue polling",
		"queueURL", q.queueURL,
		"maxConcurrent", maxConcurrent,
	)

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	defer func() {
		q.logger.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
		wg.Wait()
		q.logger.InfoContext(ctx, "All jobs completed, shutting down")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: SQSMaxMessages,
			WaitTimeSeconds:     SQSWaitTimeSeconds,
			VisibilityTimeout:   SQSVisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue // Shutting down
			}
			q.logger.ErrorContext(ctx, "Failed to receive messages", "error", err)
			select {
			case <-time.After(q.backoff):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range result.Messages {
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func(msg types.Message) {
					defer wg.Done()
					defer func() { <-sem }()

					metrics.ActiveJobs.WithLabelValues("analysis").Inc()
					defer metrics.ActiveJobs.WithLabelValues("analysis").Dec()

					q.process(ctx, handler, msg)
				}(msg)
			case <-ctx.Done():
				q.logger.InfoContext(ctx, "Context cancelled, stopping message processing")
				return
			}
		}
	}
}

func (q *AnalysisQueue) process(ctx context.Context, handler Handler, msg types.Message) {
	m := Message{
		ID:    aws.ToString(msg.MessageId),
		Value: []byte(aws.ToString(msg.Body)),
	}

	if err := handler(ctx, m); err != nil {
		if IsRetryable(err) {
			q.logger.WarnContext(ctx, "Leaving message for redelivery",
				"messageId", m.ID,
				"error", err,
			)
			return
		}
		q.logger.ErrorContext(ctx, "Failed to process message",
			"error", err,
			"messageId", m.ID,
		)
	}

	// Detached from ctx: a job that finished during shutdown is still deleted.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, delErr := q.client.DeleteMessage(delCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if delErr != nil {
		q.logger.ErrorContext(ctx, "Failed to delete message", "error", delErr)
	}
}
