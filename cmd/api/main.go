package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/amillerrr/qr-pipeline/internal/api"
	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/internal/health"
	"github.com/amillerrr/qr-pipeline/internal/ingest"
	"github.com/amillerrr/qr-pipeline/internal/logger"
	"github.com/amillerrr/qr-pipeline/internal/observability"
	"github.com/amillerrr/qr-pipeline/internal/queue"
	"github.com/amillerrr/qr-pipeline/internal/stage"
	"github.com/amillerrr/qr-pipeline/internal/storage"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
)

func main() {
	// Load .env file if present
	envErr := godotenv.Load()

	// Load configuration
	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	// Initialize tracer
	shutdownTracer, err := observability.InitTracer(context.Background(), "qr-api", cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	// Initialize AWS clients
	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer cancel()

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	store, err := storage.OpenStatusStore(cfg, awsCfg)
	if err != nil {
		log.Error("Failed to open status store", "error", err)
		os.Exit(1)
	}
	log.Info("Status store initialized", "backend", cfg.Store.Backend)

	healthConfig := health.DefaultConfig("qr-api", log)
	healthConfig.Probes["s3"] = health.S3Probe(s3Client, cfg.AWS.RawBucket)
	healthConfig.Probes["sqs"] = health.SQSProbe(sqsClient, cfg.AWS.SQSQueueURL)
	if p, ok := store.(health.Pinger); ok {
		healthConfig.Probes["database"] = health.PingProbe(p)
	}

	var notifier stage.Notifier
	if cfg.Redis.Addr != "" {
		redisClient, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		notifier = storage.NewRedisNotifier(redisClient)
		healthConfig.Probes["redis"] = health.RedisProbe(redisClient)
	}

	kafkaProducer, err := queue.NewKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Error("Failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	producer := queue.NewProducer(kafkaProducer, cfg.Kafka, log)
	defer producer.Close()
	healthConfig.Probes["kafka"] = health.KafkaProbe(kafkaProducer, cfg.Kafka.ChunkTopic)

	orch := stage.NewOrchestrator(store, notifier, log)

	handlers := api.NewHandlers(&api.HandlersConfig{
		Orchestrator: orch,
		Ingestor:     ingest.NewIngestor(producer, orch, cfg.Ingest.ChunkSize, log),
		Reporter:     stage.NewUploadReporter(orch, producer, log),
		Links:        storage.NewArtifactStore(s3Client, s3.NewPresignClient(s3Client), cfg.AWS.RawBucket, cfg.API.UploadLinkTTL, log),
		Results:      store,
		Jobs:         queue.NewAnalysisQueue(sqsClient, cfg.AWS.SQSQueueURL, log),
		Logger:       log,
	})

	server := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Handlers:      handlers,
		HealthChecker: health.NewChecker(healthConfig),
	})

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
}
