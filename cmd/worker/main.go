package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/internal/detect"
	"github.com/amillerrr/qr-pipeline/internal/frames"
	"github.com/amillerrr/qr-pipeline/internal/health"
	"github.com/amillerrr/qr-pipeline/internal/ingest"
	"github.com/amillerrr/qr-pipeline/internal/logger"
	"github.com/amillerrr/qr-pipeline/internal/observability"
	"github.com/amillerrr/qr-pipeline/internal/queue"
	"github.com/amillerrr/qr-pipeline/internal/stage"
	"github.com/amillerrr/qr-pipeline/internal/storage"
	"github.com/amillerrr/qr-pipeline/internal/worker"
)

// Timeouts
const (
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 5 * time.Second
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, relying on system ENV variables")
	}

	if err := run(cfg, log); err != nil {
		log.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	shutdownTracer, err := observability.InitTracer(context.Background(), "qr-worker", cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	initCtx, cancelInit := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer cancelInit()

	awsCfg, err := storage.LoadAWSConfig(initCtx, cfg)
	if err != nil {
		return err
	}
	s3Client := s3.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	store, err := storage.OpenStatusStore(cfg, awsCfg)
	if err != nil {
		return err
	}

	healthConfig := health.DefaultConfig("qr-worker", log)
	healthConfig.Probes["s3"] = health.S3Probe(s3Client, cfg.AWS.RawBucket)
	if cfg.AWS.SQSQueueURL != "" {
		healthConfig.Probes["sqs"] = health.SQSProbe(sqsClient, cfg.AWS.SQSQueueURL)
	}
	if p, ok := store.(health.Pinger); ok {
		healthConfig.Probes["database"] = health.PingProbe(p)
	}

	var (
		notifier stage.Notifier
		tracker  ingest.ChunkTracker
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := storage.NewRedisClient(initCtx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		notifier = storage.NewRedisNotifier(redisClient)
		tracker = storage.NewRedisChunkTracker(redisClient)
		healthConfig.Probes["redis"] = health.RedisProbe(redisClient)
	}

	kafkaProducer, err := queue.NewKafkaProducer(cfg.Kafka)
	if err != nil {
		return err
	}
	producer := queue.NewProducer(kafkaProducer, cfg.Kafka, log)
	defer producer.Close()
	healthConfig.Probes["kafka"] = health.KafkaProbe(kafkaProducer, cfg.Kafka.ResultsTopic)

	orch := stage.NewOrchestrator(store, notifier, log)
	artifacts := storage.NewArtifactStore(s3Client, nil, cfg.AWS.RawBucket, 0, log)
	jobs := queue.NewAnalysisQueue(sqsClient, cfg.AWS.SQSQueueURL, log)

	// Chunk and control roles share one staging store.
	var chunkStore *ingest.FileChunkStore
	if cfg.HasRole(config.RoleChunks) || cfg.HasRole(config.RoleControl) {
		chunkStore, err = ingest.NewFileChunkStore(cfg.Ingest.StagingDir, tracker, log)
		if err != nil {
			return err
		}
	}

	checker := health.NewChecker(healthConfig)
	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, checker, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down worker...")
		cancel()
	}()

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error("Consumer loop failed", "loop", name, "error", err)
				cancel()
			}
		}()
	}

	if cfg.HasRole(config.RoleChunks) {
		writer := worker.NewChunkWriter(chunkStore, orch, log)
		loop, err := newKafkaLoop(cfg, cfg.Kafka.ChunkTopic, config.RoleChunks, writer.HandleMessage, log)
		if err != nil {
			return err
		}
		defer loop.Close()
		runLoop(config.RoleChunks, loop.Run)
	}

	if cfg.HasRole(config.RoleControl) {
		control := worker.NewControlHandler(worker.ControlConfig{
			Store:     chunkStore,
			Assembler: ingest.NewAssembler(chunkStore, log),
			Artifacts: artifacts,
			Orch:      orch,
			Jobs:      jobs,
			Logger:    log,
		})
		loop, err := newKafkaLoop(cfg, cfg.Kafka.ControlTopic, config.RoleControl, control.HandleMessage, log)
		if err != nil {
			return err
		}
		loop.OnGiveUp(control.GiveUp)
		defer loop.Close()
		runLoop(config.RoleControl, loop.Run)
	}

	if cfg.HasRole(config.RoleAnalysis) {
		analysis := worker.NewAnalysisHandler(worker.AnalysisConfig{
			Orch:      orch,
			Artifacts: artifacts,
			Sampler: frames.NewSampler(frames.Config{
				FFmpegPath:      cfg.Scan.FFmpegPath,
				FFprobePath:     cfg.Scan.FFprobePath,
				FramesPerSecond: cfg.Scan.FramesPerSecond,
				WorkDir:         cfg.Scan.FrameDir,
			}, nil, log),
			Detector:    detect.NewEngine(nil, cfg.Scan.DetectWorkers, log),
			Publisher:   producer,
			Results:     store,
			DownloadDir: cfg.Scan.DownloadDir,
			Logger:      log,
		})
		runLoop(config.RoleAnalysis, func(ctx context.Context) error {
			jobs.Run(ctx, analysis.HandleMessage, cfg.Worker.MaxConcurrentJobs)
			return nil
		})
	}

	log.Info("Worker started", "roles", cfg.Worker.Roles)
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}
	return nil
}

func newKafkaLoop(cfg *config.Config, topic, role string, handler queue.Handler, log *slog.Logger) (*queue.KafkaLoop, error) {
	consumer, err := queue.NewKafkaConsumer(cfg.Kafka, cfg.Kafka.GroupID+"-"+role)
	if err != nil {
		return nil, err
	}
	return queue.NewKafkaLoop(consumer, topic, role, handler, cfg.Worker.MaxConcurrentJobs, log), nil
}

func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/deep", checker.DeepHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting metrics server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()
	return server
}
