package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Environment   string              `yaml:"environment"`
	LogLevel      string              `yaml:"log_level"`
	AWS           AWSConfig           `yaml:"aws"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	Store         StoreConfig         `yaml:"store"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Scan          ScanConfig          `yaml:"scan"`
	API           APIConfig           `yaml:"api"`
	Worker        WorkerConfig        `yaml:"worker"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region        string `yaml:"region"`
	RawBucket     string `yaml:"raw_bucket"`
	SQSQueueURL   string `yaml:"sqs_queue_url"`
	DynamoDBTable string `yaml:"dynamodb_table"`
}

// KafkaConfig holds broker settings for the upload and results channels.
type KafkaConfig struct {
	BootstrapServers string `yaml:"bootstrap_servers"`
	GroupID          string `yaml:"group_id"`
	ChunkTopic       string `yaml:"chunk_topic"`
	ControlTopic     string `yaml:"control_topic"`
	ResultsTopic     string `yaml:"results_topic"`
}

// RedisConfig holds the progress fan-out connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig selects the status store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // dynamodb, mysql or memory
	DSN     string `yaml:"dsn"`
}

// IngestConfig holds chunking and staging settings.
type IngestConfig struct {
	ChunkSize  int    `yaml:"chunk_size"`
	StagingDir string `yaml:"staging_dir"`
}

// ScanConfig holds frame sampling and detection settings.
type ScanConfig struct {
	FFmpegPath      string  `yaml:"ffmpeg_path"`
	FFprobePath     string  `yaml:"ffprobe_path"`
	FramesPerSecond float64 `yaml:"frames_per_second"`
	FrameDir        string  `yaml:"frame_dir"`
	DownloadDir     string  `yaml:"download_dir"`
	DetectWorkers   int     `yaml:"detect_workers"`
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port           string        `yaml:"port"`
	UploadLinkTTL  time.Duration `yaml:"upload_link_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	MetricsPort       int      `yaml:"metrics_port"`
	Roles             []string `yaml:"roles"`
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default values
const (
	DefaultPort              = "8080"
	DefaultMetricsPort       = 2112
	DefaultMaxConcurrentJobs = 1
	DefaultOTLPEndpoint      = "localhost:4317"
	DefaultRegion            = "us-west-2"
	DefaultChunkSize         = 512 * 1024
	DefaultFramesPerSecond   = 5
	DefaultUploadLinkTTL     = 15 * time.Minute
	DefaultGroupID           = "qr-pipeline"
	DefaultChunkTopic        = "video-upload-chunks"
	DefaultControlTopic      = "video-upload-control"
	DefaultResultsTopic      = "video-qr-results"
)

// Worker roles
const (
	RoleChunks   = "chunks"
	RoleControl  = "control"
	RoleAnalysis = "analysis"
)

// Store backends
const (
	BackendDynamoDB = "dynamodb"
	BackendMySQL    = "mysql"
	BackendMemory   = "memory"
)

// Load reads configuration from an optional YAML file named by CONFIG_FILE,
// then applies environment variables on top, and returns the Config.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment: "dev",
		LogLevel:    "info",
		AWS:         AWSConfig{Region: DefaultRegion},
		Kafka: KafkaConfig{
			GroupID:      DefaultGroupID,
			ChunkTopic:   DefaultChunkTopic,
			ControlTopic: DefaultControlTopic,
			ResultsTopic: DefaultResultsTopic,
		},
		Store: StoreConfig{Backend: BackendDynamoDB},
		Ingest: IngestConfig{
			ChunkSize:  DefaultChunkSize,
			StagingDir: "/tmp/qr-staging",
		},
		Scan: ScanConfig{
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			FramesPerSecond: DefaultFramesPerSecond,
			FrameDir:        "/tmp/qr-frames",
			DownloadDir:     "/tmp/qr-downloads",
		},
		API: APIConfig{
			Port:          DefaultPort,
			UploadLinkTTL: DefaultUploadLinkTTL,
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: DefaultMaxConcurrentJobs,
			MetricsPort:       DefaultMetricsPort,
			Roles:             []string{RoleChunks, RoleControl, RoleAnalysis},
		},
		Observability: ObservabilityConfig{OTLPEndpoint: DefaultOTLPEndpoint},
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Environment = getEnv("ENV", cfg.Environment)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.AWS.Region = getEnv("AWS_REGION", cfg.AWS.Region)
	cfg.AWS.RawBucket = getEnv("S3_BUCKET", cfg.AWS.RawBucket)
	cfg.AWS.SQSQueueURL = getEnv("SQS_QUEUE_URL", cfg.AWS.SQSQueueURL)
	cfg.AWS.DynamoDBTable = getEnv("DYNAMODB_TABLE", cfg.AWS.DynamoDBTable)

	cfg.Kafka.BootstrapServers = getEnv("KAFKA_BOOTSTRAP_SERVERS", cfg.Kafka.BootstrapServers)
	cfg.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	cfg.Kafka.ChunkTopic = getEnv("KAFKA_CHUNK_TOPIC", cfg.Kafka.ChunkTopic)
	cfg.Kafka.ControlTopic = getEnv("KAFKA_CONTROL_TOPIC", cfg.Kafka.ControlTopic)
	cfg.Kafka.ResultsTopic = getEnv("KAFKA_RESULTS_TOPIC", cfg.Kafka.ResultsTopic)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Store.Backend = strings.ToLower(getEnv("STATUS_STORE", cfg.Store.Backend))
	cfg.Store.DSN = getEnv("STATUS_STORE_DSN", cfg.Store.DSN)

	cfg.Ingest.ChunkSize = getEnvInt("CHUNK_SIZE_BYTES", cfg.Ingest.ChunkSize)
	cfg.Ingest.StagingDir = getEnv("STAGING_DIR", cfg.Ingest.StagingDir)

	cfg.Scan.FFmpegPath = getEnv("FFMPEG_PATH", cfg.Scan.FFmpegPath)
	cfg.Scan.FFprobePath = getEnv("FFPROBE_PATH", cfg.Scan.FFprobePath)
	cfg.Scan.FramesPerSecond = getEnvFloat("FRAMES_PER_SECOND", cfg.Scan.FramesPerSecond)
	cfg.Scan.FrameDir = getEnv("FRAME_DIR", cfg.Scan.FrameDir)
	cfg.Scan.DownloadDir = getEnv("DOWNLOAD_DIR", cfg.Scan.DownloadDir)
	cfg.Scan.DetectWorkers = getEnvInt("DETECT_WORKERS", cfg.Scan.DetectWorkers)

	cfg.API.Port = getEnv("PORT", cfg.API.Port)
	cfg.API.UploadLinkTTL = getEnvDuration("UPLOAD_LINK_TTL", cfg.API.UploadLinkTTL)
	cfg.API.AllowedOrigins = getEnvSlice("CORS_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)

	cfg.Worker.MaxConcurrentJobs = getEnvInt("MAX_CONCURRENT_JOBS", cfg.Worker.MaxConcurrentJobs)
	cfg.Worker.MetricsPort = getEnvInt("METRICS_PORT", cfg.Worker.MetricsPort)
	cfg.Worker.Roles = getEnvSlice("WORKER_ROLES", cfg.Worker.Roles)

	cfg.Observability.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observability.OTLPEndpoint)
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	var errs []string

	errs = append(errs, c.validateCommon()...)
	if c.AWS.RawBucket == "" {
		errs = append(errs, "S3_BUCKET is required")
	}
	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.Kafka.BootstrapServers == "" {
		errs = append(errs, "KAFKA_BOOTSTRAP_SERVERS is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	errs = append(errs, c.validateCommon()...)
	if c.AWS.RawBucket == "" {
		errs = append(errs, "S3_BUCKET is required")
	}
	if len(c.Worker.Roles) == 0 {
		errs = append(errs, "WORKER_ROLES must name at least one role")
	}
	// Every role produces to or consumes from Kafka; analysis publishes results there.
	if c.Kafka.BootstrapServers == "" {
		errs = append(errs, "KAFKA_BOOTSTRAP_SERVERS is required")
	}
	for _, role := range c.Worker.Roles {
		switch role {
		case RoleChunks:
		case RoleControl, RoleAnalysis:
			if c.AWS.SQSQueueURL == "" {
				errs = append(errs, fmt.Sprintf("SQS_QUEUE_URL is required for role %s", role))
			}
		default:
			errs = append(errs, fmt.Sprintf("unknown worker role %q", role))
		}
	}
	if c.Scan.FramesPerSecond <= 0 {
		errs = append(errs, "FRAMES_PER_SECOND must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateCommon() []string {
	var errs []string
	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required")
		}
	case BackendMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, "STATUS_STORE_DSN is required for the mysql store")
		}
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, "the memory store is not allowed in production")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown STATUS_STORE %q", c.Store.Backend))
	}
	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, "CHUNK_SIZE_BYTES must be positive")
	}
	return errs
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// HasRole reports whether the worker should run the named consumer loop.
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Worker.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
