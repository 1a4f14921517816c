package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/x/temporal"

	miniox "github.com/instill-ai/x/minio"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig          `koanf:"server"`
	Database      DatabaseConfig        `koanf:"database"`
	Temporal      temporal.ClientConfig `koanf:"temporal"`
	Cache         CacheConfig           `koanf:"cache"`
	OTELCollector OTELCollectorConfig   `koanf:"otelcollector"`
	Minio         miniox.Config         `koanf:"minio"`
	GCS           GCSConfig             `koanf:"gcs"`
	Milvus        MilvusConfig          `koanf:"milvus"`
	Embedding     EmbeddingConfig       `koanf:"embedding"`
	Pipeline      PipelineConfig        `koanf:"pipeline"`
	Outbox        OutboxConfig          `koanf:"outbox"`
	Audit         AuditConfig           `koanf:"audit"`
	Alert         AlertConfig           `koanf:"alert"`
}

// ServerConfig defines the process level configuration
type ServerConfig struct {
	Debug bool `koanf:"debug"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host" validate:"required"`
	Port     int    `koanf:"port" validate:"required"`
	Name     string `koanf:"name" validate:"required"`
	Version  uint   `koanf:"version"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// OTELCollectorConfig related to OTEL collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// MilvusConfig is the milvus configuration.
type MilvusConfig struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`
}

// GCSConfig defines the configuration for Google Cloud Storage as an
// alternative object storage backend. When Bucket is empty MinIO is used.
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	Bucket    string `koanf:"bucket"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider  string       `koanf:"provider" validate:"omitempty,oneof=openai gemini"`
	BatchSize int          `koanf:"batchsize"`
	Dimension int          `koanf:"dimension"`
	OpenAI    OpenAIConfig `koanf:"openai"`
	Gemini    GeminiConfig `koanf:"gemini"`
}

// OpenAIConfig defines the configuration for OpenAI
type OpenAIConfig struct {
	APIKey string `koanf:"apikey"`
	Model  string `koanf:"model"`
}

// GeminiConfig defines the configuration for Gemini AI
type GeminiConfig struct {
	APIKey string `koanf:"apikey"`
	Model  string `koanf:"model"`
}

// PipelineConfig holds the retry budget and the limits of a processing run.
type PipelineConfig struct {
	ChunkSize                int           `koanf:"chunksize"`
	ChunkOverlap             int           `koanf:"chunkoverlap"`
	MaxRetries               int32         `koanf:"maxretries" validate:"gte=0"`
	RetryInitialInterval     time.Duration `koanf:"retryinitialinterval"`
	RetryBackoffCoefficient  float64       `koanf:"retrybackoffcoefficient"`
	RetryMaximumInterval     time.Duration `koanf:"retrymaximuminterval"`
	SoftTimeLimit            time.Duration `koanf:"softtimelimit"`
	HardTimeLimit            time.Duration `koanf:"hardtimelimit" validate:"required,gt=0"`
	CleanupMaxAttempts       int32         `koanf:"cleanupmaxattempts"`
	TempDir                  string        `koanf:"tempdir"`
	LastErrorMaxLength       int           `koanf:"lasterrormaxlength"`
	MaxConcurrentActivities  int           `koanf:"maxconcurrentactivities"`
	GracefulShutdownWaitTime time.Duration `koanf:"gracefulshutdownwaittime"`
}

// OutboxConfig configures the outbox relay.
type OutboxConfig struct {
	PollInterval      time.Duration `koanf:"pollinterval"`
	BatchSize         int           `koanf:"batchsize"`
	RedeliveryTimeout time.Duration `koanf:"redeliverytimeout"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Stream  string `koanf:"stream"`
	MaxLen  int64  `koanf:"maxlen"`
}

// AlertConfig configures operator alerts.
type AlertConfig struct {
	Channel     string        `koanf:"channel"`
	DedupWindow time.Duration `koanf:"dedupwindow"`
}

var defaults = map[string]any{
	"database.version":                  1,
	"database.timezone":                 "Etc/UTC",
	"embedding.provider":                "openai",
	"embedding.batchsize":               50,
	"embedding.dimension":               1536,
	"embedding.openai.model":            "text-embedding-3-small",
	"embedding.gemini.model":            "gemini-embedding-001",
	"pipeline.chunksize":                1000,
	"pipeline.chunkoverlap":             200,
	"pipeline.maxretries":               3,
	"pipeline.retryinitialinterval":     "10s",
	"pipeline.retrybackoffcoefficient":  2.0,
	"pipeline.retrymaximuminterval":     "5m",
	"pipeline.softtimelimit":            "25m",
	"pipeline.hardtimelimit":            "30m",
	"pipeline.cleanupmaxattempts":       5,
	"pipeline.lasterrormaxlength":       1000,
	"pipeline.maxconcurrentactivities":  8,
	"pipeline.gracefulshutdownwaittime": "15s",
	"outbox.pollinterval":               "2s",
	"outbox.batchsize":                  100,
	"outbox.redeliverytimeout":          "45m",
	"audit.stream":                      "ingestion:audit",
	"audit.maxlen":                      100000,
	"alert.channel":                     "ingestion:alerts",
	"alert.dedupwindow":                 "1h",
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
