package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	SinkMemory = "memory"
	SinkRedis  = "redis"
	SinkMeili  = "meili"
	SinkS3     = "s3"
)

type Config struct {
	LogLevel  string
	LogFormat string

	ReposDir      string
	DatabaseURL   string
	DBMaxConns    int
	ProposalsDB   string
	MigrationsDir string
	SeedFile      string

	Sink           string
	RedisURL       string
	MeiliURL       string
	MeiliMasterKey string
	MeiliIndex     string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3Prefix       string
	S3UseSSL       bool

	SyncStrategy      string
	SyncTimeout       time.Duration
	SyncMaxAttempts   int
	SyncBackoff       time.Duration
	SyncRatePerSecond float64

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	ProposalTTL   time.Duration
	SweepInterval time.Duration
	MetricsAddr   string
}

func Load() Config {
	return Config{
		LogLevel:  getenv("MNEMO_LOG_LEVEL", "info"),
		LogFormat: getenv("MNEMO_LOG_FORMAT", "text"),

		ReposDir:      getenv("MNEMO_REPOS_DIR", "./data/repos"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		DBMaxConns:    getenvInt("DB_MAX_CONNS", 10),
		ProposalsDB:   getenv("MNEMO_PROPOSALS_DB", "./data/proposals.db"),
		MigrationsDir: getenv("MNEMO_MIGRATIONS_DIR", ""),
		SeedFile:      getenv("MNEMO_SEED_FILE", ""),

		Sink:           strings.ToLower(getenv("MNEMO_SINK", SinkMemory)),
		RedisURL:       getenv("REDIS_URL", "redis://localhost:6379/0"),
		MeiliURL:       getenv("MEILI_URL", "http://localhost:7700"),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		MeiliIndex:     getenv("MEILI_INDEX", "memory_records"),
		S3Endpoint:     getenv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:    getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getenv("S3_SECRET_KEY", ""),
		S3Bucket:       getenv("S3_BUCKET", "mnemo"),
		S3Prefix:       getenv("S3_PREFIX", "records"),
		S3UseSSL:       getenvBool("S3_USE_SSL", false),

		SyncStrategy:      strings.ToLower(getenv("SYNC_STRATEGY", "overwrite")),
		SyncTimeout:       time.Duration(getenvInt("SYNC_TIMEOUT_MS", 5000)) * time.Millisecond,
		SyncMaxAttempts:   getenvInt("SYNC_MAX_ATTEMPTS", 3),
		SyncBackoff:       time.Duration(getenvInt("SYNC_BACKOFF_MS", 200)) * time.Millisecond,
		SyncRatePerSecond: getenvFloat("SYNC_RATE_PER_SECOND", 10),

		OpenAIKey:     getenv("OPENAI_API_KEY", ""),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getenv("OPENAI_BASE_URL", ""),

		ProposalTTL:   time.Duration(getenvInt("PROPOSAL_TTL_HOURS", 168)) * time.Hour,
		SweepInterval: time.Duration(getenvInt("SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
		MetricsAddr:   getenv("METRICS_ADDR", ":9464"),
	}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
		validation.Field(&c.ReposDir, validation.Required),
		validation.Field(&c.DBMaxConns, validation.Min(1)),
		validation.Field(&c.ProposalsDB, validation.When(c.DatabaseURL == "", validation.Required)),
		validation.Field(&c.Sink, validation.Required, validation.In(SinkMemory, SinkRedis, SinkMeili, SinkS3)),
		validation.Field(&c.RedisURL, validation.When(c.Sink == SinkRedis, validation.Required)),
		validation.Field(&c.MeiliURL, validation.When(c.Sink == SinkMeili, validation.Required, is.URL)),
		validation.Field(&c.S3Endpoint, validation.When(c.Sink == SinkS3, validation.Required)),
		validation.Field(&c.S3Bucket, validation.When(c.Sink == SinkS3, validation.Required)),
		validation.Field(&c.SyncStrategy, validation.In("overwrite", "append", "reconcile")),
		validation.Field(&c.SyncTimeout, validation.Min(time.Millisecond)),
		validation.Field(&c.SyncMaxAttempts, validation.Min(1)),
		validation.Field(&c.SyncBackoff, validation.Min(time.Duration(0))),
		validation.Field(&c.SyncRatePerSecond, validation.Min(0.0)),
		validation.Field(&c.OpenAIKey, validation.When(c.SyncStrategy == "reconcile", validation.Required)),
		validation.Field(&c.ProposalTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.SweepInterval, validation.Min(time.Second)),
	)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
