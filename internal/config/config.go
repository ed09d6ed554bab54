package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Status    StatusConfig
	JWT       JWTConfig
	Auth      AuthConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Encoder   EncoderConfig
	Worker    WorkerConfig
	Generator GeneratorConfig
	Corpus    CorpusConfig
	Sentry    SentryConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	Configured  bool // address came from env or config file, not the default
}

type DatabaseConfig struct {
	URL            string
	ConnectTimeout time.Duration
	MaxOpenConns   int
}

// StatusConfig selects where task records live.
type StatusConfig struct {
	Backend string // redis or postgres
	TTL     time.Duration
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// AuthConfig points at an OIDC issuer whose JWKS verifies bearer tokens.
type AuthConfig struct {
	Issuer   string
	ClientID string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	GeneratePerHour int
	ValidatePerMin  int
}

type StorageConfig struct {
	Backend         string // local or s3
	Root            string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
	Timeout         time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryJitter     bool
	ResultPrefix    string
}

type EncoderConfig struct {
	FFmpegPath        string
	FFprobePath       string
	HWAccel           string // auto, none, or a named method such as cuda
	VideoTimeout      time.Duration
	MuxTimeout        time.Duration
	DefaultCodec      string
	DefaultBitrate    string
	DefaultResolution string
	DefaultStrategy   string
}

type WorkerConfig struct {
	WorkRoot         string
	FetchConcurrency int
	Queue            string
	Concurrency      int
	TaskID           string
	Blueprint        string
	BlueprintPath    string
}

type GeneratorConfig struct {
	CandidatePool     int
	DiversityDivisor  int
	Renormalize       bool
	DefaultTransition string
	DefaultClipLength float64
}

type CorpusConfig struct {
	Path string
}

type SentryConfig struct {
	DSN         string
	Environment string
}

// Load reads configuration from environment variables and an optional
// config.yaml.
func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("SENTRY_DSN")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	binds := map[string]string{
		"server.port":                   "SERVER_PORT",
		"server.env":                    "SERVER_ENV",
		"server.log_level":              "LOG_LEVEL",
		"server.log_format":             "LOG_FORMAT",
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"redis.db":                      "REDIS_DB",
		"redis.dial_timeout":            "REDIS_DIAL_TIMEOUT",
		"database.url":                  "DATABASE_URL",
		"database.connect_timeout":      "DATABASE_CONNECT_TIMEOUT",
		"database.max_open_conns":       "DATABASE_MAX_OPEN_CONNS",
		"status.backend":                "STATUS_BACKEND",
		"status.ttl":                    "STATUS_TTL",
		"jwt.secret":                    "JWT_SECRET",
		"jwt.expiration":                "JWT_EXPIRATION",
		"auth.issuer":                   "AUTH_ISSUER",
		"auth.client_id":                "AUTH_CLIENT_ID",
		"gateway.enabled":               "GATEWAY_ENABLED",
		"ratelimit.generate_per_hour":   "RATELIMIT_GENERATE_PER_HOUR",
		"ratelimit.validate_per_min":    "RATELIMIT_VALIDATE_PER_MIN",
		"storage.backend":               "STORAGE_BACKEND",
		"storage.root":                  "STORAGE_ROOT",
		"storage.bucket":                "STORAGE_BUCKET",
		"storage.region":                "STORAGE_REGION",
		"storage.endpoint":              "STORAGE_ENDPOINT",
		"storage.access_key_id":         "STORAGE_ACCESS_KEY_ID",
		"storage.secret_access_key":     "STORAGE_SECRET_ACCESS_KEY",
		"storage.public_url":            "STORAGE_PUBLIC_URL",
		"storage.timeout":               "STORAGE_TIMEOUT",
		"storage.retry_attempts":        "STORAGE_RETRY_ATTEMPTS",
		"storage.retry_backoff":         "STORAGE_RETRY_BACKOFF",
		"storage.retry_jitter":          "STORAGE_RETRY_JITTER",
		"storage.result_prefix":         "STORAGE_RESULT_PREFIX",
		"encoder.ffmpeg_path":           "FFMPEG_PATH",
		"encoder.ffprobe_path":          "FFPROBE_PATH",
		"encoder.hwaccel":               "ENCODER_HWACCEL",
		"encoder.video_timeout":         "ENCODER_VIDEO_TIMEOUT",
		"encoder.mux_timeout":           "ENCODER_MUX_TIMEOUT",
		"encoder.default_codec":         "ENCODER_DEFAULT_CODEC",
		"encoder.default_bitrate":       "ENCODER_DEFAULT_BITRATE",
		"encoder.default_resolution":    "ENCODER_DEFAULT_RESOLUTION",
		"encoder.default_strategy":      "ENCODER_DEFAULT_STRATEGY",
		"worker.work_root":              "WORKER_WORK_ROOT",
		"worker.fetch_concurrency":      "WORKER_FETCH_CONCURRENCY",
		"worker.queue":                  "WORKER_QUEUE",
		"worker.concurrency":            "WORKER_CONCURRENCY",
		"worker.task_id":                "CHOREO_TASK_ID",
		"worker.blueprint":              "CHOREO_BLUEPRINT",
		"worker.blueprint_path":         "CHOREO_BLUEPRINT_PATH",
		"generator.candidate_pool":      "GENERATOR_CANDIDATE_POOL",
		"generator.diversity_divisor":   "GENERATOR_DIVERSITY_DIVISOR",
		"generator.renormalize":         "GENERATOR_RENORMALIZE",
		"generator.default_transition":  "GENERATOR_DEFAULT_TRANSITION",
		"generator.default_clip_length": "GENERATOR_DEFAULT_CLIP_LENGTH",
		"corpus.path":                   "CORPUS_PATH",
		"sentry.dsn":                    "SENTRY_DSN",
		"sentry.environment":            "SENTRY_ENVIRONMENT",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "auto")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "10s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("status.backend", "redis")
	v.SetDefault("status.ttl", "24h")
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.generate_per_hour", 20)
	v.SetDefault("ratelimit.validate_per_min", 60)

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.timeout", "300s")
	v.SetDefault("storage.retry_attempts", 3)
	v.SetDefault("storage.retry_backoff", "1s")
	v.SetDefault("storage.retry_jitter", false)
	v.SetDefault("storage.result_prefix", "renders")

	// Encoder defaults
	v.SetDefault("encoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("encoder.ffprobe_path", "ffprobe")
	v.SetDefault("encoder.hwaccel", "auto")
	v.SetDefault("encoder.video_timeout", "300s")
	v.SetDefault("encoder.mux_timeout", "600s")
	v.SetDefault("encoder.default_codec", "libx264")
	v.SetDefault("encoder.default_bitrate", "4M")
	v.SetDefault("encoder.default_resolution", "1280x720")
	v.SetDefault("encoder.default_strategy", "single_pass")

	// Worker defaults
	v.SetDefault("worker.work_root", filepath.Join(os.TempDir(), "choreo"))
	v.SetDefault("worker.fetch_concurrency", 10)
	v.SetDefault("worker.queue", "choreography")
	v.SetDefault("worker.concurrency", 2)

	// Generator defaults
	v.SetDefault("generator.candidate_pool", 50)
	v.SetDefault("generator.diversity_divisor", 3)
	v.SetDefault("generator.renormalize", false)
	v.SetDefault("generator.default_transition", "cut")
	v.SetDefault("generator.default_clip_length", 4.0)

	v.SetDefault("corpus.path", "data/corpus.json")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
		},
		Redis: RedisConfig{
			Addr:        v.GetString("redis.addr"),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			DialTimeout: v.GetDuration("redis.dial_timeout"),
			Configured:  os.Getenv("REDIS_ADDR") != "" || v.InConfig("redis.addr"),
		},
		Database: DatabaseConfig{
			URL:            v.GetString("database.url"),
			ConnectTimeout: v.GetDuration("database.connect_timeout"),
			MaxOpenConns:   v.GetInt("database.max_open_conns"),
		},
		Status: StatusConfig{
			Backend: strings.ToLower(v.GetString("status.backend")),
			TTL:     v.GetDuration("status.ttl"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Auth: AuthConfig{
			Issuer:   v.GetString("auth.issuer"),
			ClientID: v.GetString("auth.client_id"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
			ValidatePerMin:  v.GetInt("ratelimit.validate_per_min"),
		},
		Storage: StorageConfig{
			Backend:         strings.ToLower(v.GetString("storage.backend")),
			Root:            v.GetString("storage.root"),
			Bucket:          v.GetString("storage.bucket"),
			Region:          v.GetString("storage.region"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			PublicURL:       v.GetString("storage.public_url"),
			Timeout:         v.GetDuration("storage.timeout"),
			RetryAttempts:   v.GetInt("storage.retry_attempts"),
			RetryBackoff:    v.GetDuration("storage.retry_backoff"),
			RetryJitter:     v.GetBool("storage.retry_jitter"),
			ResultPrefix:    v.GetString("storage.result_prefix"),
		},
		Encoder: EncoderConfig{
			FFmpegPath:        v.GetString("encoder.ffmpeg_path"),
			FFprobePath:       v.GetString("encoder.ffprobe_path"),
			HWAccel:           strings.ToLower(v.GetString("encoder.hwaccel")),
			VideoTimeout:      v.GetDuration("encoder.video_timeout"),
			MuxTimeout:        v.GetDuration("encoder.mux_timeout"),
			DefaultCodec:      v.GetString("encoder.default_codec"),
			DefaultBitrate:    v.GetString("encoder.default_bitrate"),
			DefaultResolution: v.GetString("encoder.default_resolution"),
			DefaultStrategy:   v.GetString("encoder.default_strategy"),
		},
		Worker: WorkerConfig{
			WorkRoot:         v.GetString("worker.work_root"),
			FetchConcurrency: v.GetInt("worker.fetch_concurrency"),
			Queue:            v.GetString("worker.queue"),
			Concurrency:      v.GetInt("worker.concurrency"),
			TaskID:           v.GetString("worker.task_id"),
			Blueprint:        v.GetString("worker.blueprint"),
			BlueprintPath:    v.GetString("worker.blueprint_path"),
		},
		Generator: GeneratorConfig{
			CandidatePool:     v.GetInt("generator.candidate_pool"),
			DiversityDivisor:  v.GetInt("generator.diversity_divisor"),
			Renormalize:       v.GetBool("generator.renormalize"),
			DefaultTransition: v.GetString("generator.default_transition"),
			DefaultClipLength: v.GetFloat64("generator.default_clip_length"),
		},
		Corpus: CorpusConfig{
			Path: v.GetString("corpus.path"),
		},
		Sentry: SentryConfig{
			DSN:         v.GetString("sentry.dsn"),
			Environment: v.GetString("sentry.environment"),
		},
	}
	if cfg.Sentry.Environment == "" {
		cfg.Sentry.Environment = cfg.Server.Env
	}

	return cfg, nil
}

// ErrMissingEnv is returned when the worker contract is not satisfied.
var ErrMissingEnv = errors.New("missing required environment")

// ValidateWorker checks the variables a worker process needs before it
// touches storage or the status database.
func (c *Config) ValidateWorker() error {
	var missing []string

	if c.Worker.Blueprint == "" && c.Worker.BlueprintPath == "" {
		missing = append(missing, "CHOREO_BLUEPRINT or CHOREO_BLUEPRINT_PATH")
	}

	switch c.Status.Backend {
	case "postgres":
		if c.Database.URL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case "redis":
		if !c.Redis.Configured {
			missing = append(missing, "REDIS_ADDR")
		}
	default:
		return fmt.Errorf("%w: unsupported STATUS_BACKEND %q", ErrMissingEnv, c.Status.Backend)
	}

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Bucket == "" {
			missing = append(missing, "STORAGE_BUCKET")
		}
	case "local":
		if c.Storage.Root == "" {
			missing = append(missing, "STORAGE_ROOT")
		}
	default:
		return fmt.Errorf("%w: unsupported STORAGE_BACKEND %q", ErrMissingEnv, c.Storage.Backend)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return nil
}
