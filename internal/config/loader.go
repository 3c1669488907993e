package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "storepilot.yaml"

// DefaultEnvFile is the dotenv file loaded before the environment overlay.
const DefaultEnvFile = ".env"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotEnv(DefaultEnvFile); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadDotEnv populates the process environment from a dotenv file.
// Variables already set in the environment win. A missing file is ignored.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "STOREPILOT_PORT")
	setString(&cfg.Server.CORSOrigin, "STOREPILOT_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimitRPS, "STOREPILOT_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "STOREPILOT_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "STOREPILOT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "STOREPILOT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "STOREPILOT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "STOREPILOT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "STOREPILOT_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "STOREPILOT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "STOREPILOT_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "STOREPILOT_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "STOREPILOT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "STOREPILOT_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "STOREPILOT_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "STOREPILOT_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "STOREPILOT_CACHE_L2_TTL")

	// Engine
	setString(&cfg.Engine.Mode, "STOREPILOT_ENGINE_MODE")
	setInt(&cfg.Engine.WorkerConcurrency, "STOREPILOT_WORKER_CONCURRENCY")
	setInt(&cfg.Engine.DefaultSampleSize, "STOREPILOT_DEFAULT_SAMPLE_SIZE")
	setInt(&cfg.Engine.MaxSampleSize, "STOREPILOT_MAX_SAMPLE_SIZE")
	setDuration(&cfg.Engine.RunTimeout, "STOREPILOT_RUN_TIMEOUT")
	setDuration(&cfg.Engine.DraftTTL, "STOREPILOT_DRAFT_TTL")

	// Generation
	setString(&cfg.Generation.Provider, "STOREPILOT_GENERATION_PROVIDER")
	setString(&cfg.Generation.Brand, "STOREPILOT_GENERATION_BRAND")
	setString(&cfg.Generation.Model, "STOREPILOT_GENERATION_MODEL")
	setString(&cfg.Generation.URL, "LITELLM_URL")
	setString(&cfg.Generation.APIKey, "LITELLM_MASTER_KEY")
	setString(&cfg.Generation.APIKey, "GEMINI_API_KEY")
	setDuration(&cfg.Generation.Timeout, "STOREPILOT_GENERATION_TIMEOUT")

	// Quota
	setInt(&cfg.Quota.DefaultDailyAIRuns, "STOREPILOT_QUOTA_DEFAULT_DAILY")
	setList(&cfg.Quota.AutomationPlans, "STOREPILOT_AUTOMATION_PLANS")

	// Object store
	setString(&cfg.ObjectStore.Endpoint, "MINIO_ENDPOINT")
	setString(&cfg.ObjectStore.AccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.ObjectStore.SecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.ObjectStore.Bucket, "MINIO_BUCKET")
	setBool(&cfg.ObjectStore.UseSSL, "MINIO_USE_SSL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "STOREPILOT_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTEL.SampleRate, "STOREPILOT_OTEL_SAMPLE_RATE")
}

var validProviders = []string{"litellm", "gemini", "template"}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Engine.Mode != ModeQueue && cfg.Engine.Mode != ModeInline {
		return fmt.Errorf("engine.mode must be %q or %q", ModeQueue, ModeInline)
	}
	if cfg.Engine.Mode == ModeQueue && cfg.NATS.URL == "" {
		return errors.New("nats.url is required in queue mode")
	}
	if cfg.Engine.WorkerConcurrency < 1 {
		return errors.New("engine.worker_concurrency must be >= 1")
	}
	if cfg.Engine.DefaultSampleSize < 1 {
		return errors.New("engine.default_sample_size must be >= 1")
	}
	if cfg.Engine.MaxSampleSize < cfg.Engine.DefaultSampleSize {
		return errors.New("engine.max_sample_size must be >= engine.default_sample_size")
	}
	if cfg.Engine.RunTimeout <= 0 {
		return errors.New("engine.run_timeout must be positive")
	}
	if !slices.Contains(validProviders, cfg.Generation.Provider) {
		return fmt.Errorf("generation.provider must be one of %v", validProviders)
	}
	if cfg.ObjectStore.Endpoint != "" && cfg.ObjectStore.Bucket == "" {
		return errors.New("objectstore.bucket is required when objectstore.endpoint is set")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Overrides holds command-line values that take precedence over every other
// source. Nil fields are left untouched.
type Overrides struct {
	Port     *string
	LogLevel *string
	DSN      *string
	NatsURL  *string
	Mode     *string
}

// LoadWithOverrides loads the YAML file at path, applies the environment and
// then the command-line overrides, and validates the result.
func LoadWithOverrides(path string, o Overrides) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	cfg := Defaults()

	if err := loadYAML(&cfg, path); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	if err := loadDotEnv(DefaultEnvFile); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}
	loadEnv(&cfg)
	applyOverrides(&cfg, o)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Port != nil {
		cfg.Server.Port = *o.Port
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.DSN != nil {
		cfg.Postgres.DSN = *o.DSN
	}
	if o.NatsURL != nil {
		cfg.NATS.URL = *o.NatsURL
	}
	if o.Mode != nil {
		cfg.Engine.Mode = *o.Mode
	}
}
