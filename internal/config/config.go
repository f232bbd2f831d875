package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the inferq server.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Queue     QueueConfig
	Webhook   WebhookConfig
	Worker    WorkerConfig
	Inference InferenceConfig
	Events    EventsConfig
	// ModelCatalogPath points at a YAML model catalog. Empty means built-in.
	ModelCatalogPath string
}

type ServerConfig struct {
	Port int
	Env  string
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	// Backend is "postgres" or "memory".
	Backend         string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	APIKey             string
	APIKeyHash         string
	RateLimitPerMinute int
}

type QueueConfig struct {
	MaxSize          int
	ResultTTL        time.Duration
	SweepInterval    time.Duration
	StatusCacheTTL   time.Duration
	StoreRetries     int
	LifecycleTimeout time.Duration
}

type WebhookConfig struct {
	Secret       string
	Timeout      time.Duration
	MaxAttempts  int
	MaxInFlight  int
	DrainTimeout time.Duration
}

type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration
}

type InferenceConfig struct {
	// Backend is "simulated" or "http".
	Backend   string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	StepDelay time.Duration
}

type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

var validStoreBackends = map[string]bool{
	"postgres": true,
	"memory":   true,
}

var validInferenceBackends = map[string]bool{
	"simulated": true,
	"http":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("INFERQ_PORT", 8080),
			Env:  envString("INFERQ_ENV", "development"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Backend:         envString("STORE_BACKEND", "postgres"),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			APIKey:             os.Getenv("API_KEY"),
			APIKeyHash:         os.Getenv("API_KEY_HASH"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Queue: QueueConfig{
			MaxSize:          envInt("QUEUE_MAX_SIZE", 1000),
			ResultTTL:        envDuration("JOB_RESULT_TTL", time.Hour),
			SweepInterval:    envDuration("RETENTION_SWEEP_INTERVAL", time.Minute),
			StatusCacheTTL:   envDuration("STATUS_CACHE_TTL", 30*time.Second),
			StoreRetries:     envInt("STORE_RETRIES", 3),
			LifecycleTimeout: envDuration("LIFECYCLE_SIDE_EFFECT_TIMEOUT", 2*time.Second),
		},
		Webhook: WebhookConfig{
			Secret:       os.Getenv("WEBHOOK_HMAC_SECRET"),
			Timeout:      envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:  envInt("WEBHOOK_MAX_ATTEMPTS", 1),
			MaxInFlight:  envInt("WEBHOOK_MAX_IN_FLIGHT", 64),
			DrainTimeout: envDuration("WEBHOOK_DRAIN_TIMEOUT", 10*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: envInt("WORKER_CONCURRENCY", 2),
			JobTimeout:  envDuration("JOB_TIMEOUT", 10*time.Minute),
		},
		Inference: InferenceConfig{
			Backend:   envString("INFERENCE_BACKEND", "simulated"),
			BaseURL:   os.Getenv("INFERENCE_BASE_URL"),
			APIKey:    os.Getenv("INFERENCE_API_KEY"),
			Timeout:   envDuration("INFERENCE_TIMEOUT", 60*time.Second),
			StepDelay: envDuration("SIMULATED_STEP_DELAY", 500*time.Millisecond),
		},
		Events: EventsConfig{
			AMQPURL:  os.Getenv("AMQP_URL"),
			Exchange: envString("AMQP_EXCHANGE", "inferq.events"),
		},
		ModelCatalogPath: os.Getenv("MODEL_CATALOG_PATH"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validStoreBackends[c.Database.Backend] {
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Database.Backend)
	}
	if c.Database.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}

	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must not be negative, got %d", c.Queue.MaxSize)
	}
	if c.Queue.ResultTTL <= 0 {
		return fmt.Errorf("JOB_RESULT_TTL must be positive")
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("RETENTION_SWEEP_INTERVAL must be positive")
	}

	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.Webhook.MaxAttempts)
	}
	if c.Webhook.MaxInFlight < 1 {
		return fmt.Errorf("WEBHOOK_MAX_IN_FLIGHT must be at least 1, got %d", c.Webhook.MaxInFlight)
	}

	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must not be negative, got %d", c.Worker.Concurrency)
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}

	if !validInferenceBackends[c.Inference.Backend] {
		return fmt.Errorf("INFERENCE_BACKEND must be one of simulated, http; got %q", c.Inference.Backend)
	}
	if c.Inference.Backend == "http" {
		if c.Inference.BaseURL == "" {
			return fmt.Errorf("INFERENCE_BASE_URL is required when INFERENCE_BACKEND is http")
		}
		if !strings.HasPrefix(c.Inference.BaseURL, "http://") && !strings.HasPrefix(c.Inference.BaseURL, "https://") {
			return fmt.Errorf("INFERENCE_BASE_URL must start with http:// or https://, got %q", c.Inference.BaseURL)
		}
	}

	if c.Events.AMQPURL != "" && !strings.HasPrefix(c.Events.AMQPURL, "amqp://") && !strings.HasPrefix(c.Events.AMQPURL, "amqps://") {
		return fmt.Errorf("AMQP_URL must start with amqp:// or amqps://")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
