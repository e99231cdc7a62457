package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable enumerated in the configuration table of
// the design document.
type Config struct {
	// Admin HTTP surface.
	AdminPort    string        `envconfig:"ADMIN_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Postgres / Redis / NATS connections.
	PostgresURL        string `envconfig:"POSTGRES_URL" required:"true"`
	PostgresMigrations string `envconfig:"POSTGRES_MIGRATIONS" default:"internal/store/migrations"`
	RedisURL           string `envconfig:"REDIS_URL" required:"true"`
	NATSURL            string `envconfig:"NATS_URL" required:"true"`

	// Worker pool.
	Concurrency    int `envconfig:"CONCURRENCY" default:"10"`
	MaxConcurrency int `envconfig:"MAX_CONCURRENCY" default:"64"`
	BatchSize      int `envconfig:"BATCH_SIZE" default:"10"`

	// Retry / backoff.
	MaxRetries             int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBackoffBase       time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"100ms"`
	RetryBackoffMax        time.Duration `envconfig:"RETRY_BACKOFF_MAX" default:"10s"`
	RetryBackoffMultiplier float64       `envconfig:"RETRY_BACKOFF_MULTIPLIER" default:"2"`

	// Timeouts.
	MessageTimeout    time.Duration `envconfig:"MESSAGE_TIMEOUT" default:"30s"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"60s"`

	// Admission.
	MaxQueueSize int           `envconfig:"MAX_QUEUE_SIZE" default:"10000"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`

	// Tenant admission rate limiting, grounded on the teacher's
	// internal/rate/limiter.go.
	RateLimitEnabled bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RateLimitRPS     int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst   int  `envconfig:"RATE_LIMIT_BURST" default:"200"`

	// Idempotency.
	IdempotencyEnabled bool `envconfig:"IDEMPOTENCY_ENABLED" default:"true"`

	// Circuit breaker.
	CircuitBreakerEnabled   bool          `envconfig:"CIRCUIT_BREAKER_ENABLED" default:"true"`
	CircuitBreakerThreshold uint32        `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
	CircuitBreakerTimeout   time.Duration `envconfig:"CIRCUIT_BREAKER_TIMEOUT" default:"30s"`

	// Shutdown.
	DrainOnShutdown bool          `envconfig:"DRAIN_ON_SHUTDOWN" default:"true"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// Metrics.
	MetricsEnabled  bool          `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsInterval time.Duration `envconfig:"METRICS_INTERVAL" default:"10s"`

	// Cleanup.
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	// Conversation buffer (C6).
	ConversationDebounce        time.Duration `envconfig:"CONVERSATION_DEBOUNCE" default:"4s"`
	ConversationDebounceMinimum time.Duration `envconfig:"CONVERSATION_DEBOUNCE_MINIMUM" default:"1s"`
	BufferCleanupInterval       time.Duration `envconfig:"BUFFER_CLEANUP_INTERVAL" default:"30s"`
	StaleBufferThreshold        time.Duration `envconfig:"STALE_BUFFER_THRESHOLD" default:"10m"`

	// Observability.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError collects every violated constraint, not just the
// first, so operators fix a bad config in one pass.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Violations, "; ")
}

// Validate enforces the constraints enumerated in the configuration
// table: visibilityTimeout > messageTimeout, mult > 1, and so on.
func (c *Config) Validate() error {
	var v []string

	if c.Concurrency < 1 || c.Concurrency > c.MaxConcurrency {
		v = append(v, fmt.Sprintf("concurrency must be in [1, %d], got %d", c.MaxConcurrency, c.Concurrency))
	}
	if c.MaxRetries < 0 {
		v = append(v, "maxRetries must be >= 0")
	}
	if c.RetryBackoffBase < 0 {
		v = append(v, "retryBackoffBase must be >= 0")
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		v = append(v, "retryBackoffMax must be >= retryBackoffBase")
	}
	if c.RetryBackoffMultiplier <= 1 {
		v = append(v, "retryBackoffMultiplier must be > 1")
	}
	if c.MessageTimeout <= 0 {
		v = append(v, "messageTimeout must be > 0")
	}
	if c.VisibilityTimeout <= c.MessageTimeout {
		v = append(v, "visibilityTimeout must be > messageTimeout")
	}
	if c.MaxQueueSize <= 0 {
		v = append(v, "maxQueueSize must be > 0")
	}
	if c.PollInterval <= 0 {
		v = append(v, "pollInterval must be > 0")
	}
	if c.BatchSize <= 0 {
		v = append(v, "batchSize must be > 0")
	}
	if c.CircuitBreakerThreshold < 1 {
		v = append(v, "circuitBreakerThreshold must be >= 1")
	}
	if c.CircuitBreakerTimeout <= 0 {
		v = append(v, "circuitBreakerTimeout must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		v = append(v, "shutdownTimeout must be > 0")
	}
	if c.MetricsInterval <= 0 {
		v = append(v, "metricsInterval must be > 0")
	}
	if c.ConversationDebounce < c.ConversationDebounceMinimum {
		v = append(v, fmt.Sprintf("conversationDebounce must be >= %s", c.ConversationDebounceMinimum))
	}

	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}
