package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Scheduler  SchedulerConfig
	Webhook    WebhookConfig
	Channel    ChannelConfig
	Queue      QueueConfig
	Engine     EngineConfig
	Resilience ResilienceConfig
	Escalation EscalationConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration
	// BatchSize is the engine batch size for scheduled executions.
	BatchSize int
}

type WebhookConfig struct {
	URL        string
	ContentMax int
}

type ChannelConfig struct {
	Token     string        `envconfig:"WEBHOOK_TOKEN"`
	Timeout   time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	RateLimit float64       `envconfig:"WEBHOOK_RATE_LIMIT" default:"20"`
	RateBurst int           `envconfig:"WEBHOOK_RATE_BURST" default:"5"`
}

type QueueConfig struct {
	Interval             time.Duration `envconfig:"QUEUE_INTERVAL" default:"1s"`
	BatchSize            int           `envconfig:"QUEUE_BATCH_SIZE" default:"10"`
	MaxConcurrentBatches int           `envconfig:"QUEUE_MAX_CONCURRENT_BATCHES" default:"3"`
	Parallelism          int           `envconfig:"QUEUE_PARALLELISM" default:"5"`
	RetryDelay           time.Duration `envconfig:"QUEUE_RETRY_DELAY" default:"5s"`
	MaxRetries           int           `envconfig:"QUEUE_MAX_RETRIES" default:"3"`
	Retention            time.Duration `envconfig:"QUEUE_RETENTION" default:"168h"`
	SweepSchedule        string        `envconfig:"QUEUE_SWEEP_SCHEDULE" default:"@hourly"`
	ProcessingTimeout    time.Duration `envconfig:"QUEUE_PROCESSING_TIMEOUT" default:"15m"`
}

type EngineConfig struct {
	BatchDelay       time.Duration `envconfig:"ENGINE_BATCH_DELAY" default:"2s"`
	MaxRetries       int           `envconfig:"ENGINE_MAX_RETRIES" default:"3"`
	RetryDelay       time.Duration `envconfig:"ENGINE_RETRY_DELAY" default:"5s"`
	ClaimTTL         time.Duration `envconfig:"ENGINE_CLAIM_TTL" default:"10m"`
	ReceiptDelay     time.Duration `envconfig:"ENGINE_RECEIPT_DELAY" default:"5s"`
	SimulateReceipts bool          `envconfig:"SIMULATE_RECEIPTS" default:"true"`
}

type ResilienceConfig struct {
	BreakerThreshold    uint32        `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerOpenDuration time.Duration `envconfig:"BREAKER_OPEN_DURATION" default:"30s"`
	BreakerCountWindow  time.Duration `envconfig:"BREAKER_COUNT_WINDOW" default:"0s"`
}

type EscalationConfig struct {
	Sink     string `envconfig:"ESCALATION_SINK" default:"log"`
	RedisKey string `envconfig:"ESCALATION_REDIS_KEY" default:"escalations"`
	AMQPURL  string `envconfig:"AMQP_URL"`
	Queue    string `envconfig:"ESCALATION_QUEUE" default:"human_escalations"`
}

type LoggingConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

// LoadAll reads the whole configuration from the environment. Every
// problem is collected and returned together.
func LoadAll() (*Config, error) {
	var errs []error

	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: str("POSTGRES_URL"),
		},
		Webhook: WebhookConfig{
			URL:        str("WEBHOOK_URL"),
			ContentMax: num("CONTENT_MAX", 160),
		},
		Scheduler: SchedulerConfig{
			Interval:  time.Duration(num("SCHED_INTERVAL_SECONDS", 60)) * time.Second,
			BatchSize: num("SCHED_BATCH_SIZE", 50),
		},
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis = RedisConfig{
			Enabled:  true,
			Address:  addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       num("REDIS_DB", 0),
			TTL:      time.Duration(num("REDIS_TTL_SECONDS", 86400)) * time.Second,
		}
	}

	for _, target := range []any{&cfg.Channel, &cfg.Queue, &cfg.Engine, &cfg.Resilience, &cfg.Escalation, &cfg.Logging} {
		if err := envconfig.Process("", target); err != nil {
			errs = append(errs, err)
		}
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(cfg.Scheduler.BatchSize > 0, "SCHED_BATCH_SIZE must be > 0")
	check(cfg.Scheduler.Interval > 0, "SCHED_INTERVAL_SECONDS must be > 0")
	check(cfg.Webhook.ContentMax > 0, "CONTENT_MAX must be > 0")
	check(cfg.Queue.BatchSize > 0, "QUEUE_BATCH_SIZE must be > 0")
	check(cfg.Queue.MaxConcurrentBatches > 0, "QUEUE_MAX_CONCURRENT_BATCHES must be > 0")
	check(cfg.Queue.MaxRetries >= 0, "QUEUE_MAX_RETRIES must be >= 0")
	check(cfg.Queue.ProcessingTimeout > 0, "QUEUE_PROCESSING_TIMEOUT must be > 0")
	check(cfg.Engine.MaxRetries > 0, "ENGINE_MAX_RETRIES must be > 0")
	check(cfg.Resilience.BreakerThreshold > 0, "BREAKER_THRESHOLD must be > 0")

	switch strings.ToLower(cfg.Escalation.Sink) {
	case "log":
	case "redis":
		check(cfg.Redis.Enabled, "ESCALATION_SINK=redis requires REDIS_ADDR")
	case "amqp":
		check(cfg.Escalation.AMQPURL != "", "ESCALATION_SINK=amqp requires AMQP_URL")
	default:
		errs = append(errs, fmt.Errorf("ESCALATION_SINK must be one of log, redis, amqp; got %q", cfg.Escalation.Sink))
	}

	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
