package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Sink types.
const (
	SinkSimulated = "simulated"
	SinkRedis     = "redis"
	SinkKafka     = "kafka"
	SinkRabbitMQ  = "rabbitmq"
	SinkPubSub    = "pubsub"
	SinkWebhook   = "webhook"
	SinkFile      = "file"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Sink          SinkConfig          `mapstructure:"sink"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RateLimit is requests per minute per client IP on write endpoints. 0 disables it.
	RateLimit int        `mapstructure:"rate_limit"`
	CORS      CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// RelayConfig drives the dispatcher, the lease sweeper and housekeeping.
type RelayConfig struct {
	Embedded           bool          `mapstructure:"embedded"`
	Workers            int           `mapstructure:"workers"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	LeaseDuration      time.Duration `mapstructure:"lease_duration"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	PublishAttempts    int           `mapstructure:"publish_attempts"`
	PublishTimeout     time.Duration `mapstructure:"publish_timeout"`
	StoreTimeout       time.Duration `mapstructure:"store_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	SweepLockTTL       time.Duration `mapstructure:"sweep_lock_ttl"`
	DeliveredRetention time.Duration `mapstructure:"delivered_retention"`
	PurgeInterval      time.Duration `mapstructure:"purge_interval"`
	DeadLetterStream   string        `mapstructure:"dead_letter_stream"`
	MetricsPort        int           `mapstructure:"metrics_port"`
}

type SinkConfig struct {
	Type      string          `mapstructure:"type"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Redis     RedisSinkConfig `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	File      FileConfig      `mapstructure:"file"`
	Simulated SimulatedConfig `mapstructure:"simulated"`
}

type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

type RedisSinkConfig struct {
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

type KafkaConfig struct {
	Brokers     []string      `mapstructure:"brokers"`
	Topic       string        `mapstructure:"topic"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
	// Endpoint points the client at an emulator when set.
	Endpoint string `mapstructure:"endpoint"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

type FileConfig struct {
	Path string `mapstructure:"path"`
}

type SimulatedConfig struct {
	Latency     time.Duration `mapstructure:"latency"`
	FailureRate float64       `mapstructure:"failure_rate"`
}

type ObservabilityConfig struct {
	LogLevel        string `mapstructure:"log_level"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	EnableTracing   bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// OUTBOX_RELAY_BATCH_SIZE overrides relay.batch_size
	v.SetEnvPrefix("OUTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/outbox")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must not be negative"))
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			errs = append(errs, fmt.Errorf("database.host is required"))
		}
		if c.Database.Port <= 0 {
			errs = append(errs, fmt.Errorf("database.port must be positive"))
		}
	case DriverMemory:
		// the in-memory store is private to one process, so the relay must run inside it
		if !c.Relay.Embedded {
			errs = append(errs, fmt.Errorf("database.driver=memory requires relay.embedded=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver))
	}

	if c.Redis.Enabled && c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}

	errs = append(errs, c.Relay.validate()...)
	errs = append(errs, c.Sink.validate(c.Redis.Enabled)...)

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Driver == DriverPostgres && c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Database.Driver == DriverMemory {
			errs = append(errs, fmt.Errorf("database.driver=memory is not allowed in production"))
		}
	}

	return errors.Join(errs...)
}

// PublishBudget is the time one record may hold its lease: every publish
// attempt plus the acknowledgement.
func (r *RelayConfig) PublishBudget() time.Duration {
	return r.PublishTimeout*time.Duration(r.PublishAttempts) + r.StoreTimeout
}

func (r *RelayConfig) validate() []error {
	var errs []error
	if r.Workers <= 0 {
		errs = append(errs, fmt.Errorf("relay.workers must be positive"))
	}
	if r.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.poll_interval must be positive"))
	}
	if r.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.batch_size must be positive"))
	}
	if r.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("relay.lease_duration must be positive"))
	}
	if r.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("relay.max_attempts must be positive"))
	}
	if r.InitialBackoff <= 0 {
		errs = append(errs, fmt.Errorf("relay.initial_backoff must be positive"))
	}
	if r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, fmt.Errorf("relay.max_backoff must not be below relay.initial_backoff"))
	}
	if r.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("relay.backoff_multiplier must be at least 1"))
	}
	if r.PublishAttempts <= 0 {
		errs = append(errs, fmt.Errorf("relay.publish_attempts must be positive"))
	}
	if r.PublishTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.publish_timeout must be positive"))
	}
	if r.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.store_timeout must be positive"))
	}
	if r.PublishAttempts > 0 && r.LeaseDuration > 0 && r.PublishBudget() >= r.LeaseDuration {
		errs = append(errs, fmt.Errorf("relay.lease_duration must exceed publish_timeout * publish_attempts + store_timeout (%s)", r.PublishBudget()))
	}
	if r.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.sweep_interval must be positive"))
	}
	if r.DeliveredRetention < 0 {
		errs = append(errs, fmt.Errorf("relay.delivered_retention must not be negative"))
	}
	return errs
}

func (s *SinkConfig) validate(redisEnabled bool) []error {
	var errs []error
	switch s.Type {
	case SinkSimulated:
		if s.Simulated.FailureRate < 0 || s.Simulated.FailureRate > 1 {
			errs = append(errs, fmt.Errorf("sink.simulated.failure_rate must be between 0 and 1"))
		}
	case SinkRedis:
		if !redisEnabled {
			errs = append(errs, fmt.Errorf("sink.type=redis requires redis.enabled=true"))
		}
	case SinkKafka:
		if len(s.Kafka.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("sink.kafka.brokers is required"))
		}
	case SinkRabbitMQ:
		if s.RabbitMQ.URL == "" {
			errs = append(errs, fmt.Errorf("sink.rabbitmq.url is required"))
		}
		if s.RabbitMQ.Exchange == "" {
			errs = append(errs, fmt.Errorf("sink.rabbitmq.exchange is required"))
		}
	case SinkPubSub:
		if s.PubSub.ProjectID == "" || s.PubSub.TopicID == "" {
			errs = append(errs, fmt.Errorf("sink.pubsub.project_id and sink.pubsub.topic_id are required"))
		}
	case SinkWebhook:
		if s.Webhook.URL == "" {
			errs = append(errs, fmt.Errorf("sink.webhook.url is required"))
		}
	case SinkFile:
		if s.File.Path == "" {
			errs = append(errs, fmt.Errorf("sink.file.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported sink.type %q", s.Type))
	}

	if s.Breaker.Enabled && (s.Breaker.FailureRatio <= 0 || s.Breaker.FailureRatio > 1) {
		errs = append(errs, fmt.Errorf("sink.breaker.failure_ratio must be in (0, 1]"))
	}
	return errs
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit", 600)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "outbox")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "outbox")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Relay defaults
	v.SetDefault("relay.embedded", false)
	v.SetDefault("relay.workers", 1)
	v.SetDefault("relay.poll_interval", "1s")
	v.SetDefault("relay.batch_size", 50)
	v.SetDefault("relay.lease_duration", "30s")
	v.SetDefault("relay.max_attempts", 10)
	v.SetDefault("relay.initial_backoff", "1s")
	v.SetDefault("relay.max_backoff", "5m")
	v.SetDefault("relay.backoff_multiplier", 2.0)
	v.SetDefault("relay.publish_attempts", 1)
	v.SetDefault("relay.publish_timeout", "10s")
	v.SetDefault("relay.store_timeout", "5s")
	v.SetDefault("relay.sweep_interval", "15s")
	v.SetDefault("relay.sweep_lock_ttl", "10s")
	v.SetDefault("relay.delivered_retention", "168h")
	v.SetDefault("relay.purge_interval", "1h")
	v.SetDefault("relay.dead_letter_stream", "outbox:dlq")
	v.SetDefault("relay.metrics_port", 9091)

	// Sink defaults
	v.SetDefault("sink.type", SinkSimulated)
	v.SetDefault("sink.breaker.enabled", true)
	v.SetDefault("sink.breaker.max_requests", 5)
	v.SetDefault("sink.breaker.interval", "60s")
	v.SetDefault("sink.breaker.timeout", "30s")
	v.SetDefault("sink.breaker.min_requests", 10)
	v.SetDefault("sink.breaker.failure_ratio", 0.6)
	v.SetDefault("sink.redis.stream", "outbox:events")
	v.SetDefault("sink.redis.max_len", 100000)
	v.SetDefault("sink.kafka.brokers", []string{})
	v.SetDefault("sink.kafka.topic", "")
	v.SetDefault("sink.kafka.topic_prefix", "outbox.event.")
	v.SetDefault("sink.kafka.timeout", "10s")
	v.SetDefault("sink.rabbitmq.url", "")
	v.SetDefault("sink.rabbitmq.exchange", "outbox.events")
	v.SetDefault("sink.pubsub.project_id", "")
	v.SetDefault("sink.pubsub.topic_id", "")
	v.SetDefault("sink.pubsub.endpoint", "")
	v.SetDefault("sink.webhook.url", "")
	v.SetDefault("sink.webhook.timeout", "10s")
	v.SetDefault("sink.file.path", "outbox-events.ndjson")
	v.SetDefault("sink.simulated.latency", "0s")
	v.SetDefault("sink.simulated.failure_rate", 0.0)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.tracing_endpoint", "localhost:4318")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Instance ID
	v.SetDefault("instance_id", defaultInstanceID())
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "outbox-1"
	}
	return host
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
