package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/retry"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Task transports
const (
	TransportRabbitMQ = "rabbitmq"
	TransportLocal    = "local"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Worker      WorkerConfig      `yaml:"worker"`
	Renderer    RendererConfig    `yaml:"renderer"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Artifact    ArtifactConfig    `yaml:"artifact"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Tasks       TasksConfig       `yaml:"tasks"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	// AutoMigrate applies the embedded schema on startup
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	DelayName  string `yaml:"delay_name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the optional Redis connection used for order locks
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RendererConfig holds the image provider API settings
type RendererConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig holds inbound callback settings
type WebhookConfig struct {
	Secret          string `yaml:"secret"`
	CallbackBaseURL string `yaml:"callback_base_url"`
}

// DispatchConfig holds job dispatch pacing and retry settings
type DispatchConfig struct {
	MaxImagesPerCall     int           `yaml:"max_images_per_call"`
	InterCallDelay       time.Duration `yaml:"inter_call_delay"`
	BackupInterCallDelay time.Duration `yaml:"backup_inter_call_delay"`
	BackupCeiling        int           `yaml:"backup_ceiling"`
	CallRetry            retry.Policy  `yaml:"call_retry"`
	GlobalRetry          retry.Policy  `yaml:"global_retry"`
	Budget               time.Duration `yaml:"budget"`
	StopPollInterval     time.Duration `yaml:"stop_poll_interval"`
}

// ArtifactConfig holds image validation settings
type ArtifactConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// PersistenceConfig holds order store retry settings
type PersistenceConfig struct {
	Retry        retry.Policy `yaml:"retry"`
	MaxConflicts int          `yaml:"max_conflicts"`
}

// ReconcileConfig holds sweep and backup trigger settings
type ReconcileConfig struct {
	Retry               retry.Policy  `yaml:"retry"`
	Budget              time.Duration `yaml:"budget"`
	ScheduledDelay      time.Duration `yaml:"scheduled_delay"`
	NearCompletionRatio float64       `yaml:"near_completion_ratio"`
	BackupAfter         time.Duration `yaml:"backup_after"`
}

// TasksConfig selects how fulfillment tasks travel
type TasksConfig struct {
	Transport string `yaml:"transport"`
}

// Load reads and parses the configuration file, then applies defaults and
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnv()

	return &config, nil
}

// applyEnv lets secrets live outside the config file
func (c *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"RENDERER_API_KEY", &c.Renderer.APIKey},
		{"WEBHOOK_SECRET", &c.Webhook.Secret},
		{"DATABASE_PASSWORD", &c.Database.Password},
		{"RABBITMQ_PASSWORD", &c.RabbitMQ.Password},
		{"REDIS_PASSWORD", &c.Redis.Password},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Renderer.BaseURL == "" {
		c.Renderer.BaseURL = "https://api.astria.ai"
	}
	if c.Renderer.Timeout <= 0 {
		c.Renderer.Timeout = 10 * time.Second
	}

	d := &c.Dispatch
	if d.MaxImagesPerCall <= 0 {
		d.MaxImagesPerCall = 8
	}
	if d.InterCallDelay <= 0 {
		d.InterCallDelay = time.Second
	}
	if d.BackupInterCallDelay <= 0 {
		d.BackupInterCallDelay = 3 * time.Second
	}
	if d.BackupCeiling <= 0 {
		d.BackupCeiling = 8
	}
	d.CallRetry = withPolicyDefaults(d.CallRetry, 4, time.Second)
	d.GlobalRetry = withPolicyDefaults(d.GlobalRetry, 3, 2*time.Second)
	if d.Budget <= 0 {
		d.Budget = 5 * time.Minute
	}
	if d.StopPollInterval <= 0 {
		d.StopPollInterval = 500 * time.Millisecond
	}

	if c.Artifact.Timeout <= 0 {
		c.Artifact.Timeout = 8 * time.Second
	}
	if c.Artifact.Concurrency <= 0 {
		c.Artifact.Concurrency = 8
	}

	c.Persistence.Retry = withPolicyDefaults(c.Persistence.Retry, 3, time.Second)
	if c.Persistence.MaxConflicts <= 0 {
		c.Persistence.MaxConflicts = 5
	}

	r := &c.Reconcile
	r.Retry = withPolicyDefaults(r.Retry, 4, 2*time.Second)
	if r.Budget <= 0 {
		r.Budget = 2 * time.Minute
	}
	if r.ScheduledDelay <= 0 {
		r.ScheduledDelay = 45 * time.Second
	}
	if r.NearCompletionRatio <= 0 || r.NearCompletionRatio > 1 {
		r.NearCompletionRatio = 0.9
	}
	if r.BackupAfter <= 0 {
		r.BackupAfter = 10 * time.Minute
	}

	if c.Tasks.Transport == "" {
		c.Tasks.Transport = TransportRabbitMQ
	}
	if c.RabbitMQ.Queue.DelayName == "" && c.RabbitMQ.Queue.Name != "" {
		c.RabbitMQ.Queue.DelayName = c.RabbitMQ.Queue.Name + ".delay"
	}
}

func withPolicyDefaults(p retry.Policy, attempts int, base time.Duration) retry.Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = base
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	return p
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Webhook.CallbackBaseURL == "" {
		return fmt.Errorf("webhook callback_base_url is required")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Tasks.Transport != TransportRabbitMQ {
		return fmt.Errorf("worker requires the %s task transport", TransportRabbitMQ)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Webhook.CallbackBaseURL == "" {
		return fmt.Errorf("webhook callback_base_url is required")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	switch c.Tasks.Transport {
	case TransportLocal:
	case TransportRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	default:
		return fmt.Errorf("unknown task transport: %q", c.Tasks.Transport)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	if c.Renderer.APIKey == "" {
		return fmt.Errorf("renderer api_key is required")
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret is required")
	}

	return nil
}
