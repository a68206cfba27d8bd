package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "photoshoot_db", cfg.Database.Database)
				assert.Equal(t, "photoshoot_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "photoshoot_tasks", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "photoshoot-api-service", cfg.App.Name)
				assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.InterCallDelay)
				assert.Equal(t, 5, cfg.Dispatch.CallRetry.MaxAttempts)
				assert.Equal(t, 30*time.Second, cfg.Reconcile.ScheduledDelay)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "https://api.astria.ai", cfg.Renderer.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Renderer.Timeout)

	assert.Equal(t, 8, cfg.Dispatch.MaxImagesPerCall)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.BackupInterCallDelay)
	assert.Equal(t, 8, cfg.Dispatch.BackupCeiling)
	assert.Equal(t, time.Second, cfg.Dispatch.CallRetry.BaseDelay)
	assert.Equal(t, 3, cfg.Dispatch.GlobalRetry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.GlobalRetry.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.Budget)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.StopPollInterval)

	assert.Equal(t, 8*time.Second, cfg.Artifact.Timeout)
	assert.Equal(t, 8, cfg.Artifact.Concurrency)

	assert.Equal(t, 3, cfg.Persistence.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Persistence.MaxConflicts)

	assert.Equal(t, 4, cfg.Reconcile.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Reconcile.Budget)
	assert.InDelta(t, 0.9, cfg.Reconcile.NearCompletionRatio, 1e-9)
	assert.Equal(t, 10*time.Minute, cfg.Reconcile.BackupAfter)

	assert.Equal(t, TransportRabbitMQ, cfg.Tasks.Transport)
	assert.Equal(t, "photoshoot_tasks.delay", cfg.RabbitMQ.Queue.DelayName)
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("RENDERER_API_KEY", "env-key")
	t.Setenv("WEBHOOK_SECRET", "env-secret")
	t.Setenv("DATABASE_PASSWORD", "")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Renderer.APIKey)
	assert.Equal(t, "env-secret", cfg.Webhook.Secret)
	// empty variables do not blank out file values
	assert.Equal(t, "file-password", cfg.Database.Password)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "photoshoot_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "photoshoot_exchange"},
			Queue:    QueueConfig{Name: "photoshoot_tasks"},
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			JobTimeout:      10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Renderer: RendererConfig{APIKey: "key"},
		Webhook: WebhookConfig{
			Secret:          "secret",
			CallbackBaseURL: "https://photoshoot.example.com/api/v1/webhooks/prompt",
		},
		Tasks: TasksConfig{Transport: TransportRabbitMQ},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "local transport needs no rabbitmq", mutate: func(c *Config) {
			c.Tasks.Transport = TransportLocal
			c.RabbitMQ = RabbitMQConfig{}
		}},
		{name: "invalid server port - too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "invalid server port - too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "invalid database port", mutate: func(c *Config) { c.Database.Port = 0 }, errString: "invalid database port"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "empty exchange", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{name: "unknown transport", mutate: func(c *Config) { c.Tasks.Transport = "kafka" }, errString: "unknown task transport"},
		{name: "redis enabled without addr", mutate: func(c *Config) { c.Redis.Enabled = true }, errString: "redis addr is required"},
		{name: "missing renderer key", mutate: func(c *Config) { c.Renderer.APIKey = "" }, errString: "renderer api_key is required"},
		{name: "missing webhook secret", mutate: func(c *Config) { c.Webhook.Secret = "" }, errString: "webhook secret is required"},
		{name: "missing callback base url", mutate: func(c *Config) { c.Webhook.CallbackBaseURL = "" }, errString: "callback_base_url is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "server port is not needed", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "worker concurrency must be greater than 0"},
		{name: "zero job timeout", mutate: func(c *Config) { c.Worker.JobTimeout = 0 }, errString: "worker job_timeout must be greater than 0"},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.Worker.ShutdownTimeout = 0 }, errString: "worker shutdown_timeout must be greater than 0"},
		{name: "local transport", mutate: func(c *Config) { c.Tasks.Transport = TransportLocal }, errString: "worker requires the rabbitmq task transport"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
