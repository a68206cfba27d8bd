package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_URI(t *testing.T) {
	tests := []struct {
		name  string
		vhost string
	}{
		{name: "default vhost", vhost: "/"},
		{name: "empty vhost", vhost: ""},
		{name: "named vhost", vhost: "/photoshoot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Host: "rabbit", Port: 5672, User: "guest", Password: "g@est", VHost: tt.vhost}

			uri, err := amqp.ParseURI(cfg.URI())

			require.NoError(t, err)
			assert.Equal(t, "rabbit", uri.Host)
			assert.Equal(t, 5672, uri.Port)
			assert.Equal(t, "guest", uri.Username)
			assert.Equal(t, "g@est", uri.Password)
			if tt.vhost == "/photoshoot" {
				assert.Equal(t, "photoshoot", uri.Vhost)
			} else {
				assert.Equal(t, "/", uri.Vhost)
			}
		})
	}
}

func TestConfig_Backoff(t *testing.T) {
	cfg := &Config{PublishRetryDelay: 50 * time.Millisecond, PublishBackoffMult: 3}

	assert.Equal(t, 50*time.Millisecond, cfg.backoff(0))
	assert.Equal(t, 150*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 450*time.Millisecond, cfg.backoff(2))

	defaults := &Config{}
	assert.Equal(t, 100*time.Millisecond, defaults.backoff(0))
	assert.Equal(t, 400*time.Millisecond, defaults.backoff(2))
}

func TestDelayQueueArgs(t *testing.T) {
	args := delayQueueArgs(&Config{ExchangeName: "photoshoot_exchange", RoutingKey: "photoshoot.task"})

	assert.Equal(t, "photoshoot_exchange", args["x-dead-letter-exchange"])
	assert.Equal(t, "photoshoot.task", args["x-dead-letter-routing-key"])
}

func TestPersistent(t *testing.T) {
	msg := persistent([]byte(`{"type":"sweep"}`), "application/json")

	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Empty(t, msg.Expiration)
	assert.False(t, msg.Timestamp.IsZero())
}
