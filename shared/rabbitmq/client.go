package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when the connection or channel is gone
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds the task broker topology and connection settings
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
	// DelayQueueName holds delayed messages until their per-message TTL
	// expires, then dead-letters them onto ExchangeName/RoutingKey
	DelayQueueName string
}

// URI builds the broker address
func (c *Config) URI() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// backoff returns the wait before publish attempt n+1, starting at n=0
func (c *Config) backoff(n int) time.Duration {
	base := c.PublishRetryDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := c.PublishBackoffMult
	if mult <= 0 {
		mult = 2
	}
	d := float64(base)
	for i := 0; i < n; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// Client carries fulfillment tasks between the API and worker services
type Client struct {
	config *Config
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewClient dials the broker and declares the task topology
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	c := &Client{config: config, logger: logger}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return c, nil
}

func (c *Client) dial() (*amqp.Connection, error) {
	cfg := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var conn *amqp.Connection
		conn, err = amqp.DialConfig(c.config.URI(), cfg)
		if err == nil {
			return conn, nil
		}
		c.logger.Warn("RabbitMQ dial failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

func (c *Client) connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch, c.config); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			c.logger.Error("RabbitMQ channel closed", slog.Any("error", err))
		}
	}()

	c.logger.Info("RabbitMQ task topology ready",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("delay_queue", c.config.DelayQueueName),
	)
	return nil
}

// declareTopology sets up the task exchange, the task queue and, when
// configured, the TTL delay queue that dead-letters back onto the exchange
func declareTopology(ch *amqp.Channel, cfg *Config) error {
	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, cfg.ExchangeDurable, cfg.ExchangeAutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.ExchangeName, err)
	}
	if _, err := ch.QueueDeclare(cfg.QueueName, cfg.QueueDurable, cfg.QueueAutoDelete, cfg.QueueExclusive, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", cfg.QueueName, err)
	}
	if err := ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", cfg.QueueName, err)
	}
	if cfg.DelayQueueName == "" {
		return nil
	}
	_, err := ch.QueueDeclare(cfg.DelayQueueName, cfg.QueueDurable, false, false, false, delayQueueArgs(cfg))
	if err != nil {
		return fmt.Errorf("failed to declare delay queue %s: %w", cfg.DelayQueueName, err)
	}
	return nil
}

func delayQueueArgs(cfg *Config) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    cfg.ExchangeName,
		"x-dead-letter-routing-key": cfg.RoutingKey,
	}
}

func (c *Client) activeChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() || c.channel == nil || c.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// IsConnected reports whether publishing would reach the broker
func (c *Client) IsConnected() bool {
	_, err := c.activeChannel()
	return err == nil
}

// Consume subscribes to the task queue with manual acks and the given
// per-consumer prefetch
func (c *Client) Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := c.activeChannel()
	if err != nil {
		return nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	deliveries, err := ch.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", c.config.QueueName, err)
	}
	return deliveries, nil
}

// PublishWithRetry routes a persistent message to the task queue,
// backing off between failed attempts
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	retries := c.config.PublishRetries
	if retries <= 0 {
		retries = 3
	}

	msg := persistent(body, contentType)
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = c.publish(ctx, c.config.ExchangeName, c.config.RoutingKey, msg); err == nil {
			if attempt > 0 {
				c.logger.Info("Task published after retry", slog.Int("attempt", attempt+1))
			}
			return nil
		}
		if attempt == retries || ctx.Err() != nil {
			break
		}

		wait := c.config.backoff(attempt)
		c.logger.Warn("Task publish failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", wait),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("failed to publish task after retries: %w", err)
}

// PublishDelayed parks a message on the delay queue; it reaches the task
// queue once its per-message TTL runs out
func (c *Client) PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error {
	if delay <= 0 {
		return c.PublishWithRetry(ctx, body, contentType)
	}
	if c.config.DelayQueueName == "" {
		return errors.New("no delay queue configured")
	}

	msg := persistent(body, contentType)
	msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	if err := c.publish(ctx, "", c.config.DelayQueueName, msg); err != nil {
		return fmt.Errorf("failed to publish delayed task: %w", err)
	}
	c.logger.Debug("Delayed task published", slog.Duration("delay", delay))
	return nil
}

func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch, err := c.activeChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

func persistent(body []byte, contentType string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  contentType,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
}

// Close tears down the channel then the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}
	c.logger.Info("RabbitMQ connection closed")
	return nil
}
