// Package config loads and validates process configuration from the
// environment, following the same caarlos0/env + godotenv pattern the
// rest of the stack uses for its WebSocket gateway.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every knob the pubsub daemon reads at startup.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Core sizing, matching the firmware's compile-time ceilings. These
	// values are read from the environment but not passed to
	// internal/pubsub, which enforces its own constants (pubsub.MaxTopics,
	// pubsub.MaxSubscribersPerTopic, pubsub.MaxMsgSize,
	// pubsub.MaxQueueSize); changing them does not change those limits.
	MaxTopics              int `env:"EMBEDBUS_MAX_TOPICS" envDefault:"50"`
	MaxSubscribersPerTopic int `env:"EMBEDBUS_MAX_SUBSCRIBERS_PER_TOPIC" envDefault:"20"`
	MaxMsgSize             int `env:"EMBEDBUS_MAX_MSG_SIZE" envDefault:"1024"`
	DefaultQueueSize       int `env:"EMBEDBUS_DEFAULT_QUEUE_SIZE" envDefault:"100"`

	// Allocator arena sizing (blocks * block size bytes).
	PoolBlocks int `env:"EMBEDBUS_POOL_BLOCKS" envDefault:"4096"`
	BlockSize  int `env:"EMBEDBUS_BLOCK_SIZE" envDefault:"128"`

	// Reliable-delivery overlay.
	MaxRetries     int           `env:"EMBEDBUS_MAX_RETRIES" envDefault:"5"`
	RetryInterval  time.Duration `env:"EMBEDBUS_RETRY_INTERVAL" envDefault:"2s"`
	AckTimeout     time.Duration `env:"EMBEDBUS_ACK_TIMEOUT" envDefault:"10s"`

	// Bridge to the external broker. Transport selects which adapter
	// cmd/pubsubd's buildTransport constructs and passes to bus.Init.
	Transport         string `env:"EMBEDBUS_TRANSPORT" envDefault:"nats"` // nats | kafka | device
	NATSURL           string `env:"EMBEDBUS_NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers      string `env:"EMBEDBUS_KAFKA_BROKERS" envDefault:"localhost:19092"`
	BridgeSubject     string `env:"EMBEDBUS_BRIDGE_SUBJECT" envDefault:"embedbus.bridge"`
	SendRateLimit     float64 `env:"EMBEDBUS_SEND_RATE_LIMIT" envDefault:"500"` // events/sec, x/time/rate
	DeviceListenAddr  string `env:"EMBEDBUS_DEVICE_LISTEN_ADDR" envDefault:":9465"` // transport=device

	// Resource posture, sampled by internal/health the way the gateway
	// samples container CPU/memory.
	CPULimit           float64 `env:"EMBEDBUS_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit        int64   `env:"EMBEDBUS_MEMORY_LIMIT" envDefault:"268435456"` // 256MB
	HealthSampleInterval time.Duration `env:"EMBEDBUS_HEALTH_SAMPLE_INTERVAL" envDefault:"15s"`

	// Metrics / HTTP surface.
	MetricsAddr string `env:"EMBEDBUS_METRICS_ADDR" envDefault:":9464"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads .env (if present) then the process environment, parses into
// a Config, and validates it. Priority: real env vars > .env file >
// struct defaults, matching caarlos0/env's own precedence.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate applies range and enum checks the way the gateway's own
// Config.Validate does.
func (c *Config) Validate() error {
	if c.MaxTopics < 1 {
		return fmt.Errorf("EMBEDBUS_MAX_TOPICS must be > 0, got %d", c.MaxTopics)
	}
	if c.MaxSubscribersPerTopic < 1 {
		return fmt.Errorf("EMBEDBUS_MAX_SUBSCRIBERS_PER_TOPIC must be > 0, got %d", c.MaxSubscribersPerTopic)
	}
	if c.MaxMsgSize < 1 {
		return fmt.Errorf("EMBEDBUS_MAX_MSG_SIZE must be > 0, got %d", c.MaxMsgSize)
	}
	if c.PoolBlocks < 1 || c.BlockSize < 8 {
		return fmt.Errorf("EMBEDBUS_POOL_BLOCKS/EMBEDBUS_BLOCK_SIZE must describe a non-trivial arena, got %d*%d",
			c.PoolBlocks, c.BlockSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("EMBEDBUS_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	switch c.Transport {
	case "nats", "kafka", "device":
	default:
		return fmt.Errorf("EMBEDBUS_TRANSPORT must be one of: nats, kafka, device (got: %s)", c.Transport)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the resolved configuration as a single structured
// event, matching the gateway's Config.LogConfig.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("max_topics", c.MaxTopics).
		Int("max_subscribers_per_topic", c.MaxSubscribersPerTopic).
		Int("max_msg_size", c.MaxMsgSize).
		Int("pool_blocks", c.PoolBlocks).
		Int("block_size", c.BlockSize).
		Int("max_retries", c.MaxRetries).
		Dur("retry_interval", c.RetryInterval).
		Dur("ack_timeout", c.AckTimeout).
		Str("transport", c.Transport).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("embedbus configuration loaded")
}
