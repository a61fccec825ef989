// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Tenants  []string       `yaml:"tenants"`
	Queue    QueueConfig    `yaml:"queue"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Advancer AdvancerConfig `yaml:"advancer"`
	Playback PlaybackConfig `yaml:"playback"`
	NATS     NATSConfig     `yaml:"nats"`
}

// ServerConfig represents the HTTP listener configuration.
type ServerConfig struct {
	Addr string `yaml:"addr" default:":8080"`
}

// AuthConfig represents control-token configuration.
type AuthConfig struct {
	Secret string `yaml:"secret" validate:"required,min=16"`
}

// QueueConfig represents the durable request queue configuration.
type QueueConfig struct {
	DBPath string `yaml:"db_path" default:"boombox.db"`
}

// SnapshotConfig represents playback snapshot persistence.
type SnapshotConfig struct {
	Driver     string `yaml:"driver" default:"fs" validate:"oneof=fs redis"`
	Path       string `yaml:"path" default:"snapshots"`
	RedisAddr  string `yaml:"redis_addr" default:"localhost:6379"`
	RedisDB    int    `yaml:"redis_db"`
	RedisPass  string `yaml:"redis_password"`
	IntervalMs int    `yaml:"interval_ms" default:"10000" validate:"gte=250"`
}

// GatewayConfig represents the remote-control gateway tunables.
type GatewayConfig struct {
	AckTimeoutMs         int `yaml:"ack_timeout_ms" default:"5000" validate:"gte=100"`
	MaxQueue             int `yaml:"max_queue" default:"64" validate:"gte=1"`
	ClockSkewSec         int `yaml:"clock_skew_sec" default:"60" validate:"gte=1"`
	HistoryTTLSec        int `yaml:"history_ttl_sec" default:"60" validate:"gte=1"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec" default:"15" validate:"gte=1"`
}

// AdvancerConfig represents the autoplay reconciler cadence.
type AdvancerConfig struct {
	IntervalMs int `yaml:"interval_ms" default:"5000" validate:"gte=250"`
}

// PlaybackConfig represents the position tick cadence.
type PlaybackConfig struct {
	TickIntervalMs int `yaml:"tick_interval_ms" default:"1000" validate:"gte=100"`
}

// NATSConfig represents the optional payment-event subscription.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject" default:"boombox.payment.confirmed"`
}

// Load loads configuration from a YAML file. Environment variables take
// precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if len(cfg.Tenants) == 0 {
		cfg.Tenants = []string{"global"}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("BOOMBOX_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("BOOMBOX_REDIS_ADDR"); v != "" {
		c.Snapshot.RedisAddr = v
	}
	if v := os.Getenv("BOOMBOX_REDIS_PASSWORD"); v != "" {
		c.Snapshot.RedisPass = v
	}
	if v := os.Getenv("BOOMBOX_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// SnapshotInterval returns the snapshot cadence as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshot.IntervalMs) * time.Millisecond
}

// AckTimeout returns the display acknowledgment bound as a duration.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Gateway.AckTimeoutMs) * time.Millisecond
}

// ClockSkew returns the accepted command timestamp skew as a duration.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Gateway.ClockSkewSec) * time.Second
}

// HistoryTTL returns the idempotency cache retention as a duration.
func (c *Config) HistoryTTL() time.Duration {
	return time.Duration(c.Gateway.HistoryTTLSec) * time.Second
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Gateway.HeartbeatIntervalSec) * time.Second
}

// AdvancerInterval returns the reconcile cadence as a duration.
func (c *Config) AdvancerInterval() time.Duration {
	return time.Duration(c.Advancer.IntervalMs) * time.Millisecond
}

// TickInterval returns the position tick cadence as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Playback.TickIntervalMs) * time.Millisecond
}
