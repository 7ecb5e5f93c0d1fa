// Package config loads client settings from YAML files and the environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/carterjones/signalrcore"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// Config is the root configuration of a program using the client.
type Config struct {
	// Hub describes the hub to connect to and how.
	Hub HubConfig `mapstructure:"hub"`

	// Log holds logging configuration.
	Log LogConfig `mapstructure:"log"`
}

// HubConfig mirrors the exported settings of signalr.Client.
type HubConfig struct {
	Host     string            `mapstructure:"host"`
	Endpoint string            `mapstructure:"endpoint"`
	Scheme   string            `mapstructure:"scheme"`
	Headers  map[string]string `mapstructure:"headers"`
	CustomID string            `mapstructure:"custom_id"`

	MaxNegotiateRetries int           `mapstructure:"max_negotiate_retries"`
	MaxConnectRetries   int           `mapstructure:"max_connect_retries"`
	RetryWait           time.Duration `mapstructure:"retry_wait"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	// Zero disables the heartbeat.
	KeepAlive time.Duration `mapstructure:"keep_alive"`

	InboundQueueSize  int    `mapstructure:"inbound_queue_size"`
	OutboundQueueSize int    `mapstructure:"outbound_queue_size"`
	OverflowPolicy    string `mapstructure:"overflow_policy"`
	StreamBufferSize  int    `mapstructure:"stream_buffer_size"`

	// Bytes; zero means unlimited.
	MaxMessageSize int64 `mapstructure:"max_message_size"`

	// Messages per second; zero means unlimited.
	SendRateLimit float64 `mapstructure:"send_rate_limit"`
	SendBurst     int     `mapstructure:"send_burst"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config holding the same hub defaults as signalr.New.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			Scheme:              string(signalr.HTTPS),
			Headers:             map[string]string{},
			MaxNegotiateRetries: 5,
			MaxConnectRetries:   5,
			RetryWait:           time.Minute,
			HandshakeTimeout:    15 * time.Second,
			KeepAlive:           2 * time.Second,
			InboundQueueSize:    64,
			OutboundQueueSize:   64,
			OverflowPolicy:      signalr.OverflowReject.String(),
			StreamBufferSize:    16,
			MaxMessageSize:      1 << 20,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/signalr.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations for signalr.yaml. Environment variables use
// the prefix SIGNALR and `.`/`-` are replaced with `_`.
// Example: SIGNALR_HUB_HOST=example.com
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SIGNALR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Env-only configs need every key to be known to viper.
	v.SetDefault("hub.host", cfg.Hub.Host)
	v.SetDefault("hub.endpoint", cfg.Hub.Endpoint)
	v.SetDefault("hub.scheme", cfg.Hub.Scheme)
	v.SetDefault("hub.headers", cfg.Hub.Headers)
	v.SetDefault("hub.custom_id", cfg.Hub.CustomID)
	v.SetDefault("hub.max_negotiate_retries", cfg.Hub.MaxNegotiateRetries)
	v.SetDefault("hub.max_connect_retries", cfg.Hub.MaxConnectRetries)
	v.SetDefault("hub.retry_wait", cfg.Hub.RetryWait)
	v.SetDefault("hub.handshake_timeout", cfg.Hub.HandshakeTimeout)
	v.SetDefault("hub.keep_alive", cfg.Hub.KeepAlive)
	v.SetDefault("hub.inbound_queue_size", cfg.Hub.InboundQueueSize)
	v.SetDefault("hub.outbound_queue_size", cfg.Hub.OutboundQueueSize)
	v.SetDefault("hub.overflow_policy", cfg.Hub.OverflowPolicy)
	v.SetDefault("hub.stream_buffer_size", cfg.Hub.StreamBufferSize)
	v.SetDefault("hub.max_message_size", cfg.Hub.MaxMessageSize)
	v.SetDefault("hub.send_rate_limit", cfg.Hub.SendRateLimit)
	v.SetDefault("hub.send_burst", cfg.Hub.SendBurst)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("SIGNALR_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("signalr")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".signalr"))
		}
	}

	// A missing config file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Hub.Scheme = strings.ToLower(strings.TrimSpace(c.Hub.Scheme))
	switch signalr.Scheme(c.Hub.Scheme) {
	case signalr.HTTP, signalr.HTTPS:
	default:
		return errors.Errorf("invalid hub.scheme: %q", c.Hub.Scheme)
	}
	if _, err := signalr.ParseOverflowPolicy(c.Hub.OverflowPolicy); err != nil {
		return errors.Wrap(err, "invalid hub.overflow_policy")
	}
	if c.Hub.KeepAlive < 0 {
		return errors.Errorf("invalid hub.keep_alive: %v", c.Hub.KeepAlive)
	}
	if c.Hub.MaxMessageSize < 0 {
		return errors.Errorf("invalid hub.max_message_size: %d", c.Hub.MaxMessageSize)
	}
	if c.Hub.SendRateLimit < 0 {
		return errors.Errorf("invalid hub.send_rate_limit: %v", c.Hub.SendRateLimit)
	}
	return nil
}

// Apply copies the hub settings onto c. Zero values leave the client's
// setting untouched, except where zero has a meaning of its own: keep-alive
// (disabled), message size and rate limit (unlimited).
func (c *Config) Apply(client *signalr.Client) error {
	h := c.Hub

	policy, err := signalr.ParseOverflowPolicy(h.OverflowPolicy)
	if err != nil {
		return err
	}
	client.OverflowPolicy = policy

	if h.Host != "" {
		client.Host = h.Host
	}
	if h.Endpoint != "" {
		client.Endpoint = h.Endpoint
	}
	if h.Scheme != "" {
		client.Scheme = signalr.Scheme(h.Scheme)
	}
	if h.CustomID != "" {
		client.CustomID = h.CustomID
	}
	if client.Headers == nil {
		client.Headers = make(map[string]string)
	}
	for k, v := range h.Headers {
		client.Headers[k] = v
	}

	if h.MaxNegotiateRetries > 0 {
		client.MaxNegotiateRetries = h.MaxNegotiateRetries
	}
	if h.MaxConnectRetries > 0 {
		client.MaxConnectRetries = h.MaxConnectRetries
	}
	if h.RetryWait > 0 {
		client.RetryWaitDuration = h.RetryWait
	}
	if h.HandshakeTimeout > 0 {
		client.HandshakeTimeout = h.HandshakeTimeout
	}
	if h.InboundQueueSize > 0 {
		client.InboundQueueSize = h.InboundQueueSize
	}
	if h.OutboundQueueSize > 0 {
		client.OutboundQueueSize = h.OutboundQueueSize
	}
	if h.StreamBufferSize > 0 {
		client.StreamBufferSize = h.StreamBufferSize
	}

	client.KeepAliveInterval = h.KeepAlive
	client.MaxMessageSize = h.MaxMessageSize
	client.SendRateLimit = rate.Limit(h.SendRateLimit)
	client.SendBurst = h.SendBurst

	return nil
}
