// Package config loads client settings from a YAML file with APMLS_*
// environment overrides.
//
// Keys nest with dots in the file and with underscores in the environment,
// so network.timeout can be overridden with APMLS_NETWORK_TIMEOUT. Values
// outside their bounds are logged and replaced with the default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/apmls/interfaces"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "APMLS"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Validation bounds.
const (
	MinNetworkTimeout = 100 * time.Millisecond
	MaxNetworkTimeout = 10 * time.Minute
	MinRetryAttempts  = 0
	MaxRetryAttempts  = 100
	MaxRetryBackoff   = time.Minute
	MinPollInterval   = time.Second
	MaxPollInterval   = time.Hour
	MinPreviewLength  = 1
	MaxPreviewLength  = 10000
)

const redacted = "********"

// ErrNoActor is returned by Validate when no actor id is configured.
var ErrNoActor = errors.New("config: actor.id is required")

// Config is the complete client configuration.
type Config struct {
	Actor   ActorConfig   `mapstructure:"actor" yaml:"actor"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Network NetworkConfig `mapstructure:"network" yaml:"network"`
	Client  ClientConfig  `mapstructure:"client" yaml:"client"`

	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// ActorConfig identifies the local user on their server. Outbox and
// Messages are discovered from the actor document when empty.
type ActorConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Outbox   string `mapstructure:"outbox" yaml:"outbox,omitempty"`
	Messages string `mapstructure:"messages" yaml:"messages,omitempty"`
	Token    string `mapstructure:"token" yaml:"token,omitempty"`
}

// StoreConfig selects and opens the local store.
type StoreConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	Path       string `mapstructure:"path" yaml:"path,omitempty"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
}

// NetworkConfig tunes HTTP behaviour.
type NetworkConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
}

// ClientConfig holds presentation settings.
type ClientConfig struct {
	PreviewLength int    `mapstructure:"preview_length" yaml:"preview_length"`
	Generator     string `mapstructure:"generator" yaml:"generator"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	delivery := interfaces.DefaultDeliveryConfig()
	return &Config{
		Store: StoreConfig{
			Driver: DriverBolt,
			Path:   "apmls.db",
		},
		Network: NetworkConfig{
			Timeout:        delivery.NetworkTimeout,
			RetryAttempts:  delivery.RetryAttempts,
			RetryBackoff:   delivery.RetryBackoff,
			ReconnectDelay: time.Second,
		},
		Client: ClientConfig{
			PreviewLength: 100,
			Generator:     "apmls",
		},
		LogLevel: "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("actor.id", d.Actor.ID)
	v.SetDefault("actor.outbox", d.Actor.Outbox)
	v.SetDefault("actor.messages", d.Actor.Messages)
	v.SetDefault("actor.token", d.Actor.Token)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.passphrase", d.Store.Passphrase)
	v.SetDefault("network.timeout", d.Network.Timeout)
	v.SetDefault("network.retry_attempts", d.Network.RetryAttempts)
	v.SetDefault("network.retry_backoff", d.Network.RetryBackoff)
	v.SetDefault("network.poll_interval", d.Network.PollInterval)
	v.SetDefault("network.reconnect_delay", d.Network.ReconnectDelay)
	v.SetDefault("client.preview_length", d.Client.PreviewLength)
	v.SetDefault("client.generator", d.Client.Generator)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Load reads path, if not empty, and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.clamp()

	logrus.WithFields(logrus.Fields{
		"function":       "config.Load",
		"file":           v.ConfigFileUsed(),
		"actor":          cfg.Actor.ID,
		"store_driver":   cfg.Store.Driver,
		"timeout":        cfg.Network.Timeout,
		"retry_attempts": cfg.Network.RetryAttempts,
		"poll_interval":  cfg.Network.PollInterval,
	}).Debug("Loaded configuration")

	return cfg, nil
}

// clamp replaces out-of-range values with their defaults.
func (c *Config) clamp() {
	d := Default()

	if c.Network.Timeout < MinNetworkTimeout || c.Network.Timeout > MaxNetworkTimeout {
		warnBounds("network.timeout", c.Network.Timeout, MinNetworkTimeout, MaxNetworkTimeout, d.Network.Timeout)
		c.Network.Timeout = d.Network.Timeout
	}
	if c.Network.RetryAttempts < MinRetryAttempts || c.Network.RetryAttempts > MaxRetryAttempts {
		warnBounds("network.retry_attempts", c.Network.RetryAttempts, MinRetryAttempts, MaxRetryAttempts, d.Network.RetryAttempts)
		c.Network.RetryAttempts = d.Network.RetryAttempts
	}
	if c.Network.RetryBackoff < 0 || c.Network.RetryBackoff > MaxRetryBackoff {
		warnBounds("network.retry_backoff", c.Network.RetryBackoff, time.Duration(0), MaxRetryBackoff, d.Network.RetryBackoff)
		c.Network.RetryBackoff = d.Network.RetryBackoff
	}
	// zero disables periodic polling
	if c.Network.PollInterval != 0 && (c.Network.PollInterval < MinPollInterval || c.Network.PollInterval > MaxPollInterval) {
		warnBounds("network.poll_interval", c.Network.PollInterval, MinPollInterval, MaxPollInterval, d.Network.PollInterval)
		c.Network.PollInterval = d.Network.PollInterval
	}
	if c.Network.ReconnectDelay <= 0 {
		c.Network.ReconnectDelay = d.Network.ReconnectDelay
	}
	if c.Client.PreviewLength < MinPreviewLength || c.Client.PreviewLength > MaxPreviewLength {
		warnBounds("client.preview_length", c.Client.PreviewLength, MinPreviewLength, MaxPreviewLength, d.Client.PreviewLength)
		c.Client.PreviewLength = d.Client.PreviewLength
	}

	switch c.Store.Driver {
	case DriverMemory, DriverBolt, DriverSQLite:
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "config.clamp",
			"key":         "store.driver",
			"value":       c.Store.Driver,
			"using_value": d.Store.Driver,
		}).Warn("Unknown store driver, using default")
		c.Store.Driver = d.Store.Driver
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "config.clamp",
			"key":         "log_level",
			"value":       c.LogLevel,
			"error":       err.Error(),
			"using_value": d.LogLevel,
		}).Warn("Failed to parse log level, using default")
		c.LogLevel = d.LogLevel
	}
}

func warnBounds(key string, value, lo, hi, using any) {
	logrus.WithFields(logrus.Fields{
		"function":    "config.clamp",
		"key":         key,
		"value":       value,
		"min":         lo,
		"max":         hi,
		"using_value": using,
	}).Warn("Configuration value out of bounds, using default")
}

// Validate reports settings that make the client unusable.
func (c *Config) Validate() error {
	if c.Actor.ID == "" {
		return ErrNoActor
	}
	if c.Store.Driver != DriverMemory && c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required for the %s driver", c.Store.Driver)
	}
	delivery := c.Delivery()
	return delivery.Validate()
}

// Delivery returns the transport settings.
func (c *Config) Delivery() interfaces.DeliveryConfig {
	return interfaces.DeliveryConfig{
		NetworkTimeout: c.Network.Timeout,
		RetryAttempts:  c.Network.RetryAttempts,
		RetryBackoff:   c.Network.RetryBackoff,
	}
}

// Level returns the parsed log level.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Render returns c as YAML with secrets masked.
func (c *Config) Render() ([]byte, error) {
	masked := *c
	if masked.Actor.Token != "" {
		masked.Actor.Token = redacted
	}
	if masked.Store.Passphrase != "" {
		masked.Store.Passphrase = redacted
	}
	return yaml.Marshal(&masked)
}

// Write saves c to path as YAML, secrets included, readable only by the
// owner.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
