package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration, loaded from YAML with
// environment variable overrides.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Session SessionConfig `yaml:"session"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen"`

	// APIKey guards all API endpoints (x-api-key header). Empty disables auth.
	APIKey string `yaml:"api_key"`
}

// StorageConfig configures on-disk state.
type StorageConfig struct {
	// DataDir holds devices.json and the per-device credential directories.
	DataDir string `yaml:"data_dir"`
}

// QueueConfig configures the outbound message queue.
type QueueConfig struct {
	// RedisURL enables the durable redis backend. Empty selects the
	// in-memory backend (standalone mode, jobs lost on restart).
	RedisURL string `yaml:"redis_url"`

	// Workers is the number of concurrent send workers.
	Workers int `yaml:"workers"`

	// MaxAttempts is the delivery attempt limit before a job is parked as failed.
	MaxAttempts int `yaml:"max_attempts"`
}

// SessionConfig configures the device session manager.
type SessionConfig struct {
	// CountryCode replaces a leading "0" when normalizing recipients.
	CountryCode string `yaml:"country_code"`

	// DomainSuffix is appended to normalized recipients when absent.
	DomainSuffix string `yaml:"domain_suffix"`

	// DialTimeout bounds a single transport connect attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReconnectBase is the initial reconnect backoff delay.
	ReconnectBase time.Duration `yaml:"reconnect_base"`

	// ReconnectMax caps the reconnect backoff delay.
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// WebhookConfig configures inbound message forwarding.
type WebhookConfig struct {
	// DefaultURL receives inbound messages for devices without their own webhook.
	DefaultURL string `yaml:"default_url"`

	// Timeout bounds a single webhook POST.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file or overrides are present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Listen: ":3000",
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(home, ".freewa"),
		},
		Queue: QueueConfig{
			Workers:     4,
			MaxAttempts: 3,
		},
		Session: SessionConfig{
			CountryCode:   "62",
			DomainSuffix:  "@s.whatsapp.net",
			DialTimeout:   30 * time.Second,
			ReconnectBase: 2 * time.Second,
			ReconnectMax:  60 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads the config file at path (missing file is not an error: defaults
// apply) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults + env only
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.Server.Listen, "FREEWA_LISTEN")
	setStr(&c.Server.APIKey, "FREEWA_API_KEY")
	setStr(&c.Storage.DataDir, "FREEWA_DATA_DIR")
	setStr(&c.Queue.RedisURL, "FREEWA_REDIS_URL")
	setStr(&c.Webhook.DefaultURL, "WEBHOOK_URL")
	setStr(&c.Session.CountryCode, "FREEWA_COUNTRY_CODE")

	if v := os.Getenv("FREEWA_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.Workers = n
		}
	}
}

func (c *Config) normalize() {
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Session.ReconnectBase <= 0 {
		c.Session.ReconnectBase = 2 * time.Second
	}
	if c.Session.ReconnectMax < c.Session.ReconnectBase {
		c.Session.ReconnectMax = 60 * time.Second
	}
	if c.Session.CountryCode == "" {
		c.Session.CountryCode = "62"
	}
	if c.Session.DomainSuffix == "" {
		c.Session.DomainSuffix = "@s.whatsapp.net"
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
}

// RegistryPath returns the device registry file location.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Storage.DataDir, "devices.json")
}

// SessionsDir returns the root directory for per-device credentials.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Storage.DataDir, "wa_sessions")
}
