// Package config loads mcphost configuration from the environment and,
// optionally, a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DefaultURLPolicy admits only https targets for URL-mode elicitation.
const DefaultURLPolicy = `url.scheme == "https"`

// Config holds host configuration.
type Config struct {
	DataDir    string `yaml:"data_dir" json:"data_dir"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	LogLevel   string `yaml:"log_level" json:"log_level"`

	Store         StoreConfig         `yaml:"store" json:"store"`
	Trust         TrustConfig         `yaml:"trust" json:"trust"`
	Elicitation   ElicitationConfig   `yaml:"elicitation" json:"elicitation"`
	Channel       ChannelConfig       `yaml:"channel" json:"channel"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// StoreConfig selects and configures the trust store persistence backend.
type StoreConfig struct {
	Backend       string `yaml:"backend" json:"backend"`
	DatabaseURL   string `yaml:"database_url,omitempty" json:"-"`
	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" json:"-"`
	RedisDB       int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty" json:"redis_prefix,omitempty"`
}

// TrustConfig configures certificate issuance.
type TrustConfig struct {
	CertValidity time.Duration `yaml:"cert_validity" json:"cert_validity"`
}

// ElicitationConfig configures the request tracker and URL admission.
type ElicitationConfig struct {
	RequestTTL   time.Duration `yaml:"request_ttl" json:"request_ttl"`
	ResolveGrace time.Duration `yaml:"resolve_grace" json:"resolve_grace"`
	URLPolicy    string        `yaml:"url_policy" json:"url_policy"`
}

// ChannelConfig configures the secure response channel endpoint.
type ChannelConfig struct {
	RPS          float64 `yaml:"rps" json:"rps"`
	Burst        int     `yaml:"burst" json:"burst"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" json:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    defaultDataDir(),
		ListenAddr: "127.0.0.1:7345",
		LogLevel:   "INFO",
		Store: StoreConfig{
			Backend:     BackendFile,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "mcphost:trust",
		},
		Trust: TrustConfig{
			CertValidity: 365 * 24 * time.Hour,
		},
		Elicitation: ElicitationConfig{
			RequestTTL:   5 * time.Minute,
			ResolveGrace: 10 * time.Second,
			URLPolicy:    DefaultURLPolicy,
		},
		Channel: ChannelConfig{
			RPS:          5,
			Burst:        10,
			MaxBodyBytes: 64 << 10,
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".mcphost")
	}
	return "data"
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DataDir, "MCPHOST_DATA_DIR")
	setString(&c.ListenAddr, "MCPHOST_LISTEN_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Store.Backend, "MCPHOST_STORE")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.RedisAddr, "REDIS_ADDR")
	setString(&c.Store.RedisPassword, "REDIS_PASSWORD")
	setString(&c.Elicitation.URLPolicy, "MCPHOST_URL_POLICY")
	setString(&c.Observability.OTLPEndpoint, "MCPHOST_OTEL_ENDPOINT")

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	collect(setInt(&c.Store.RedisDB, "REDIS_DB"))
	collect(setDuration(&c.Elicitation.RequestTTL, "MCPHOST_REQUEST_TTL"))
	collect(setDuration(&c.Elicitation.ResolveGrace, "MCPHOST_RESOLVE_GRACE"))
	collect(setDuration(&c.Trust.CertValidity, "MCPHOST_CERT_VALIDITY"))
	collect(setFloat(&c.Channel.RPS, "MCPHOST_CHANNEL_RPS"))
	collect(setInt(&c.Channel.Burst, "MCPHOST_CHANNEL_BURST"))
	if v := os.Getenv("MCPHOST_OTEL_ENABLED"); v != "" {
		c.Observability.Enabled = v == "true" || v == "1"
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendSQLite:
		if c.DataDir == "" {
			return fmt.Errorf("config: data_dir is required for the %s store", c.Store.Backend)
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config: redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Elicitation.RequestTTL <= 0 {
		return fmt.Errorf("config: request_ttl must be positive")
	}
	if c.Elicitation.ResolveGrace <= 0 {
		return fmt.Errorf("config: resolve_grace must be positive")
	}
	if c.Trust.CertValidity <= 0 {
		return fmt.Errorf("config: cert_validity must be positive")
	}
	if c.Channel.RPS <= 0 || c.Channel.Burst <= 0 {
		return fmt.Errorf("config: channel rps and burst must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
