// Package config loads relay settings. Values start from Default, are
// overlaid by an optional YAML file, then by RELAY_* environment variables
// (a .env file in the working directory is loaded first if present).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "relay"

// Rate limiter backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds every tunable of the relay.
type Config struct {
	ListenAddr string `yaml:"listenAddr" split_words:"true"`
	ServerName string `yaml:"serverName" split_words:"true"`

	JWTSecret   string `yaml:"jwtSecret"   envconfig:"JWT_SECRET"`
	JWTIssuer   string `yaml:"jwtIssuer"   envconfig:"JWT_ISSUER"`
	JWTAudience string `yaml:"jwtAudience" envconfig:"JWT_AUDIENCE"`

	StoreDriver string `yaml:"storeDriver" split_words:"true"`
	StoreDSN    string `yaml:"storeDSN"    envconfig:"STORE_DSN"`

	// Optional. Empty disables the presence mirror and the Redis rate limiter.
	RedisAddr        string `yaml:"redisAddr"        split_words:"true"`
	RateLimitBackend string `yaml:"rateLimitBackend" split_words:"true"`
	// Optional. Empty disables the moderation feed.
	NATSURL string `yaml:"natsURL" envconfig:"NATS_URL"`

	GracePeriod   time.Duration `yaml:"gracePeriod"   split_words:"true"`
	MatchInterval time.Duration `yaml:"matchInterval" split_words:"true"`
	BanThreshold  int           `yaml:"banThreshold"  split_words:"true"`
	MessageLimit  int           `yaml:"messageLimit"  split_words:"true"`
	MessageWindow time.Duration `yaml:"messageWindow" split_words:"true"`
	ReportLimit   int           `yaml:"reportLimit"   split_words:"true"`
	ReportWindow  time.Duration `yaml:"reportWindow"  split_words:"true"`

	SendBuffer     int           `yaml:"sendBuffer"     split_words:"true"`
	MaxConnections int           `yaml:"maxConnections" split_words:"true"`
	MaxFrameSize   int64         `yaml:"maxFrameSize"   split_words:"true"`
	PingInterval   time.Duration `yaml:"pingInterval"   split_words:"true"`
	ReadTimeout    time.Duration `yaml:"readTimeout"    split_words:"true"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"   split_words:"true"`

	LogLevel  string `yaml:"logLevel"  split_words:"true"`
	LogFormat string `yaml:"logFormat" split_words:"true"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		ListenAddr:       ":8080",
		ServerName:       "relay-1",
		StoreDriver:      "sqlite",
		StoreDSN:         "relay.db",
		RateLimitBackend: BackendMemory,
		GracePeriod:      2 * time.Minute,
		MatchInterval:    5 * time.Second,
		BanThreshold:     3,
		MessageLimit:     30,
		MessageWindow:    time.Minute,
		ReportLimit:      5,
		ReportWindow:     time.Hour,
		SendBuffer:       64,
		MaxConnections:   10000,
		MaxFrameSize:     4096,
		PingInterval:     54 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load builds the configuration. configFile may be empty, in which case
// CONFIG_FILE is consulted; no file at all is fine.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	switch c.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: redis rate limiter requires redisAddr")
		}
	default:
		return fmt.Errorf("config: unknown rate limit backend %q", c.RateLimitBackend)
	}
	if c.BanThreshold < 1 {
		return errors.New("config: banThreshold must be at least 1")
	}
	if c.MessageLimit < 1 || c.ReportLimit < 1 {
		return errors.New("config: rate limits must be at least 1")
	}
	if c.MessageWindow <= 0 || c.ReportWindow <= 0 || c.GracePeriod <= 0 || c.MatchInterval <= 0 {
		return errors.New("config: durations must be positive")
	}
	if c.PingInterval <= 0 || c.ReadTimeout <= c.PingInterval {
		return errors.New("config: readTimeout must exceed pingInterval")
	}
	if c.MaxConnections < 1 || c.SendBuffer < 1 || c.MaxFrameSize < 1 {
		return errors.New("config: connection limits must be positive")
	}
	return nil
}

// RequireSecret is checked by commands that verify or sign tokens.
func (c *Config) RequireSecret() error {
	if c.JWTSecret == "" {
		return errors.New("config: RELAY_JWT_SECRET is not set")
	}
	return nil
}
