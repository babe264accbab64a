// Package config loads the bridge's Listener configuration (spec §6),
// following the teacher's env-var-first pattern with an optional YAML
// override file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chm413/mochi-link/internal/logger"
)

// TLS holds the listener's optional certificate pair. Zero value means
// plaintext.
type TLS struct {
	CertPath string `yaml:"certPath"`
	KeyPath  string `yaml:"keyPath"`
}

// Config is the Listener configuration block from spec §6.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	ListenPort int    `yaml:"listenPort"`
	TLS        *TLS   `yaml:"tls"`

	HandshakeTimeout        time.Duration `yaml:"handshakeTimeout"`
	HeartbeatInterval       time.Duration `yaml:"heartbeatInterval"`
	DefaultRequestTimeout   time.Duration `yaml:"defaultRequestTimeout"`
	MaxFrameBytes           int64         `yaml:"maxFrameBytes"`
	MaxPendingPerSession    int           `yaml:"maxPendingPerSession"`
	SubscriberInboxCapacity int           `yaml:"subscriberInboxCapacity"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`

	LogLevel  string `yaml:"logLevel"`
	LogPretty bool   `yaml:"logPretty"`
}

// PostgresConfig configures the storage collaborator's reference implementation.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
}

// RedisConfig configures the optional event buffer. Enabled defaults to
// false: the storage collaborator works without it, per spec §1.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the spec's default timeouts (handshake 10s, heartbeat
// 30s, per-request 30s) and sane resource bounds.
func Default() *Config {
	return &Config{
		ListenAddr:              "0.0.0.0",
		ListenPort:              7777,
		HandshakeTimeout:        10 * time.Second,
		HeartbeatInterval:       30 * time.Second,
		DefaultRequestTimeout:   30 * time.Second,
		MaxFrameBytes:           256 * 1024,
		MaxPendingPerSession:    256,
		SubscriberInboxCapacity: 64,
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		LogLevel: "info",
	}
}

// Load builds a Config starting from Default, applying an optional YAML
// file (path from MOCHI_LINK_CONFIG_FILE, if set), then environment
// variables, which always win — matching the teacher's cmd/main.go
// getEnv/getEnvInt layering.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("MOCHI_LINK_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.ListenPort = getEnvInt("LISTEN_PORT", cfg.ListenPort)

	if certPath := os.Getenv("TLS_CERT_PATH"); certPath != "" {
		cfg.TLS = &TLS{CertPath: certPath, KeyPath: os.Getenv("TLS_KEY_PATH")}
	}

	cfg.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.DefaultRequestTimeout = getEnvDuration("DEFAULT_REQUEST_TIMEOUT", cfg.DefaultRequestTimeout)
	cfg.MaxFrameBytes = int64(getEnvInt("MAX_FRAME_BYTES", int(cfg.MaxFrameBytes)))
	cfg.MaxPendingPerSession = getEnvInt("MAX_PENDING_PER_SESSION", cfg.MaxPendingPerSession)
	cfg.SubscriberInboxCapacity = getEnvInt("SUBSCRIBER_INBOX_CAPACITY", cfg.SubscriberInboxCapacity)

	cfg.Postgres.Host = getEnv("POSTGRES_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnvInt("POSTGRES_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = getEnv("POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnv("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnv("POSTGRES_DB", cfg.Postgres.Database)
	cfg.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", cfg.Postgres.SSLMode)

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnvInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvBool("LOG_PRETTY", cfg.LogPretty)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Log.Warn().Str("key", key).Str("value", v).Msg("invalid int env var, using default")
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Log.Warn().Str("key", key).Str("value", v).Msg("invalid bool env var, using default")
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Log.Warn().Str("key", key).Str("value", v).Msg("invalid duration env var, using default")
		return fallback
	}
	return d
}
