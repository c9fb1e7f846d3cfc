// Package config loads environment-driven configuration for the
// performance core. Nothing in the core packages reads the environment
// directly; everything is injected at construction.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Auth       AuthConfig       `json:"auth"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Monitoring MonitoringConfig `json:"monitoring"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DatabaseConfig represents datastore connection and pool sizing
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"-"` // Never serialize credentials
	SSLMode  string `json:"ssl_mode"`

	MinConnections     int           `json:"min_connections"`
	MaxConnections     int           `json:"max_connections"`
	ConnectionTimeout  time.Duration `json:"connection_timeout"`
	IdleTimeout        time.Duration `json:"idle_timeout"`
	StatementTimeout   time.Duration `json:"statement_timeout"`
	SlowQueryThreshold time.Duration `json:"slow_query_threshold"`
	AutoIndexing       bool          `json:"auto_indexing"`
}

// RedisConfig represents the cache/rate-limit backing service
type RedisConfig struct {
	Addr         string        `json:"addr"`
	Password     string        `json:"-"`
	DB           int           `json:"db"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	MaxRetries   int           `json:"max_retries"`
}

// AuthConfig represents caller classification settings
type AuthConfig struct {
	// JWTSecret signs/validates bearer tokens for authenticated callers.
	JWTSecret string `json:"-"`
	// PrivilegedKeyHashes are bcrypt hashes of partner/admin API keys.
	PrivilegedKeyHashes []string `json:"-"`
	// BypassIdentities are exempt from rate limiting entirely.
	BypassIdentities []string `json:"bypass_identities"`
}

// RateLimitConfig points at the optional YAML overlay for the limit
// tables; the built-in defaults apply when empty.
type RateLimitConfig struct {
	OverridesFile string `json:"overrides_file"`
}

// MonitoringConfig represents the dashboard loop settings
type MonitoringConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads configuration from the environment. A .env file is applied
// first when present; real environment variables win.
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:               getEnv("DATABASE_HOST", "localhost"),
			Port:               getEnvInt("DATABASE_PORT", 5432),
			Name:               getEnv("DATABASE_NAME", "community"),
			User:               getEnv("DATABASE_USER", "postgres"),
			Password:           getEnv("DATABASE_PASSWORD", ""),
			SSLMode:            getEnv("DATABASE_SSL_MODE", "prefer"),
			MinConnections:     getEnvInt("DATABASE_POOL_MIN", 5),
			MaxConnections:     getEnvInt("DATABASE_POOL_MAX", 25),
			ConnectionTimeout:  getEnvDuration("DATABASE_CONNECTION_TIMEOUT", 10*time.Second),
			IdleTimeout:        getEnvDuration("DATABASE_IDLE_TIMEOUT", 30*time.Minute),
			StatementTimeout:   getEnvDuration("DATABASE_STATEMENT_TIMEOUT", 5*time.Second),
			SlowQueryThreshold: getEnvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
			AutoIndexing:       getEnvBool("DATABASE_AUTO_INDEXING", false),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			MaxRetries:   getEnvInt("REDIS_MAX_RETRIES", 3),
		},
		Auth: AuthConfig{
			JWTSecret:           getEnv("JWT_SECRET", ""),
			PrivilegedKeyHashes: getEnvList("PRIVILEGED_KEY_HASHES"),
			BypassIdentities:    getEnvList("RATE_LIMIT_BYPASS"),
		},
		RateLimit: RateLimitConfig{
			OverridesFile: getEnv("RATE_LIMIT_OVERRIDES_FILE", ""),
		},
		Monitoring: MonitoringConfig{
			Enabled:  getEnvBool("MONITORING_ENABLED", true),
			Interval: getEnvDuration("MONITORING_INTERVAL", time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration consistency. Bad values fail at boot,
// not at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.MinConnections < 0 {
		return fmt.Errorf("database pool minimum cannot be negative")
	}
	if c.Database.MaxConnections < c.Database.MinConnections {
		return fmt.Errorf("database pool maximum (%d) must be >= minimum (%d)",
			c.Database.MaxConnections, c.Database.MinConnections)
	}
	if c.Database.MaxConnections == 0 {
		return fmt.Errorf("database pool maximum must be positive")
	}
	if c.Database.StatementTimeout <= 0 {
		return fmt.Errorf("database statement timeout must be positive")
	}
	if c.Database.SlowQueryThreshold <= 0 {
		return fmt.Errorf("slow query threshold must be positive")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Monitoring.Interval <= 0 {
		return fmt.Errorf("monitoring interval must be positive")
	}

	return nil
}

// DSN returns the datastore connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

func loadEnvFile() {
	// Missing .env is fine; environment variables are the source of truth.
	for _, path := range []string{".env", ".env.local"} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// Environment helpers

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
