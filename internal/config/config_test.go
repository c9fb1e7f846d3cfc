package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DATABASE_POOL_MAX", "50")
	t.Setenv("DATABASE_AUTO_INDEXING", "true")
	t.Setenv("MONITORING_INTERVAL", "30s")
	t.Setenv("RATE_LIMIT_BYPASS", "service:search-indexer, service:backup")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Database.MaxConnections)
	assert.True(t, cfg.Database.AutoIndexing)
	assert.Equal(t, 30*time.Second, cfg.Monitoring.Interval)
	assert.Equal(t, []string{"service:search-indexer", "service:backup"}, cfg.Auth.BypassIdentities)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Database.MinConnections)
	assert.Equal(t, 25, cfg.Database.MaxConnections)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Monitoring.Enabled)
	assert.Equal(t, time.Minute, cfg.Monitoring.Interval)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"pool max below min", func(c *Config) { c.Database.MaxConnections = 1; c.Database.MinConnections = 5 }},
		{"pool max zero", func(c *Config) { c.Database.MaxConnections = 0; c.Database.MinConnections = 0 }},
		{"statement timeout zero", func(c *Config) { c.Database.StatementTimeout = 0 }},
		{"slow threshold zero", func(c *Config) { c.Database.SlowQueryThreshold = 0 }},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"monitoring interval zero", func(c *Config) { c.Monitoring.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		Name:     "community",
		User:     "app",
		Password: "secret",
		SSLMode:  "require",
	}

	dsn := d.DSN()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=community")
	assert.Contains(t, dsn, "sslmode=require")
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", "a, b ,,c")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST"))

	t.Setenv("TEST_LIST", "")
	assert.Nil(t, getEnvList("TEST_LIST"))
}
