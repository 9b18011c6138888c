// 配置加载器测试。
package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
  api_keys: ["k1", "k2"]

store:
  type: sql
  auto_migrate: true

database:
  driver: sqlite
  name: /var/lib/axon/axon.db

redis:
  enabled: true
  addr: "redis.example.com:6379"
  definition_ttl: 2m

coordination:
  sweep_interval: 10s
  heartbeat_timeout: 90s
  max_failures: 5
  stale_handoff_after: 30m

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)

	assert.Equal(t, "sql", cfg.Store.Type)
	assert.True(t, cfg.Store.AutoMigrate)
	assert.Equal(t, "axon:", cfg.Store.KeyPrefix)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/var/lib/axon/axon.db", cfg.Database.DSN())

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Redis.DefinitionTTL)

	assert.Equal(t, 10*time.Second, cfg.Coordination.SweepInterval)
	assert.Equal(t, 90*time.Second, cfg.Coordination.HeartbeatTimeout)
	assert.Equal(t, 5, cfg.Coordination.MaxFailures)
	assert.Equal(t, 30*time.Minute, cfg.Coordination.StaleHandoffAfter)
	// 未出现在 YAML 中的字段保留默认值
	assert.Equal(t, 10, cfg.Coordination.DiscoveryDefaultMax)
	assert.InDelta(t, 0.7, cfg.Coordination.DefaultConfidenceThreshold, 1e-9)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AXON_SERVER_HTTP_PORT", "7777")
	t.Setenv("AXON_SERVER_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("AXON_STORE_TYPE", "redis")
	t.Setenv("AXON_REDIS_ADDR", "env-redis:6379")
	t.Setenv("AXON_COORDINATION_SWEEP_INTERVAL", "15s")
	t.Setenv("AXON_COORDINATION_DEFAULT_CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("AXON_JWT_ENABLED", "true")
	t.Setenv("AXON_JWT_SECRET", "s3cret")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Second, cfg.Coordination.SweepInterval)
	assert.InDelta(t, 0.85, cfg.Coordination.DefaultConfidenceThreshold, 1e-9)
	assert.True(t, cfg.JWT.Enabled)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  http_port: 8888
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))
	t.Setenv("AXON_SERVER_HTTP_PORT", "9999")
	t.Setenv("AXON_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("AXON_COORDINATION_SWEEP_INTERVAL", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AXON_COORDINATION_SWEEP_INTERVAL")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AXON_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: [invalid\n"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "http port negative", modify: func(c *Config) { c.Server.HTTPPort = -1 }, wantErr: "invalid HTTP port"},
		{name: "http port too large", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "invalid HTTP port"},
		{name: "metrics port clash", modify: func(c *Config) { c.Server.MetricsPort = c.Server.HTTPPort }, wantErr: "metrics port"},
		{name: "unknown store", modify: func(c *Config) { c.Store.Type = "mongo" }, wantErr: "unsupported store type"},
		{
			name: "sql with unknown driver",
			modify: func(c *Config) {
				c.Store.Type = "sql"
				c.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "sql with sqlite",
			modify: func(c *Config) {
				c.Store.Type = "sql"
				c.Database.Driver = "sqlite"
			},
		},
		{name: "tls cert without key", modify: func(c *Config) { c.Server.TLSCertFile = "/etc/axon/tls.crt" }, wantErr: "tls_cert_file"},
		{name: "jwt without key", modify: func(c *Config) { c.JWT.Enabled = true }, wantErr: "jwt requires"},
		{name: "zero sweep interval", modify: func(c *Config) { c.Coordination.SweepInterval = 0 }, wantErr: "sweep_interval"},
		{
			name:    "timeout not longer than interval",
			modify:  func(c *Config) { c.Coordination.HeartbeatTimeout = c.Coordination.SweepInterval },
			wantErr: "heartbeat_timeout",
		},
		{name: "threshold above one", modify: func(c *Config) { c.Coordination.DefaultConfidenceThreshold = 1.5 }, wantErr: "default_confidence_threshold"},
		{name: "threshold nan", modify: func(c *Config) { c.Coordination.DefaultConfidenceThreshold = math.NaN() }, wantErr: "default_confidence_threshold"},
		{name: "zero discovery max", modify: func(c *Config) { c.Coordination.DiscoveryDefaultMax = 0 }, wantErr: "discovery_default_max"},
		{name: "zero max failures", modify: func(c *Config) { c.Coordination.MaxFailures = 0 }, wantErr: "max_failures"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/path/to/axon.db"},
			expected: "/path/to/axon.db",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(good, []byte("server:\n  http_port: 8081\n"), 0o644))
	bad := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("invalid: [yaml"), 0o644))

	assert.NotPanics(t, func() {
		assert.Equal(t, 8081, MustLoad(good).Server.HTTPPort)
	})
	assert.Panics(t, func() { MustLoad(bad) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("AXON_STORE_KEY_PREFIX", "team-a:")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "team-a:", cfg.Store.KeyPrefix)
}
