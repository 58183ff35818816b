package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalYAML = `
database:
  name: mtflow
  user: mtflow
fyers:
  client_id: ABC-100
  secret_key: file-secret
engine:
  api_token: file-token
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Contains(t, cfg.Database.DSN(), "dbname=mtflow")

	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "https://api-t1.fyers.in/api/v3", cfg.Fyers.BaseURL)
	assert.Equal(t, "0 * * * * *", cfg.Jobs.SignalExpiry)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Monitoring.PollInterval)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalYAML+`
server:
  port: 9090
jobs:
  watchlist_sync: ""
logging:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Empty(t, cfg.Jobs.WatchlistSync, "empty schedule disables the job")
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("MTFLOW_DB_PASSWORD", "env-db-pass")
	t.Setenv("MTFLOW_FYERS_SECRET_KEY", "env-secret")
	t.Setenv("MTFLOW_ENGINE_API_TOKEN", "env-token")

	cfg, err := Load(writeConfigFile(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "env-db-pass", cfg.Database.Password)
	assert.Equal(t, "env-secret", cfg.Fyers.SecretKey)
	assert.Equal(t, "env-token", cfg.Engine.APIToken)
	assert.Contains(t, cfg.Database.DSN(), "password=env-db-pass")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfigFile(t, minimalYAML))
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing db name", func(c *Config) { c.Database.Name = "" }, "database.name"},
		{"missing db user", func(c *Config) { c.Database.User = "" }, "database.user"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"missing client id", func(c *Config) { c.Fyers.ClientID = "" }, "fyers.client_id"},
		{"missing api token", func(c *Config) { c.Engine.APIToken = "" }, "engine.api_token"},
		{"redis enabled without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
