// Package config defines all configuration for the mtflow trading backend.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MTFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Fyers      FyersConfig      `mapstructure:"fyers"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig controls the admin/API HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Name         string        `mapstructure:"name"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	SSLMode      string        `mapstructure:"ssl_mode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

// RedisConfig holds the instrument search cache settings. Enabled=false
// turns the catalog into a pure database read path.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// FyersConfig holds the Fyers broker app credentials and endpoints.
type FyersConfig struct {
	ClientID    string `mapstructure:"client_id"`
	SecretKey   string `mapstructure:"secret_key"`
	RedirectURL string `mapstructure:"redirect_url"`
	BaseURL     string `mapstructure:"base_url"`
	DataURL     string `mapstructure:"data_url"`
	WSURL       string `mapstructure:"ws_url"`
}

// EngineConfig authenticates the signal engine's ingest calls.
type EngineConfig struct {
	APIToken string `mapstructure:"api_token"`
}

// JobsConfig holds the cron schedules for the maintenance jobs. Six-field
// cron expressions; empty disables the job.
type JobsConfig struct {
	SignalExpiry    string `mapstructure:"signal_expiry"`
	SessionExpiry   string `mapstructure:"session_expiry"`
	EntryReconcile  string `mapstructure:"entry_reconcile"`
	ExitRetry       string `mapstructure:"exit_retry"`
	WatchlistSync   string `mapstructure:"watchlist_sync"`
	InstrumentSync  string `mapstructure:"instrument_sync"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MonitoringConfig tunes the health gauge poller.
type MonitoringConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Load reads config from a YAML file with env var overrides. Sensitive
// fields use env vars: MTFLOW_DB_PASSWORD, MTFLOW_FYERS_SECRET_KEY,
// MTFLOW_ENGINE_API_TOKEN, MTFLOW_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if pw := os.Getenv("MTFLOW_DB_PASSWORD"); pw != "" {
		cfg.Database.Password = pw
	}
	if key := os.Getenv("MTFLOW_FYERS_SECRET_KEY"); key != "" {
		cfg.Fyers.SecretKey = key
	}
	if tok := os.Getenv("MTFLOW_ENGINE_API_TOKEN"); tok != "" {
		cfg.Engine.APIToken = tok
	}
	if pw := os.Getenv("MTFLOW_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.query_timeout", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("fyers.base_url", "https://api-t1.fyers.in/api/v3")
	v.SetDefault("fyers.data_url", "https://public.fyers.in")
	v.SetDefault("fyers.ws_url", "wss://socket.fyers.in/hsm/v1-5/prod")

	v.SetDefault("jobs.signal_expiry", "0 * * * * *")
	v.SetDefault("jobs.session_expiry", "30 */5 * * * *")
	v.SetDefault("jobs.entry_reconcile", "*/15 * * * * *")
	v.SetDefault("jobs.exit_retry", "*/30 * * * * *")
	v.SetDefault("jobs.watchlist_sync", "0 0 8 * * MON-FRI")
	v.SetDefault("jobs.instrument_sync", "0 30 7 * * MON-FRI")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitoring.poll_interval", "30s")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Fyers.ClientID == "" {
		return fmt.Errorf("fyers.client_id is required")
	}
	if c.Fyers.SecretKey == "" {
		return fmt.Errorf("fyers.secret_key is required (set MTFLOW_FYERS_SECRET_KEY)")
	}
	if c.Engine.APIToken == "" {
		return fmt.Errorf("engine.api_token is required (set MTFLOW_ENGINE_API_TOKEN)")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis.enabled")
	}
	return nil
}
