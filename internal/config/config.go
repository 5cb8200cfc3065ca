// Package config loads the service configuration from defaults, an optional
// coderunner.yaml, .env files and the environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sakif/coderunner/internal/apperror"
)

// EnvPrefix prefixes every configuration key in the environment,
// e.g. CODERUNNER_STORE_BACKEND for store.backend.
const EnvPrefix = "CODERUNNER"

// dotenvFiles are loaded in order; a variable set by an earlier file (or the
// real environment) is never overridden by a later one.
var dotenvFiles = []string{".env.local", ".env"}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	Host      string `mapstructure:"host"`
	APIPrefix string `mapstructure:"api_prefix"`
}

// ExecutionConfig values are milliseconds, matching the request's timeout field.
type ExecutionConfig struct {
	DefaultTimeout    int64 `mapstructure:"default_timeout"`
	MaxTimeout        int64 `mapstructure:"max_timeout"`
	PollInterval      int64 `mapstructure:"poll_interval"`
	KeepAliveInterval int64 `mapstructure:"keep_alive_interval"`
	MaxPolls          int   `mapstructure:"max_polls"`
	FetchTimeout      int64 `mapstructure:"fetch_timeout"`
}

type SandboxConfig struct {
	Template    string  `mapstructure:"template"`
	Image       string  `mapstructure:"image"`
	MemoryMB    int64   `mapstructure:"memory_mb"`
	CPUs        float64 `mapstructure:"cpus"`
	PoolSize    int     `mapstructure:"pool_size"`
	NetworkMode string  `mapstructure:"network_mode"`
	PullImage   bool    `mapstructure:"pull_image"`
	// MaxOutputBytes caps what is kept of each of stdout and stderr.
	MaxOutputBytes int `mapstructure:"max_output_bytes"`
}

type WorkerConfig struct {
	Count int `mapstructure:"count"`
	// QueueSize bounds the in-process queue of the memory and sqlite backends.
	QueueSize int `mapstructure:"queue_size"`
}

type StoreConfig struct {
	Backend   string        `mapstructure:"backend"` // memory, sqlite or redis
	DBPath    string        `mapstructure:"db_path"`
	RedisURL  string        `mapstructure:"redis_url"`
	Prefix    string        `mapstructure:"prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

type CORSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Origin  string `mapstructure:"origin"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type ClientConfig struct {
	// URL is the server the run command talks to.
	URL string `mapstructure:"url"`
}

type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Store     StoreConfig     `mapstructure:"store"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	Client    ClientConfig    `mapstructure:"client"`
}

// legacyEnv maps keys to the unprefixed variable names deployments already use.
var legacyEnv = map[string]string{
	"env":                       "NODE_ENV",
	"server.port":               "PORT",
	"server.host":               "HOST",
	"server.api_prefix":         "API_PREFIX",
	"execution.default_timeout": "EXECUTION_DEFAULT_TIMEOUT",
	"execution.max_timeout":     "EXECUTION_MAX_TIMEOUT",
	"execution.poll_interval":   "EXECUTION_POLL_INTERVAL",
	"cors.enabled":              "CORS_ENABLED",
	"cors.origin":               "CORS_ORIGIN",
	"store.redis_url":           "REDIS_URL",
	"store.db_path":             "DB_PATH",
	"log.level":                 "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("server.port", 3001)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.api_prefix", "/api")

	v.SetDefault("execution.default_timeout", 30000)
	v.SetDefault("execution.max_timeout", 300000)
	v.SetDefault("execution.poll_interval", 500)
	v.SetDefault("execution.keep_alive_interval", 30000)
	v.SetDefault("execution.max_polls", 600)
	v.SetDefault("execution.fetch_timeout", 10000)

	v.SetDefault("sandbox.template", "base")
	v.SetDefault("sandbox.image", "nikolaik/python-nodejs:python3.12-nodejs22-alpine")
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpus", 0.5)
	v.SetDefault("sandbox.pool_size", 3)
	v.SetDefault("sandbox.network_mode", "none")
	v.SetDefault("sandbox.pull_image", true)
	v.SetDefault("sandbox.max_output_bytes", 512<<10)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue_size", 1024)

	// Empty means inferred: redis when a URL is configured, memory otherwise.
	v.SetDefault("store.backend", "")
	v.SetDefault("store.db_path", "data/coderunner.db")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.prefix", "coderunner")
	v.SetDefault("store.retention", time.Hour)

	v.SetDefault("cors.enabled", true)
	v.SetDefault("cors.origin", "*")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("client.url", "http://localhost:3001")
}

// Load reads the configuration. configFile may be empty, in which case
// coderunner.yaml is looked up in the working directory and $HOME/.coderunner
// and is optional.
func Load(configFile string) (*Config, error) {
	if err := loadDotenv(dotenvFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("coderunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coderunner")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
		if cfg.Store.RedisURL != "" {
			cfg.Store.Backend = "redis"
		}
	}

	return &cfg, nil
}

func loadDotenv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// MaxOutputCeiling bounds sandbox.max_output_bytes. Every stream event
// carries a whole snapshot as one JSON line and clients read lines of at most
// 4MiB; escaping can grow a byte sixfold.
const MaxOutputCeiling = 640 << 10

// Validate reports the first invalid setting as a validation error naming
// the offending key.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return apperror.ValidationFailed("server.port",
			fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return apperror.ValidationFailed("server.api_prefix",
			fmt.Sprintf("server.api_prefix must start with /, got %q", c.Server.APIPrefix))
	}

	for _, f := range []struct {
		key   string
		value int64
	}{
		{"execution.default_timeout", c.Execution.DefaultTimeout},
		{"execution.max_timeout", c.Execution.MaxTimeout},
		{"execution.poll_interval", c.Execution.PollInterval},
		{"execution.keep_alive_interval", c.Execution.KeepAliveInterval},
		{"execution.max_polls", int64(c.Execution.MaxPolls)},
		{"execution.fetch_timeout", c.Execution.FetchTimeout},
	} {
		if f.value <= 0 {
			return apperror.ValidationFailed(f.key, fmt.Sprintf("%s must be positive, got %d", f.key, f.value))
		}
	}

	if n := c.Sandbox.MaxOutputBytes; n <= 0 || n > MaxOutputCeiling {
		return apperror.ValidationFailed("sandbox.max_output_bytes",
			fmt.Sprintf("sandbox.max_output_bytes must be between 1 and %d, got %d", MaxOutputCeiling, n))
	}

	if c.Worker.Count < 0 {
		return apperror.ValidationFailed("worker.count",
			fmt.Sprintf("worker.count must not be negative, got %d", c.Worker.Count))
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.DBPath == "" {
			return apperror.ValidationFailed("store.db_path", "store.db_path is required for the sqlite backend")
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return apperror.ValidationFailed("store.redis_url", "store.redis_url (REDIS_URL) is required for the redis backend")
		}
	default:
		return apperror.ValidationFailed("store.backend",
			fmt.Sprintf("unknown store.backend %q (want memory, sqlite or redis)", c.Store.Backend))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return apperror.ValidationFailed("log.level", err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return apperror.ValidationFailed("log.format",
			fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode, where
// internal error messages are returned to API callers.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c ExecutionConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(c.DefaultTimeout) * time.Millisecond
}

func (c ExecutionConfig) MaxTimeoutDuration() time.Duration {
	return time.Duration(c.MaxTimeout) * time.Millisecond
}

func (c ExecutionConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c ExecutionConfig) KeepAliveDuration() time.Duration {
	return time.Duration(c.KeepAliveInterval) * time.Millisecond
}

func (c ExecutionConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Millisecond
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
