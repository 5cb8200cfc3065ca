package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sakif/coderunner/internal/apperror"
)

// clearEnv blanks every variable Load reads. Viper ignores empty variables.
func clearEnv(t *testing.T) {
	t.Helper()
	for key, legacy := range legacyEnv {
		t.Setenv(legacy, "")
		t.Setenv(EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), "")
	}
	t.Setenv("CODERUNNER_STORE_BACKEND", "")
	t.Setenv("CODERUNNER_WORKER_COUNT", "")
}

// unsetEnv removes a variable for the test and restores it afterwards, so
// .env files are allowed to set it.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want 3001", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q", cfg.Server.Host)
	}
	if cfg.Server.APIPrefix != "/api" {
		t.Errorf("Server.APIPrefix = %q", cfg.Server.APIPrefix)
	}
	if cfg.Execution.DefaultTimeout != 30000 || cfg.Execution.MaxTimeout != 300000 {
		t.Errorf("timeouts = %d/%d", cfg.Execution.DefaultTimeout, cfg.Execution.MaxTimeout)
	}
	if cfg.Execution.PollIntervalDuration() != 500*time.Millisecond {
		t.Errorf("PollIntervalDuration() = %v", cfg.Execution.PollIntervalDuration())
	}
	if cfg.Execution.KeepAliveDuration() != 30*time.Second {
		t.Errorf("KeepAliveDuration() = %v", cfg.Execution.KeepAliveDuration())
	}
	if cfg.Execution.MaxPolls != 600 {
		t.Errorf("MaxPolls = %d", cfg.Execution.MaxPolls)
	}
	if cfg.Worker.Count != 4 {
		t.Errorf("Worker.Count = %d", cfg.Worker.Count)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Store.Retention != time.Hour {
		t.Errorf("Store.Retention = %v", cfg.Store.Retention)
	}
	if !cfg.CORS.Enabled || cfg.CORS.Origin != "*" {
		t.Errorf("CORS = %+v", cfg.CORS)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true")
	}
	if cfg.Sandbox.MaxOutputBytes != 512<<10 {
		t.Errorf("Sandbox.MaxOutputBytes = %d", cfg.Sandbox.MaxOutputBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_LegacyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "4000")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("API_PREFIX", "/v1")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("EXECUTION_DEFAULT_TIMEOUT", "1000")
	t.Setenv("EXECUTION_MAX_TIMEOUT", "2000")
	t.Setenv("EXECUTION_POLL_INTERVAL", "250")
	t.Setenv("CORS_ENABLED", "false")
	t.Setenv("CORS_ORIGIN", "https://app.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 4000 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.APIPrefix != "/v1" {
		t.Errorf("APIPrefix = %q", cfg.Server.APIPrefix)
	}
	if cfg.Env != "production" || cfg.IsDevelopment() {
		t.Errorf("Env = %q", cfg.Env)
	}
	if cfg.Execution.DefaultTimeoutDuration() != time.Second {
		t.Errorf("DefaultTimeoutDuration() = %v", cfg.Execution.DefaultTimeoutDuration())
	}
	if cfg.Execution.MaxTimeoutDuration() != 2*time.Second {
		t.Errorf("MaxTimeoutDuration() = %v", cfg.Execution.MaxTimeoutDuration())
	}
	if cfg.Execution.PollInterval != 250 {
		t.Errorf("PollInterval = %d", cfg.Execution.PollInterval)
	}
	if cfg.CORS.Enabled {
		t.Error("CORS.Enabled = true, want false")
	}
	if cfg.CORS.Origin != "https://app.example.com" {
		t.Errorf("CORS.Origin = %q", cfg.CORS.Origin)
	}
}

func TestLoad_PrefixedEnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "4000")
	t.Setenv("CODERUNNER_SERVER_PORT", "5000")
	t.Setenv("CODERUNNER_WORKER_COUNT", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Worker.Count != 9 {
		t.Errorf("Worker.Count = %d, want 9", cfg.Worker.Count)
	}
}

func TestLoad_RedisURLSelectsRedis(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("Store.Backend = %q, want redis", cfg.Store.Backend)
	}

	t.Setenv("CODERUNNER_STORE_BACKEND", "sqlite")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("explicit backend: Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "coderunner.yaml")
	yaml := `
server:
  port: 8088
execution:
  max_polls: 20
store:
  backend: sqlite
  db_path: /var/lib/coderunner/runs.db
  retention: 15m
log:
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want the environment to win", cfg.Server.Port)
	}
	if cfg.Execution.MaxPolls != 20 {
		t.Errorf("MaxPolls = %d", cfg.Execution.MaxPolls)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.DBPath != "/var/lib/coderunner/runs.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.Retention != 15*time.Minute {
		t.Errorf("Store.Retention = %v", cfg.Store.Retention)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
	if cfg.Execution.DefaultTimeout != 30000 {
		t.Errorf("unset keys keep defaults, DefaultTimeout = %d", cfg.Execution.DefaultTimeout)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with a missing file should fail")
	}
}

func TestLoad_Dotenv(t *testing.T) {
	clearEnv(t)
	unsetEnv(t, "PORT")
	unsetEnv(t, "CORS_ORIGIN")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env.local"), []byte("PORT=4100\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=4200\nCORS_ORIGIN=https://from-dotenv.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want .env.local to win", cfg.Server.Port)
	}
	if cfg.CORS.Origin != "https://from-dotenv.example.com" {
		t.Errorf("CORS.Origin = %q", cfg.CORS.Origin)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "port zero", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.port"},
		{name: "prefix without slash", mutate: func(c *Config) { c.Server.APIPrefix = "api" }, wantErr: "api_prefix"},
		{name: "zero default timeout", mutate: func(c *Config) { c.Execution.DefaultTimeout = 0 }, wantErr: "default_timeout"},
		{name: "negative max timeout", mutate: func(c *Config) { c.Execution.MaxTimeout = -1 }, wantErr: "max_timeout"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Execution.PollInterval = 0 }, wantErr: "poll_interval"},
		{name: "zero max polls", mutate: func(c *Config) { c.Execution.MaxPolls = 0 }, wantErr: "max_polls"},
		{name: "zero output cap", mutate: func(c *Config) { c.Sandbox.MaxOutputBytes = 0 }, wantErr: "max_output_bytes"},
		{name: "output cap over ceiling", mutate: func(c *Config) { c.Sandbox.MaxOutputBytes = MaxOutputCeiling + 1 }, wantErr: "max_output_bytes"},
		{name: "output cap at ceiling", mutate: func(c *Config) { c.Sandbox.MaxOutputBytes = MaxOutputCeiling }},
		{name: "negative workers", mutate: func(c *Config) { c.Worker.Count = -1 }, wantErr: "worker.count"},
		{name: "submit-only process", mutate: func(c *Config) { c.Worker.Count = 0 }},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "postgres" }, wantErr: "unknown store.backend"},
		{name: "redis without url", mutate: func(c *Config) { c.Store.Backend = "redis"; c.Store.RedisURL = "" }, wantErr: "redis_url"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Backend = "sqlite"; c.Store.DBPath = "" }, wantErr: "db_path"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsField(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Store.Backend = "redis"
	cfg.Store.RedisURL = ""

	err = cfg.Validate()
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("Validate() error = %v, want a validation error", err)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Field != "store.redis_url" {
		t.Errorf("Validate() error = %#v, want field store.redis_url", err)
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("dropped")
	logger.Warn("kept", "executionId", "run_1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["executionId"] != "run_1" {
		t.Errorf("entry = %v", entry)
	}
}
