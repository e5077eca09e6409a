package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ServiceName    string
	MaxConnections int
	MaxBodyBytes   int
}

type UpstreamConfig struct {
	BaseURL      string
	DefaultModel string
	// CredentialEnv lists environment variables consulted, in order, for the
	// upstream API key. The first non-empty value wins.
	CredentialEnv     []string
	Timeout           time.Duration
	StreamIdleTimeout time.Duration
}

type StorageConfig struct {
	DataDir   string
	Retention time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			ServiceName:  "loftrelay",
			MaxBodyBytes: 1 << 20,
		},
		Upstream: UpstreamConfig{
			BaseURL:           "https://open.bigmodel.cn/api/paas/v4",
			DefaultModel:      "glm-4",
			CredentialEnv:     []string{"ZHIPU_API_KEY", "GLM_API_KEY", "BIGMODEL_API_KEY"},
			Timeout:           60 * time.Second,
			StreamIdleTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:   defaultDataDir(),
			Retention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file backend and LOFTRELAY_*
// environment variables, in that order of precedence (environment wins).
//
// The file lives at $XDG_CONFIG_HOME/loftrelay/config.yaml unless
// LOFTRELAY_CONFIG points elsewhere. A missing file is not an error.
//
// The upstream API key is deliberately not part of Config: it is resolved
// per request from Upstream.CredentialEnv.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), os.Getenv)
}

func loadWith(b ConfigBackend, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg, getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	if c.Upstream.DefaultModel == "" {
		return errors.New("upstream.default_model is required")
	}
	if len(c.Upstream.CredentialEnv) == 0 {
		return errors.New("upstream.credential_env must name at least one environment variable")
	}
	if c.Upstream.Timeout <= 0 {
		return errors.New("upstream.timeout must be positive")
	}
	if c.Upstream.StreamIdleTimeout <= 0 {
		return errors.New("upstream.stream_idle_timeout must be positive")
	}
	if c.Storage.Retention < 0 {
		return errors.New("storage.retention must not be negative")
	}
	return nil
}

// Addr is the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "loftrelay-data"
		}
	}
	return filepath.Join(dir, "loftrelay")
}

func configFilePath() string {
	if p := os.Getenv("LOFTRELAY_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "loftrelay", "config.yaml")
}
