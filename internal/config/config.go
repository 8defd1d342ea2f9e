// Package config loads the bridge's bootstrap configuration.
//
// Layering follows env-over-file-over-defaults: values from PGQL_* environment
// variables win over the optional YAML config file, which wins over built-in
// defaults. Runtime-mutable settings (upstream credentials, rate limits, LLM
// provider keys) live in the settings store, not here.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PGQL_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Hasura    HasuraConfig    `koanf:"hasura"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Cache     CacheConfig     `koanf:"cache"`
	Polling   PollingConfig   `koanf:"polling"`
	Query     QueryConfig     `koanf:"query"`
	Dashboard DashboardConfig `koanf:"dashboard"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds every control-plane request.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	// Path is the SQLite database file; ":memory:" for tests.
	Path string `koanf:"path"`
}

// UpstreamConfig seeds the conversational query service connection. All
// fields can be overwritten at runtime via setup_config / PUT /config.
type UpstreamConfig struct {
	APIKey    string        `koanf:"api_key"`
	BaseURL   string        `koanf:"base_url"`
	AuthToken string        `koanf:"auth_token"`
	AuthMode  string        `koanf:"auth_mode"` // public or private
	Timeout   time.Duration `koanf:"timeout"`
}

type HasuraConfig struct {
	GraphQLEndpoint string        `koanf:"graphql_endpoint"`
	AdminSecret     string        `koanf:"admin_secret"`
	Timeout         time.Duration `koanf:"timeout"`
}

type RateLimitConfig struct {
	// Rate tokens are granted per PerSeconds window.
	Rate       int `koanf:"rate"`
	PerSeconds int `koanf:"per_seconds"`
}

type CacheConfig struct {
	// MaxEntries bounds the response cache; entries never expire by time,
	// only by capacity eviction or explicit clear.
	MaxEntries int `koanf:"max_entries"`
}

type PollingConfig struct {
	Interval    time.Duration `koanf:"interval"`
	MaxAttempts int           `koanf:"max_attempts"`
}

type QueryConfig struct {
	// MaxLimit is the row ceiling for direct-path plans; larger requested
	// limits are clamped, not rejected.
	MaxLimit int `koanf:"max_limit"`
	// MaxDepth bounds GraphQL selection nesting.
	MaxDepth int `koanf:"max_depth"`
}

type DashboardConfig struct {
	// APIKey guards the control-plane REST surface. Empty disables auth
	// (local development only).
	APIKey string `koanf:"api_key"`
}

// Load reads configuration from the given YAML file (if non-empty) and
// PGQL_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Env wins. Double underscore separates nesting so single underscores
	// survive in key names: PGQL_SERVER__PORT -> server.port,
	// PGQL_UPSTREAM__AUTH_MODE -> upstream.auth_mode.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	k.Set("server.port", 8310)
	k.Set("server.request_timeout", "30s")
	k.Set("storage.path", "./data/bridge.db")
	k.Set("upstream.auth_mode", "public")
	k.Set("upstream.timeout", "60s")
	k.Set("hasura.timeout", "30s")
	k.Set("rate_limit.rate", 30)
	k.Set("rate_limit.per_seconds", 60)
	k.Set("cache.max_entries", 256)
	k.Set("polling.interval", "2s")
	k.Set("polling.max_attempts", 60)
	k.Set("query.max_limit", 100)
	k.Set("query.max_depth", 4)
}
