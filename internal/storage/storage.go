// Package storage defines the persistence contracts for the bridge: the
// application registry records, runtime settings, LLM provider credentials,
// and the daily request/error logs.
package storage

import (
	"context"
	"time"

	"github.com/pgql/bridge/internal/domain"
)

// AppStore persists application (tenant) records. Implementations store the
// full API key; masking happens at the registry/API layer.
type AppStore interface {
	CreateApp(ctx context.Context, app *domain.App) error
	GetApp(ctx context.Context, appID string) (*domain.App, error)
	ListApps(ctx context.Context) ([]*domain.App, error)
	UpdateApp(ctx context.Context, app *domain.App) error
	DeleteApp(ctx context.Context, appID string) error
}

// SettingsStore persists runtime-mutable key/value settings (upstream
// credentials, auth mode, theme, active LLM provider).
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	AllSettings(ctx context.Context) (map[string]string, error)
}

// ProviderKey is one stored LLM provider credential.
type ProviderKey struct {
	Provider  string    `json:"provider"`
	APIKey    string    `json:"api_key"`
	BaseURL   string    `json:"base_url,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderKeyStore persists per-provider LLM credentials.
type ProviderKeyStore interface {
	UpsertProviderKey(ctx context.Context, key *ProviderKey) error
	GetProviderKey(ctx context.Context, provider string) (*ProviderKey, error)
	ListProviderKeys(ctx context.Context) ([]*ProviderKey, error)
	DeleteProviderKey(ctx context.Context, provider string) error
}

// RequestLogEntry is one recorded mediated call, partitioned by calendar date
// for the dashboard's daily log views.
type RequestLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Date       string    `json:"date"` // YYYY-MM-DD, derived from Timestamp in UTC
	Operation  string    `json:"operation"`
	AppID      string    `json:"app_id,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// LogStore persists the request/error history.
type LogStore interface {
	RecordRequest(ctx context.Context, entry *RequestLogEntry) error
	RecentRequests(ctx context.Context, limit int) ([]*RequestLogEntry, error)
	RecentErrors(ctx context.Context, limit int) ([]*RequestLogEntry, error)
	LogDates(ctx context.Context) ([]string, error)
	RequestsByDate(ctx context.Context, date string) ([]*RequestLogEntry, error)
}

// Store is the full persistence surface backing the bridge.
type Store interface {
	AppStore
	SettingsStore
	ProviderKeyStore
	LogStore

	Close() error
}

// Well-known settings keys.
const (
	SettingUpstreamAPIKey    = "upstream_api_key"
	SettingUpstreamBaseURL   = "upstream_base_url"
	SettingUpstreamAuthToken = "upstream_auth_token"
	SettingUpstreamAuthMode  = "upstream_auth_mode"
	SettingHasuraEndpoint    = "hasura_graphql_endpoint"
	SettingHasuraAdminSecret = "hasura_admin_secret"
	SettingDashboardAPIKey   = "dashboard_api_key"
	SettingTheme             = "theme"
	SettingActiveLLMProvider = "active_llm_provider"
	SettingLLMModel          = "llm_model"
	SettingLLMTemperature    = "llm_temperature"
	SettingLLMMaxTokens      = "llm_max_tokens"
	SettingRateLimitRate     = "rate_limit_rate"
	SettingRateLimitPer      = "rate_limit_per_seconds"
	SettingSchemaTables      = "schema_tables"
	SettingSchemaLoadedAt    = "schema_loaded_at"
)
