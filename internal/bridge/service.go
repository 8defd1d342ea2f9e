// Package bridge holds the runtime-mutable core of the service: the
// configured upstream clients, the thread orchestrator, the direct-query
// planner, and the chat dispatch between them.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pgql/bridge/internal/config"
	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/hasura"
	"github.com/pgql/bridge/internal/llm"
	"github.com/pgql/bridge/internal/promptql"
	"github.com/pgql/bridge/internal/storage"
	"github.com/pgql/bridge/internal/thread"
)

// ChatMode selects how a chat message is answered.
type ChatMode string

const (
	// ChatModeAuto prefers the configured LLM provider and falls back to
	// the conversational upstream.
	ChatModeAuto ChatMode = "auto"
	// ChatModeLLM forces a direct completion against the active provider.
	ChatModeLLM ChatMode = "llm"
	// ChatModePromptQL forces the conversational upstream.
	ChatModePromptQL ChatMode = "promptql"
)

// Valid reports whether m is a known chat mode.
func (m ChatMode) Valid() bool {
	return m == ChatModeAuto || m == ChatModeLLM || m == ChatModePromptQL
}

// Service owns the mutable runtime state. Configuration changes rebuild the
// affected clients under the lock; readers take a snapshot.
type Service struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger

	mu           sync.RWMutex
	upstream     *promptql.Client
	orchestrator *thread.Orchestrator
	hasuraClient *hasura.Client
	planner      *hasura.Planner
	llmClient    llm.Client
}

// NewService builds the service from bootstrap config overlaid with the
// persisted runtime settings, then constructs whatever clients are already
// configured.
func NewService(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, store: store, logger: logger}

	settings, err := store.AllSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	s.applySettings(settings)

	if err := s.rebuild(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// applySettings lets persisted runtime settings win over bootstrap config.
func (s *Service) applySettings(settings map[string]string) {
	if v, ok := settings[storage.SettingUpstreamAPIKey]; ok {
		s.cfg.Upstream.APIKey = v
	}
	if v, ok := settings[storage.SettingUpstreamBaseURL]; ok {
		s.cfg.Upstream.BaseURL = v
	}
	if v, ok := settings[storage.SettingUpstreamAuthToken]; ok {
		s.cfg.Upstream.AuthToken = v
	}
	if v, ok := settings[storage.SettingUpstreamAuthMode]; ok {
		s.cfg.Upstream.AuthMode = v
	}
	if v, ok := settings[storage.SettingHasuraEndpoint]; ok {
		s.cfg.Hasura.GraphQLEndpoint = v
	}
	if v, ok := settings[storage.SettingHasuraAdminSecret]; ok {
		s.cfg.Hasura.AdminSecret = v
	}
	if v, ok := settings[storage.SettingRateLimitRate]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.cfg.RateLimit.Rate = n
		}
	}
	if v, ok := settings[storage.SettingRateLimitPer]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.cfg.RateLimit.PerSeconds = n
		}
	}
}

// rebuild reconstructs the clients from the current config. Callers must not
// hold the lock.
func (s *Service) rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Upstream.APIKey != "" {
		mode := promptql.AuthMode(s.cfg.Upstream.AuthMode)
		if !mode.Valid() {
			return domain.ErrValidation(fmt.Sprintf("unknown auth_mode %q", s.cfg.Upstream.AuthMode))
		}
		s.upstream = promptql.NewClient(s.cfg.Upstream.APIKey,
			promptql.WithBaseURL(s.cfg.Upstream.BaseURL),
			promptql.WithDDNAuth(s.cfg.Upstream.AuthToken, mode),
			promptql.WithHTTPClient(&http.Client{Timeout: s.cfg.Upstream.Timeout}),
		)
		s.orchestrator = thread.New(s.upstream, s.cfg.Polling.Interval, s.cfg.Polling.MaxAttempts, s.logger)
	} else {
		s.upstream = nil
		s.orchestrator = nil
	}

	if s.cfg.Hasura.GraphQLEndpoint != "" {
		s.hasuraClient = hasura.NewClient(s.cfg.Hasura.GraphQLEndpoint,
			hasura.WithAdminSecret(s.cfg.Hasura.AdminSecret),
			hasura.WithHTTPClient(&http.Client{Timeout: s.cfg.Hasura.Timeout}),
		)
	} else {
		s.hasuraClient = nil
	}

	s.rebuildLLMLocked(ctx)
	s.rebuildPlannerLocked()
	return nil
}

func (s *Service) rebuildLLMLocked(ctx context.Context) {
	s.llmClient = nil

	active, err := s.store.GetSetting(ctx, storage.SettingActiveLLMProvider)
	if err != nil {
		return
	}
	key, err := s.store.GetProviderKey(ctx, active)
	if err != nil {
		s.logger.Warn("active llm provider has no stored key", "provider", active)
		return
	}

	cfg := llm.Config{
		Provider: llm.Provider(active),
		APIKey:   key.APIKey,
		BaseURL:  key.BaseURL,
		Model:    key.Model,
	}
	if v, err := s.store.GetSetting(ctx, storage.SettingLLMModel); err == nil && v != "" {
		cfg.Model = v
	}
	if v, err := s.store.GetSetting(ctx, storage.SettingLLMTemperature); err == nil {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = f
		}
	}
	if v, err := s.store.GetSetting(ctx, storage.SettingLLMMaxTokens); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTokens = n
		}
	}

	client, err := llm.New(cfg)
	if err != nil {
		s.logger.Warn("failed to build llm client", "provider", active, "error", err)
		return
	}
	s.llmClient = client
}

func (s *Service) rebuildPlannerLocked() {
	if s.hasuraClient == nil {
		s.planner = nil
		return
	}
	s.planner = hasura.NewPlanner(s.hasuraClient, s.llmClient, s.cfg.Query.MaxLimit, s.cfg.Query.MaxDepth, s.logger)
}

// SetupInput is the runtime configuration surface. Empty fields keep their
// current values.
type SetupInput struct {
	APIKey            string `json:"api_key,omitempty"`
	BaseURL           string `json:"base_url,omitempty"`
	AuthToken         string `json:"auth_token,omitempty"`
	AuthMode          string `json:"auth_mode,omitempty"`
	HasuraEndpoint    string `json:"hasura_endpoint,omitempty"`
	HasuraAdminSecret string `json:"hasura_admin_secret,omitempty"`
}

// SetupConfig persists the given settings and rebuilds the affected clients.
func (s *Service) SetupConfig(ctx context.Context, in SetupInput) (*ConfigStatus, error) {
	if in.AuthMode != "" && !promptql.AuthMode(in.AuthMode).Valid() {
		return nil, domain.ErrValidation(fmt.Sprintf("auth_mode must be public or private, got %q", in.AuthMode))
	}

	set := func(key, value string) error {
		if value == "" {
			return nil
		}
		return s.store.SetSetting(ctx, key, value)
	}
	for _, kv := range []struct{ key, value string }{
		{storage.SettingUpstreamAPIKey, in.APIKey},
		{storage.SettingUpstreamBaseURL, in.BaseURL},
		{storage.SettingUpstreamAuthToken, in.AuthToken},
		{storage.SettingUpstreamAuthMode, in.AuthMode},
		{storage.SettingHasuraEndpoint, in.HasuraEndpoint},
		{storage.SettingHasuraAdminSecret, in.HasuraAdminSecret},
	} {
		if err := set(kv.key, kv.value); err != nil {
			return nil, err
		}
	}

	settings, err := s.store.AllSettings(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.applySettings(settings)
	s.mu.Unlock()

	if err := s.rebuild(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("runtime configuration updated",
		"upstream_configured", s.cfg.Upstream.APIKey != "",
		"hasura_configured", s.cfg.Hasura.GraphQLEndpoint != "")

	if s.cfg.Hasura.GraphQLEndpoint != "" {
		if err := s.RefreshSchema(ctx); err != nil {
			s.logger.Warn("schema refresh failed", "error", err)
		}
	}
	return s.CheckConfig(ctx), nil
}

// ConfigStatus reports what is configured without leaking secrets.
type ConfigStatus struct {
	UpstreamConfigured bool     `json:"upstream_configured"`
	UpstreamBaseURL    string   `json:"upstream_base_url,omitempty"`
	AuthMode           string   `json:"auth_mode"`
	HasuraConfigured   bool     `json:"hasura_configured"`
	HasuraEndpoint     string   `json:"hasura_endpoint,omitempty"`
	LLMProvider        string   `json:"llm_provider,omitempty"`
	SchemaTables       []string `json:"schema_tables,omitempty"`
	SchemaLoadedAt     string   `json:"schema_loaded_at,omitempty"`
}

// CheckConfig describes the current configuration state.
func (s *Service) CheckConfig(ctx context.Context) *ConfigStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &ConfigStatus{
		UpstreamConfigured: s.upstream != nil,
		UpstreamBaseURL:    s.cfg.Upstream.BaseURL,
		AuthMode:           s.cfg.Upstream.AuthMode,
		HasuraConfigured:   s.hasuraClient != nil,
		HasuraEndpoint:     s.cfg.Hasura.GraphQLEndpoint,
	}
	if s.llmClient != nil {
		status.LLMProvider = string(s.llmClient.Provider())
	}
	if raw, err := s.store.GetSetting(ctx, storage.SettingSchemaTables); err == nil {
		json.Unmarshal([]byte(raw), &status.SchemaTables)
	}
	if v, err := s.store.GetSetting(ctx, storage.SettingSchemaLoadedAt); err == nil {
		status.SchemaLoadedAt = v
	}
	return status
}

// RefreshSchema re-introspects the Hasura schema and caches the table list
// in the settings store.
func (s *Service) RefreshSchema(ctx context.Context) error {
	client, err := s.Hasura()
	if err != nil {
		return err
	}
	client.Reload()

	tables, err := client.Tables(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(tables)
	if err != nil {
		return fmt.Errorf("failed to encode schema tables: %w", err)
	}
	if err := s.store.SetSetting(ctx, storage.SettingSchemaTables, string(raw)); err != nil {
		return err
	}
	if err := s.store.SetSetting(ctx, storage.SettingSchemaLoadedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	s.logger.Info("schema refreshed", "tables", len(tables))
	return nil
}

// Orchestrator returns the thread orchestrator, or a validation error when
// the upstream is not configured yet.
func (s *Service) Orchestrator() (*thread.Orchestrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.orchestrator == nil {
		return nil, domain.ErrValidation("upstream is not configured; run setup_config first")
	}
	return s.orchestrator, nil
}

// Planner returns the direct-path planner, or a validation error when the
// GraphQL endpoint is not configured yet.
func (s *Service) Planner() (*hasura.Planner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.planner == nil {
		return nil, domain.ErrValidation("hasura endpoint is not configured; run setup_config first")
	}
	return s.planner, nil
}

// Hasura returns the GraphQL client, or a validation error when unset.
func (s *Service) Hasura() (*hasura.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.hasuraClient == nil {
		return nil, domain.ErrValidation("hasura endpoint is not configured; run setup_config first")
	}
	return s.hasuraClient, nil
}

// LLM returns the active completion client, or a validation error when no
// provider credential is configured.
func (s *Service) LLM() (llm.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.llmClient == nil {
		return nil, domain.ErrValidation("no llm provider is configured; add one via the control plane")
	}
	return s.llmClient, nil
}

// SetLLMProvider stores a provider credential and makes it active.
func (s *Service) SetLLMProvider(ctx context.Context, cfg llm.Config) error {
	if !cfg.Provider.Valid() {
		return domain.ErrValidation(fmt.Sprintf("unknown llm provider %q", cfg.Provider))
	}
	// Fail fast on inconsistent config before persisting anything.
	if _, err := llm.New(cfg); err != nil {
		return err
	}

	if err := s.store.UpsertProviderKey(ctx, &storage.ProviderKey{
		Provider: string(cfg.Provider),
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Model:    cfg.Model,
	}); err != nil {
		return err
	}
	if err := s.store.SetSetting(ctx, storage.SettingActiveLLMProvider, string(cfg.Provider)); err != nil {
		return err
	}

	s.mu.Lock()
	s.rebuildLLMLocked(ctx)
	s.rebuildPlannerLocked()
	s.mu.Unlock()
	return nil
}

// ActivateLLMProvider switches the active provider to one with a stored
// credential.
func (s *Service) ActivateLLMProvider(ctx context.Context, provider string) error {
	if !llm.Provider(provider).Valid() {
		return domain.ErrValidation(fmt.Sprintf("unknown llm provider %q", provider))
	}
	if _, err := s.store.GetProviderKey(ctx, provider); err != nil {
		return err
	}
	if err := s.store.SetSetting(ctx, storage.SettingActiveLLMProvider, provider); err != nil {
		return err
	}

	s.mu.Lock()
	s.rebuildLLMLocked(ctx)
	s.rebuildPlannerLocked()
	s.mu.Unlock()
	return nil
}

// Store exposes the settings surface for the control plane.
func (s *Service) Store() storage.Store { return s.store }

// Config returns the bootstrap configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// ChatResult is the uniform chat answer regardless of which path served it.
type ChatResult struct {
	Mode   ChatMode             `json:"mode"`
	Answer string               `json:"answer"`
	Thread *domain.ThreadResult `json:"thread,omitempty"`
}

// Chat answers a message for the app using the selected mode. auto prefers
// the active LLM provider and falls back to the conversational upstream.
// systemInstructions are optional; in llm mode they replace the default
// system prompt, in promptql mode they travel with the thread.
func (s *Service) Chat(ctx context.Context, app *domain.App, message, systemInstructions string, mode ChatMode) (*ChatResult, error) {
	if mode == "" {
		mode = ChatModeAuto
	}
	if !mode.Valid() {
		return nil, domain.ErrValidation(fmt.Sprintf("unknown chat mode %q", mode))
	}

	if mode == ChatModeAuto {
		s.mu.RLock()
		hasLLM := s.llmClient != nil
		hasUpstream := s.orchestrator != nil
		s.mu.RUnlock()

		switch {
		case hasLLM:
			mode = ChatModeLLM
		case hasUpstream:
			mode = ChatModePromptQL
		default:
			return nil, domain.ErrValidation("no chat backend available: add an llm provider or run setup_config")
		}
	}

	switch mode {
	case ChatModePromptQL:
		orch, err := s.Orchestrator()
		if err != nil {
			return nil, err
		}
		result, err := orch.Start(ctx, message, systemInstructions, true)
		if err != nil {
			return nil, err
		}
		return &ChatResult{Mode: ChatModePromptQL, Answer: result.Answer, Thread: result}, nil

	default:
		client, err := s.LLM()
		if err != nil {
			return nil, err
		}
		system := systemInstructions
		if system == "" {
			system = s.chatSystemPrompt(ctx, app)
		}
		answer, err := client.Complete(ctx, system, message)
		if err != nil {
			return nil, err
		}
		return &ChatResult{Mode: ChatModeLLM, Answer: answer}, nil
	}
}

// chatSystemPrompt frames direct completions with whatever schema context
// the cache holds, narrowed to the caller's scope.
func (s *Service) chatSystemPrompt(ctx context.Context, app *domain.App) string {
	prompt := "You are a data assistant. Answer concisely and factually."

	var tables []string
	if raw, err := s.store.GetSetting(ctx, storage.SettingSchemaTables); err == nil {
		json.Unmarshal([]byte(raw), &tables)
	}
	if app != nil && len(app.AllowedTables) > 0 {
		tables = app.AllowedTables
	}
	if len(tables) > 0 {
		prompt += " Known tables: " + strings.Join(tables, ", ") + "."
	}
	return prompt
}

// LocalApp is the implicit caller used when the stdio transport runs without
// an app key: full read scope over whatever the schema cache knows.
func (s *Service) LocalApp(ctx context.Context) *domain.App {
	app := &domain.App{ID: "local", Role: domain.RoleRead, Active: true}
	if raw, err := s.store.GetSetting(ctx, storage.SettingSchemaTables); err == nil {
		json.Unmarshal([]byte(raw), &app.AllowedTables)
	}
	return app
}

// NormalizeChatMode folds user input onto the closed mode set.
func NormalizeChatMode(raw string) ChatMode {
	return ChatMode(strings.ToLower(strings.TrimSpace(raw)))
}
