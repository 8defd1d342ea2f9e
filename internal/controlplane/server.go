// Package controlplane is the REST surface consumed by the dashboard:
// runtime configuration, the app registry, provider credentials, admission
// knobs, chat, and metrics.
package controlplane

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pgql/bridge/internal/apps"
	"github.com/pgql/bridge/internal/bridge"
	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/llm"
	"github.com/pgql/bridge/internal/metrics"
	"github.com/pgql/bridge/internal/router"
	"github.com/pgql/bridge/internal/storage"
)

const defaultTheme = "light"

// Server mounts the control-plane handlers.
type Server struct {
	svc       *bridge.Service
	rt        *router.Router
	store     storage.Store
	startTime time.Time
	logger    *slog.Logger
}

// NewServer builds the handler set.
func NewServer(svc *bridge.Service, rt *router.Router, store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:       svc,
		rt:        rt,
		store:     store,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Mount registers all routes on the given router.
func (s *Server) Mount(r chi.Router) {
	r.Route("/config", func(r chi.Router) {
		r.Get("/", s.handleGetConfig)
		r.Put("/", s.handlePutConfig)
		r.Post("/generate-key", s.handleGenerateDashboardKey)

		r.Get("/theme", s.handleGetTheme)
		r.Put("/theme", s.handlePutTheme)
		r.Delete("/theme", s.handleDeleteTheme)

		r.Get("/rate-limit", s.handleGetRateLimit)
		r.Put("/rate-limit", s.handlePutRateLimit)

		r.Get("/cache", s.handleGetCache)
		r.Post("/cache/clear", s.handleClearCache)

		r.Get("/keys", s.handleListProviderKeys)
		r.Post("/keys", s.handleUpsertProviderKey)
		r.Delete("/keys/{provider}", s.handleDeleteProviderKey)
		r.Post("/keys/{provider}/activate", s.handleActivateProvider)

		r.Get("/llm", s.handleGetLLM)
		r.Put("/llm", s.handlePutLLM)
	})

	r.Route("/apps", func(r chi.Router) {
		r.Get("/", s.handleListApps)
		r.Post("/", s.handleCreateApp)
		r.Post("/schema/reload", s.handleSchemaReload)
		r.Get("/schema/tables", s.handleSchemaTables)
		r.Get("/{app_id}", s.handleGetApp)
		r.Put("/{app_id}", s.handleUpdateApp)
		r.Delete("/{app_id}", s.handleDeleteApp)
		r.Post("/{app_id}/regenerate-key", s.handleRegenerateKey)
	})

	r.Post("/chat", s.handleChat)

	r.Route("/metrics", func(r chi.Router) {
		r.Get("/", s.handleMetrics)
		r.Get("/requests", s.handleRecentRequests)
		r.Get("/errors", s.handleRecentErrors)
		r.Get("/logs/dates", s.handleLogDates)
		r.Get("/logs/{date}", s.handleLogsByDate)
		r.Handle("/prometheus", metrics.Handler())
	})

	r.Get("/stats", s.handleStats)
}

// ========== Helpers ==========

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var be *domain.Error
	if !errors.As(err, &be) {
		be = domain.NewError("internal", "internal error")
	}

	var body errorBody
	body.Error.Kind = string(be.Kind)
	body.Error.Message = be.Message
	writeJSON(w, be.HTTPStatusCode(), body)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrValidation(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// ========== Config ==========

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CheckConfig(r.Context()))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var in bridge.SetupInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}

	status, err := s.svc.SetupConfig(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGenerateDashboardKey(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, fmt.Errorf("failed to generate key: %w", err))
		return
	}
	key := "pgqldash_" + base64.RawURLEncoding.EncodeToString(buf)

	if err := s.store.SetSetting(r.Context(), storage.SettingDashboardAPIKey, key); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("dashboard key regenerated")

	// The full key is shown exactly once.
	writeJSON(w, http.StatusOK, map[string]string{"dashboard_api_key": key})
}

// ========== Theme ==========

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	theme, err := s.store.GetSetting(r.Context(), storage.SettingTheme)
	if err != nil {
		theme = defaultTheme
	}
	writeJSON(w, http.StatusOK, map[string]string{"theme": theme})
}

func (s *Server) handlePutTheme(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Theme string `json:"theme"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.Theme != "light" && in.Theme != "dark" {
		writeError(w, domain.ErrValidation("theme must be light or dark"))
		return
	}

	if err := s.store.SetSetting(r.Context(), storage.SettingTheme, in.Theme); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"theme": in.Theme})
}

func (s *Server) handleDeleteTheme(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSetting(r.Context(), storage.SettingTheme); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"theme": defaultTheme})
}

// ========== Rate limit and cache ==========

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	rate, per := s.rt.Admission().Limiter().Limits()
	writeJSON(w, http.StatusOK, map[string]int{
		"rate":        rate,
		"per_seconds": int(per.Seconds()),
	})
}

func (s *Server) handlePutRateLimit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Rate       int `json:"rate"`
		PerSeconds int `json:"per_seconds"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.Rate <= 0 || in.PerSeconds <= 0 {
		writeError(w, domain.ErrValidation("rate and per_seconds must be positive"))
		return
	}

	ctx := r.Context()
	if err := s.store.SetSetting(ctx, storage.SettingRateLimitRate, strconv.Itoa(in.Rate)); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetSetting(ctx, storage.SettingRateLimitPer, strconv.Itoa(in.PerSeconds)); err != nil {
		writeError(w, err)
		return
	}
	s.rt.Admission().UpdateLimits(in.Rate, time.Duration(in.PerSeconds)*time.Second)
	s.logger.Info("rate limit updated", "rate", in.Rate, "per_seconds", in.PerSeconds)

	writeJSON(w, http.StatusOK, map[string]int{"rate": in.Rate, "per_seconds": in.PerSeconds})
}

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Admission().Cache().Stats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.rt.Admission().Cache().Clear()
	s.logger.Info("response cache cleared")
	writeJSON(w, http.StatusOK, s.rt.Admission().Cache().Stats())
}

// ========== LLM provider keys ==========

type providerKeyView struct {
	Provider  string    `json:"provider"`
	APIKey    string    `json:"api_key"` // masked
	BaseURL   string    `json:"base_url,omitempty"`
	Model     string    `json:"model,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListProviderKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := s.store.ListProviderKeys(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	active, _ := s.store.GetSetting(ctx, storage.SettingActiveLLMProvider)

	views := make([]providerKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, providerKeyView{
			Provider:  k.Provider,
			APIKey:    apps.MaskKey(k.APIKey),
			BaseURL:   k.BaseURL,
			Model:     k.Model,
			Active:    k.Provider == active,
			CreatedAt: k.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleUpsertProviderKey(w http.ResponseWriter, r *http.Request) {
	var in llm.Config
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}

	if err := s.svc.SetLLMProvider(r.Context(), in); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": string(in.Provider), "status": "active"})
}

func (s *Server) handleDeleteProviderKey(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := s.store.DeleteProviderKey(r.Context(), provider); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateProvider(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := s.svc.ActivateLLMProvider(r.Context(), provider); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "status": "active"})
}

func (s *Server) handleGetLLM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{"providers": llm.Providers()}

	if active, err := s.store.GetSetting(ctx, storage.SettingActiveLLMProvider); err == nil {
		out["active"] = active
	}
	if v, err := s.store.GetSetting(ctx, storage.SettingLLMModel); err == nil {
		out["model"] = v
	}
	if v, err := s.store.GetSetting(ctx, storage.SettingLLMTemperature); err == nil {
		out["temperature"], _ = strconv.ParseFloat(v, 64)
	}
	if v, err := s.store.GetSetting(ctx, storage.SettingLLMMaxTokens); err == nil {
		out["max_tokens"], _ = strconv.Atoi(v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutLLM(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Model       string   `json:"model,omitempty"`
		Temperature *float64 `json:"temperature,omitempty"`
		MaxTokens   *int     `json:"max_tokens,omitempty"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if in.Model != "" {
		if err := s.store.SetSetting(ctx, storage.SettingLLMModel, in.Model); err != nil {
			writeError(w, err)
			return
		}
	}
	if in.Temperature != nil {
		if *in.Temperature < 0 || *in.Temperature > 2 {
			writeError(w, domain.ErrValidation("temperature must be between 0 and 2"))
			return
		}
		if err := s.store.SetSetting(ctx, storage.SettingLLMTemperature, strconv.FormatFloat(*in.Temperature, 'f', -1, 64)); err != nil {
			writeError(w, err)
			return
		}
	}
	if in.MaxTokens != nil {
		if err := s.store.SetSetting(ctx, storage.SettingLLMMaxTokens, strconv.Itoa(*in.MaxTokens)); err != nil {
			writeError(w, err)
			return
		}
	}

	// Re-activate to rebuild the client with the new parameters.
	if active, err := s.store.GetSetting(ctx, storage.SettingActiveLLMProvider); err == nil {
		if err := s.svc.ActivateLLMProvider(ctx, active); err != nil {
			writeError(w, err)
			return
		}
	}
	s.handleGetLLM(w, r)
}

// ========== Apps ==========

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	list, err := s.rt.Registry().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AppID         string      `json:"app_id"`
		Description   string      `json:"description"`
		AllowedTables []string    `json:"allowed_tables"`
		Role          domain.Role `json:"role"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if known, err := apps.SchemaTables(ctx, s.store); err == nil {
		if unknown := apps.ValidateTables(in.AllowedTables, known); len(unknown) > 0 {
			writeError(w, domain.ErrValidation(fmt.Sprintf("unknown tables: %v", unknown)))
			return
		}
	}

	app, err := s.rt.Registry().Create(ctx, in.AppID, in.Description, in.AllowedTables, in.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	// The only response carrying the full key.
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.rt.Registry().Get(r.Context(), chi.URLParam(r, "app_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	var upd apps.Update
	if err := decode(r, &upd); err != nil {
		writeError(w, err)
		return
	}

	app, err := s.rt.Registry().Update(r.Context(), chi.URLParam(r, "app_id"), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Registry().Delete(r.Context(), chi.URLParam(r, "app_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	app, err := s.rt.Registry().RegenerateKey(r.Context(), chi.URLParam(r, "app_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	// Full key shown once; the old key is already invalid.
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleSchemaReload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RefreshSchema(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.handleSchemaTables(w, r)
}

func (s *Server) handleSchemaTables(w http.ResponseWriter, r *http.Request) {
	tables, err := apps.SchemaTables(r.Context(), s.store)
	if err != nil {
		writeError(w, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables, "count": len(tables)})
}

// ========== Chat ==========

type chatResponse struct {
	Success bool               `json:"success"`
	Mode    bridge.ChatMode    `json:"mode"`
	Content string             `json:"content"`
	Result  *bridge.ChatResult `json:"result,omitempty"`
	Usage   *chatUsage         `json:"usage,omitempty"`
}

type chatUsage struct {
	PromptTokens int `json:"prompt_tokens"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Message            string `json:"message"`
		SystemInstructions string `json:"system_instructions,omitempty"`
		Mode               string `json:"mode,omitempty"`
		AppID              string `json:"app_id,omitempty"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()

	var app *domain.App
	if in.AppID != "" {
		stored, err := s.store.GetApp(ctx, apps.NormalizeID(in.AppID))
		if err != nil {
			writeError(w, err)
			return
		}
		if !stored.Active {
			writeError(w, domain.ErrForbidden(fmt.Sprintf("app %q is disabled", stored.ID)))
			return
		}
		app = stored
	} else {
		app = s.svc.LocalApp(ctx)
	}

	mode := bridge.NormalizeChatMode(in.Mode)
	params := map[string]any{"message": in.Message, "mode": mode, "app_id": app.ID}

	out, err := s.rt.Do(ctx, app, router.OpChat, params, func(ctx context.Context) (any, error) {
		return s.svc.Chat(ctx, app, in.Message, in.SystemInstructions, mode)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	result, ok := out.(*bridge.ChatResult)
	if !ok {
		writeError(w, domain.ErrValidation("unexpected chat result type"))
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Success: true,
		Mode:    result.Mode,
		Content: result.Answer,
		Result:  result,
		Usage:   &chatUsage{PromptTokens: llm.EstimateTokens(in.Message)},
	})
}

// ========== Metrics ==========

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.rt.Recorder().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": snap,
		"cache":   s.rt.Admission().Cache().Stats(),
	})
}

func (s *Server) limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return 100
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentRequests(r.Context(), s.limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentErrors(r.Context(), s.limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogDates(w http.ResponseWriter, r *http.Request) {
	dates, err := s.store.LogDates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

func (s *Server) handleLogsByDate(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, domain.ErrValidation("date must be YYYY-MM-DD"))
		return
	}

	entries, err := s.store.RequestsByDate(r.Context(), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ========== Stats ==========

type statsResponse struct {
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	AllocBytes   uint64 `json:"alloc_bytes"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		AllocBytes:   m.Alloc,
	})
}
