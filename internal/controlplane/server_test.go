package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pgql/bridge/internal/admission"
	"github.com/pgql/bridge/internal/apps"
	"github.com/pgql/bridge/internal/bridge"
	"github.com/pgql/bridge/internal/config"
	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/metrics"
	"github.com/pgql/bridge/internal/router"
	"github.com/pgql/bridge/internal/storage"
	"github.com/pgql/bridge/internal/storage/memory"
)

func newTestHandler(t *testing.T) (http.Handler, *memory.Store, *router.Router) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	svc, err := bridge.NewService(ctx, cfg, store, logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	registry, err := apps.NewRegistry(ctx, store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	cache, err := admission.NewCache(16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctl := admission.NewController(admission.NewRateLimiter(100, time.Minute), cache)
	rt := router.New(registry, ctl, metrics.NewRecorder(), store, logger)

	mux := chi.NewRouter()
	NewServer(svc, rt, store, logger).Mount(mux)
	return mux, store, rt
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestThemeLifecycle(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/config/theme", nil)
	if got := decodeBody[map[string]string](t, rec)["theme"]; got != "light" {
		t.Errorf("default theme = %q, want light", got)
	}

	rec = doJSON(t, h, http.MethodPut, "/config/theme", map[string]string{"theme": "dark"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put theme status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/config/theme", nil)
	if got := decodeBody[map[string]string](t, rec)["theme"]; got != "dark" {
		t.Errorf("theme after put = %q, want dark", got)
	}

	rec = doJSON(t, h, http.MethodPut, "/config/theme", map[string]string{"theme": "neon"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid theme status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/config/theme", nil)
	if got := decodeBody[map[string]string](t, rec)["theme"]; got != "light" {
		t.Errorf("theme after delete = %q, want light", got)
	}
}

func TestRateLimitUpdate(t *testing.T) {
	h, store, rt := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPut, "/config/rate-limit", map[string]int{"rate": 5, "per_seconds": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("put rate-limit status = %d: %s", rec.Code, rec.Body.String())
	}

	rate, per := rt.Admission().Limiter().Limits()
	if rate != 5 || per != 10*time.Second {
		t.Errorf("limiter = %d per %s, want 5 per 10s", rate, per)
	}
	if v, err := store.GetSetting(context.Background(), storage.SettingRateLimitRate); err != nil || v != "5" {
		t.Errorf("persisted rate = %q, %v", v, err)
	}

	rec = doJSON(t, h, http.MethodPut, "/config/rate-limit", map[string]int{"rate": 0, "per_seconds": 10})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero rate status = %d, want 400", rec.Code)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	h, _, rt := newTestHandler(t)

	rt.Admission().Cache().Put("k", "v")
	rec := doJSON(t, h, http.MethodGet, "/config/cache", nil)
	stats := decodeBody[admission.CacheStats](t, rec)
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}

	rec = doJSON(t, h, http.MethodPost, "/config/cache/clear", nil)
	stats = decodeBody[admission.CacheStats](t, rec)
	if stats.Entries != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("stats after clear = %+v, want zeroes", stats)
	}
}

func TestGenerateDashboardKey(t *testing.T) {
	h, store, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/config/generate-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	key := decodeBody[map[string]string](t, rec)["dashboard_api_key"]
	if !strings.HasPrefix(key, "pgqldash_") {
		t.Errorf("key = %q, want pgqldash_ prefix", key)
	}

	stored, err := store.GetSetting(context.Background(), storage.SettingDashboardAPIKey)
	if err != nil || stored != key {
		t.Errorf("persisted key = %q, %v", stored, err)
	}
}

func TestAppLifecycle(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/apps", map[string]any{
		"app_id":      "Reporting Service",
		"description": "nightly reports",
		"role":        "read",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.App](t, rec)
	if created.ID != "reporting-service" {
		t.Errorf("app id = %q, want normalized reporting-service", created.ID)
	}
	if !strings.HasPrefix(created.APIKey, "pgql_") {
		t.Errorf("create must return the full key, got %q", created.APIKey)
	}

	// Duplicate id conflicts.
	rec = doJSON(t, h, http.MethodPost, "/apps", map[string]any{"app_id": "reporting-service", "role": "read"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rec.Code)
	}

	// Reads mask the key.
	rec = doJSON(t, h, http.MethodGet, "/apps/reporting-service", nil)
	got := decodeBody[domain.App](t, rec)
	if got.APIKey == created.APIKey {
		t.Error("get must not return the full key")
	}
	if !strings.Contains(got.APIKey, "...") {
		t.Errorf("key not masked: %q", got.APIKey)
	}

	rec = doJSON(t, h, http.MethodPost, "/apps/reporting-service/regenerate-key", nil)
	regenerated := decodeBody[domain.App](t, rec)
	if regenerated.APIKey == created.APIKey {
		t.Error("regenerate must mint a new key")
	}
	if !strings.HasPrefix(regenerated.APIKey, "pgql_") {
		t.Errorf("regenerate must return the full key, got %q", regenerated.APIKey)
	}

	rec = doJSON(t, h, http.MethodDelete, "/apps/reporting-service", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/apps/reporting-service", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestUpdateApp(t *testing.T) {
	h, _, _ := newTestHandler(t)

	doJSON(t, h, http.MethodPost, "/apps", map[string]any{"app_id": "alpha", "role": "read"})

	active := false
	rec := doJSON(t, h, http.MethodPut, "/apps/alpha", apps.Update{Active: &active})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[domain.App](t, rec); got.Active {
		t.Error("app should be disabled after update")
	}
}

func TestSchemaTablesEmpty(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/apps/schema/tables", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decodeBody[map[string]any](t, rec)
	if out["count"].(float64) != 0 {
		t.Errorf("count = %v, want 0", out["count"])
	}
}

func TestChatRequiresConfiguredBackend(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/chat", map[string]string{"message": "how many orders?"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unconfigured chat status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Kind != string(domain.ErrorKindValidation) {
		t.Errorf("error kind = %q, want validation_error", body.Error.Kind)
	}
}

func TestChatRejectsDisabledApp(t *testing.T) {
	h, _, _ := newTestHandler(t)

	doJSON(t, h, http.MethodPost, "/apps", map[string]any{"app_id": "batch", "role": "read"})
	active := false
	doJSON(t, h, http.MethodPut, "/apps/batch", apps.Update{Active: &active})

	rec := doJSON(t, h, http.MethodPost, "/chat", map[string]string{
		"message": "hello",
		"app_id":  "batch",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("chat as disabled app status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Kind != string(domain.ErrorKindForbidden) {
		t.Errorf("error kind = %q, want forbidden", body.Error.Kind)
	}
}

func TestLogsByDateValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/metrics/logs/not-a-date", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/metrics/logs/2026-08-23", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsSummary(t *testing.T) {
	h, _, rt := newTestHandler(t)

	rt.Recorder().Observe("start_thread", 40*time.Millisecond, false)

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decodeBody[map[string]json.RawMessage](t, rec)
	if _, ok := out["summary"]; !ok {
		t.Error("response missing summary")
	}
	if _, ok := out["cache"]; !ok {
		t.Error("response missing cache stats")
	}
}

func TestProviderKeyListEmpty(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/config/keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	keys := decodeBody[[]providerKeyView](t, rec)
	if len(keys) != 0 {
		t.Errorf("keys = %d, want none", len(keys))
	}
}

func TestActivateUnknownProvider(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/config/keys/mistral/activate", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
