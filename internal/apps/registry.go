// Package apps manages the multi-tenant application registry: creation,
// API key lifecycle, table scoping, and key resolution for mediated calls.
package apps

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/storage"
)

const keyPrefix = "pgql_"

var spaceRun = regexp.MustCompile(`\s+`)

// Registry persists apps through the store and keeps an in-memory
// keyhash index for resolution. The index is rebuilt on every mutation so a
// regenerated or deleted key stops resolving immediately.
type Registry struct {
	store storage.AppStore

	mu    sync.RWMutex
	index map[string]string // sha256(api key) hex -> app_id
}

// NewRegistry loads the existing apps and builds the resolve index.
func NewRegistry(ctx context.Context, store storage.AppStore) (*Registry, error) {
	r := &Registry{store: store}
	if err := r.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) rebuildIndex(ctx context.Context) error {
	apps, err := r.store.ListApps(ctx)
	if err != nil {
		return fmt.Errorf("failed to load apps: %w", err)
	}

	index := make(map[string]string, len(apps))
	for _, app := range apps {
		index[hashKey(app.APIKey)] = app.ID
	}

	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return nil
}

// NormalizeID canonicalizes a requested app identifier: trimmed, lowercased,
// interior whitespace collapsed to single hyphens.
func NormalizeID(id string) string {
	id = strings.TrimSpace(strings.ToLower(id))
	return spaceRun.ReplaceAllString(id, "-")
}

// Create registers a new app and returns it with the full API key. This is
// the only time the full key is available; subsequent reads are masked.
func (r *Registry) Create(ctx context.Context, id, description string, allowedTables []string, role domain.Role) (*domain.App, error) {
	id = NormalizeID(id)
	if id == "" {
		return nil, domain.ErrValidation("app_id must not be empty")
	}
	if role == "" {
		role = domain.RoleRead
	}
	if !role.Valid() {
		return nil, domain.ErrValidation(fmt.Sprintf("unknown role %q", role))
	}

	if _, err := r.store.GetApp(ctx, id); err == nil {
		return nil, domain.ErrConflict(fmt.Sprintf("app %q already exists", id))
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	app := &domain.App{
		ID:            id,
		APIKey:        key,
		Description:   description,
		AllowedTables: append([]string(nil), allowedTables...),
		Role:          role,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if app.AllowedTables == nil {
		app.AllowedTables = []string{}
	}

	if err := r.store.CreateApp(ctx, app); err != nil {
		return nil, err
	}
	if err := r.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// Resolve maps a presented API key to its app. Absent keys and disabled apps
// both return the same unauthorized error so callers cannot probe which apps
// exist.
func (r *Registry) Resolve(ctx context.Context, apiKey string) (*domain.App, error) {
	presented := hashKey(apiKey)

	r.mu.RLock()
	appID, ok := r.index[presented]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrUnauthorized()
	}

	app, err := r.store.GetApp(ctx, appID)
	if err != nil {
		return nil, domain.ErrUnauthorized()
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(hashKey(app.APIKey))) != 1 {
		return nil, domain.ErrUnauthorized()
	}
	if !app.Active {
		return nil, domain.ErrUnauthorized()
	}

	return app, nil
}

// Get returns an app with its key masked.
func (r *Registry) Get(ctx context.Context, id string) (*domain.App, error) {
	app, err := r.store.GetApp(ctx, NormalizeID(id))
	if err != nil {
		return nil, err
	}
	app.APIKey = MaskKey(app.APIKey)
	return app, nil
}

// List returns all apps with their keys masked.
func (r *Registry) List(ctx context.Context) ([]*domain.App, error) {
	apps, err := r.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		app.APIKey = MaskKey(app.APIKey)
	}
	return apps, nil
}

// Update is a partial update: nil fields keep their current value. The API
// key cannot be changed here; use RegenerateKey.
type Update struct {
	Description   *string      `json:"description,omitempty"`
	AllowedTables *[]string    `json:"allowed_tables,omitempty"`
	Role          *domain.Role `json:"role,omitempty"`
	Active        *bool        `json:"active,omitempty"`
}

// Update applies a partial update and returns the app with its key masked.
func (r *Registry) Update(ctx context.Context, id string, upd Update) (*domain.App, error) {
	app, err := r.store.GetApp(ctx, NormalizeID(id))
	if err != nil {
		return nil, err
	}

	if upd.Description != nil {
		app.Description = *upd.Description
	}
	if upd.AllowedTables != nil {
		app.AllowedTables = append([]string(nil), (*upd.AllowedTables)...)
	}
	if upd.Role != nil {
		if !upd.Role.Valid() {
			return nil, domain.ErrValidation(fmt.Sprintf("unknown role %q", *upd.Role))
		}
		app.Role = *upd.Role
	}
	if upd.Active != nil {
		app.Active = *upd.Active
	}

	if err := r.store.UpdateApp(ctx, app); err != nil {
		return nil, err
	}
	app.APIKey = MaskKey(app.APIKey)
	return app, nil
}

// RegenerateKey replaces the app's API key and returns the new full key. The
// old key stops resolving as soon as this returns.
func (r *Registry) RegenerateKey(ctx context.Context, id string) (*domain.App, error) {
	app, err := r.store.GetApp(ctx, NormalizeID(id))
	if err != nil {
		return nil, err
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	app.APIKey = key

	if err := r.store.UpdateApp(ctx, app); err != nil {
		return nil, err
	}
	if err := r.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// Delete removes the app and invalidates its key.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteApp(ctx, NormalizeID(id)); err != nil {
		return err
	}
	return r.rebuildIndex(ctx)
}

// AuthorizeTable is the single authorization gate for direct-path access:
// the app must be active, hold the required role, and have the table in its
// allowed scope.
func AuthorizeTable(app *domain.App, table string, required domain.Role) error {
	if !app.Active {
		return domain.ErrForbidden(fmt.Sprintf("app %q is disabled", app.ID))
	}
	if required == domain.RoleWrite && app.Role != domain.RoleWrite {
		return domain.ErrForbidden(fmt.Sprintf("app %q does not hold the write role", app.ID))
	}
	if !app.TableAllowed(table) {
		return domain.ErrForbidden(fmt.Sprintf("table %q is not in the allowed scope for app %q", table, app.ID))
	}
	return nil
}

// ValidateTables filters a requested table list against the known schema
// tables, returning the unknown ones. An empty known set skips validation
// (schema not loaded yet).
func ValidateTables(requested, known []string) (unknown []string) {
	if len(known) == 0 {
		return nil
	}
	set := make(map[string]bool, len(known))
	for _, t := range known {
		set[t] = true
	}
	for _, t := range requested {
		if !set[t] {
			unknown = append(unknown, t)
		}
	}
	return unknown
}

// MaskKey renders a key for display: first 8 and last 4 characters with the
// middle elided, or stars when the key is too short to mask meaningfully.
func MaskKey(key string) string {
	if len(key) < 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// SchemaTables decodes the cached table list stored by the schema loader.
func SchemaTables(ctx context.Context, settings storage.SettingsStore) ([]string, error) {
	raw, err := settings.GetSetting(ctx, storage.SettingSchemaTables)
	if err != nil {
		if domain.KindOf(err) == domain.ErrorKindNotFound {
			return nil, nil
		}
		return nil, err
	}
	var tables []string
	if err := json.Unmarshal([]byte(raw), &tables); err != nil {
		return nil, fmt.Errorf("failed to decode cached schema tables: %w", err)
	}
	return tables, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
