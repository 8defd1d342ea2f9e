// Package memory is an in-memory implementation of storage.Store, used in
// tests and for ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/storage"
)

// Store keeps everything in maps guarded by a single RWMutex.
type Store struct {
	mu        sync.RWMutex
	apps      map[string]*domain.App
	settings  map[string]string
	providers map[string]*storage.ProviderKey
	log       []*storage.RequestLogEntry
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		apps:      make(map[string]*domain.App),
		settings:  make(map[string]string),
		providers: make(map[string]*storage.ProviderKey),
	}
}

// ========== Apps ==========

func (s *Store) CreateApp(ctx context.Context, app *domain.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[app.ID]; ok {
		return domain.ErrConflict(fmt.Sprintf("app %q already exists", app.ID))
	}
	s.apps[app.ID] = cloneApp(app)
	return nil
}

func (s *Store) GetApp(ctx context.Context, appID string) (*domain.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[appID]
	if !ok {
		return nil, domain.ErrNotFound("app not found")
	}
	return cloneApp(app), nil
}

func (s *Store) ListApps(ctx context.Context) ([]*domain.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	apps := make([]*domain.App, 0, len(s.apps))
	for _, app := range s.apps {
		apps = append(apps, cloneApp(app))
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	return apps, nil
}

func (s *Store) UpdateApp(ctx context.Context, app *domain.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[app.ID]; !ok {
		return domain.ErrNotFound(fmt.Sprintf("app %q not found", app.ID))
	}
	s.apps[app.ID] = cloneApp(app)
	return nil
}

func (s *Store) DeleteApp(ctx context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[appID]; !ok {
		return domain.ErrNotFound(fmt.Sprintf("app %q not found", appID))
	}
	delete(s.apps, appID)
	return nil
}

func cloneApp(app *domain.App) *domain.App {
	c := *app
	c.AllowedTables = append([]string(nil), app.AllowedTables...)
	return &c
}

// ========== Settings ==========

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.settings[key]
	if !ok {
		return "", domain.ErrNotFound(fmt.Sprintf("setting %q not found", key))
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.settings, key)
	return nil
}

func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// ========== Provider keys ==========

func (s *Store) UpsertProviderKey(ctx context.Context, key *storage.ProviderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *key
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if existing, ok := s.providers[c.Provider]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	s.providers[c.Provider] = &c
	return nil
}

func (s *Store) GetProviderKey(ctx context.Context, provider string) (*storage.ProviderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.providers[provider]
	if !ok {
		return nil, domain.ErrNotFound(fmt.Sprintf("provider %q not configured", provider))
	}
	c := *key
	return &c, nil
}

func (s *Store) ListProviderKeys(ctx context.Context) ([]*storage.ProviderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*storage.ProviderKey, 0, len(s.providers))
	for _, key := range s.providers {
		c := *key
		keys = append(keys, &c)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Provider < keys[j].Provider })
	return keys, nil
}

func (s *Store) DeleteProviderKey(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providers[provider]; !ok {
		return domain.ErrNotFound(fmt.Sprintf("provider %q not configured", provider))
	}
	delete(s.providers, provider)
	return nil
}

// ========== Request log ==========

func (s *Store) RecordRequest(ctx context.Context, entry *storage.RequestLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Date == "" {
		e.Date = e.Timestamp.UTC().Format("2006-01-02")
	}
	s.log = append(s.log, &e)
	return nil
}

func (s *Store) RecentRequests(ctx context.Context, limit int) ([]*storage.RequestLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tail(limit, func(*storage.RequestLogEntry) bool { return true }), nil
}

func (s *Store) RecentErrors(ctx context.Context, limit int) ([]*storage.RequestLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tail(limit, func(e *storage.RequestLogEntry) bool { return !e.Success }), nil
}

// tail walks the log newest-first collecting up to limit matching entries.
func (s *Store) tail(limit int, match func(*storage.RequestLogEntry) bool) []*storage.RequestLogEntry {
	var out []*storage.RequestLogEntry
	for i := len(s.log) - 1; i >= 0 && len(out) < limit; i-- {
		if match(s.log[i]) {
			e := *s.log[i]
			out = append(out, &e)
		}
	}
	return out
}

func (s *Store) LogDates(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var dates []string
	for _, e := range s.log {
		if !seen[e.Date] {
			seen[e.Date] = true
			dates = append(dates, e.Date)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

func (s *Store) RequestsByDate(ctx context.Context, date string) ([]*storage.RequestLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.RequestLogEntry
	for _, entry := range s.log {
		if entry.Date == date {
			e := *entry
			out = append(out, &e)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
