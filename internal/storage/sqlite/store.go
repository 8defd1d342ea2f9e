// Package sqlite is the SQLite implementation of the bridge's storage
// contracts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS apps (
			app_id TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			allowed_tables TEXT NOT NULL DEFAULT '[]',
			role TEXT NOT NULL DEFAULT 'read',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provider_keys (
			provider TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			date TEXT NOT NULL,
			operation TEXT NOT NULL,
			app_id TEXT NOT NULL DEFAULT '',
			duration_ms REAL NOT NULL,
			success INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_apps_api_key ON apps(api_key)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_date ON request_log(date)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_success ON request_log(success)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// ========== Apps ==========

func (s *Store) CreateApp(ctx context.Context, app *domain.App) error {
	tables, err := json.Marshal(app.AllowedTables)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed tables: %w", err)
	}

	query := `INSERT INTO apps (app_id, api_key, description, allowed_tables, role, active, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		app.ID, app.APIKey, app.Description, string(tables), string(app.Role), boolToInt(app.Active), app.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	return nil
}

func (s *Store) GetApp(ctx context.Context, appID string) (*domain.App, error) {
	query := `SELECT app_id, api_key, description, allowed_tables, role, active, created_at
	          FROM apps WHERE app_id = ?`

	return s.scanApp(s.db.QueryRowContext(ctx, query, appID))
}

func (s *Store) ListApps(ctx context.Context) ([]*domain.App, error) {
	query := `SELECT app_id, api_key, description, allowed_tables, role, active, created_at
	          FROM apps ORDER BY app_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	defer rows.Close()

	var apps []*domain.App
	for rows.Next() {
		app, err := s.scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}

	return apps, rows.Err()
}

func (s *Store) UpdateApp(ctx context.Context, app *domain.App) error {
	tables, err := json.Marshal(app.AllowedTables)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed tables: %w", err)
	}

	query := `UPDATE apps SET api_key = ?, description = ?, allowed_tables = ?, role = ?, active = ?
	          WHERE app_id = ?`

	res, err := s.db.ExecContext(ctx, query,
		app.APIKey, app.Description, string(tables), string(app.Role), boolToInt(app.Active), app.ID)
	if err != nil {
		return fmt.Errorf("failed to update app: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound(fmt.Sprintf("app %q not found", app.ID))
	}

	return nil
}

func (s *Store) DeleteApp(ctx context.Context, appID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("failed to delete app: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound(fmt.Sprintf("app %q not found", appID))
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanApp(row rowScanner) (*domain.App, error) {
	var app domain.App
	var tablesJSON, role string
	var active int

	err := row.Scan(&app.ID, &app.APIKey, &app.Description, &tablesJSON, &role, &active, &app.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("app not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan app: %w", err)
	}

	if err := json.Unmarshal([]byte(tablesJSON), &app.AllowedTables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed tables: %w", err)
	}
	app.Role = domain.Role(role)
	app.Active = active != 0

	return &app, nil
}

// ========== Settings ==========

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound(fmt.Sprintf("setting %q not found", key))
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[k] = v
	}

	return settings, rows.Err()
}

// ========== Provider keys ==========

func (s *Store) UpsertProviderKey(ctx context.Context, key *storage.ProviderKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_keys (provider, api_key, base_url, model, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET api_key = excluded.api_key, base_url = excluded.base_url, model = excluded.model`,
		key.Provider, key.APIKey, key.BaseURL, key.Model, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert provider key: %w", err)
	}
	return nil
}

func (s *Store) GetProviderKey(ctx context.Context, provider string) (*storage.ProviderKey, error) {
	var key storage.ProviderKey
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, api_key, base_url, model, created_at FROM provider_keys WHERE provider = ?`,
		provider).Scan(&key.Provider, &key.APIKey, &key.BaseURL, &key.Model, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound(fmt.Sprintf("provider %q not configured", provider))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider key: %w", err)
	}
	return &key, nil
}

func (s *Store) ListProviderKeys(ctx context.Context) ([]*storage.ProviderKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, api_key, base_url, model, created_at FROM provider_keys ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider keys: %w", err)
	}
	defer rows.Close()

	var keys []*storage.ProviderKey
	for rows.Next() {
		var key storage.ProviderKey
		if err := rows.Scan(&key.Provider, &key.APIKey, &key.BaseURL, &key.Model, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider key: %w", err)
		}
		keys = append(keys, &key)
	}

	return keys, rows.Err()
}

func (s *Store) DeleteProviderKey(ctx context.Context, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_keys WHERE provider = ?`, provider)
	if err != nil {
		return fmt.Errorf("failed to delete provider key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound(fmt.Sprintf("provider %q not configured", provider))
	}
	return nil
}

// ========== Request log ==========

func (s *Store) RecordRequest(ctx context.Context, entry *storage.RequestLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Date == "" {
		entry.Date = entry.Timestamp.UTC().Format("2006-01-02")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (timestamp, date, operation, app_id, duration_ms, success, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Date, entry.Operation, entry.AppID, entry.DurationMS, boolToInt(entry.Success), entry.Error)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (s *Store) RecentRequests(ctx context.Context, limit int) ([]*storage.RequestLogEntry, error) {
	return s.queryLog(ctx,
		`SELECT timestamp, date, operation, app_id, duration_ms, success, error
		 FROM request_log ORDER BY id DESC LIMIT ?`, limit)
}

func (s *Store) RecentErrors(ctx context.Context, limit int) ([]*storage.RequestLogEntry, error) {
	return s.queryLog(ctx,
		`SELECT timestamp, date, operation, app_id, duration_ms, success, error
		 FROM request_log WHERE success = 0 ORDER BY id DESC LIMIT ?`, limit)
}

func (s *Store) LogDates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT date FROM request_log ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list log dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan log date: %w", err)
		}
		dates = append(dates, d)
	}

	return dates, rows.Err()
}

func (s *Store) RequestsByDate(ctx context.Context, date string) ([]*storage.RequestLogEntry, error) {
	return s.queryLog(ctx,
		`SELECT timestamp, date, operation, app_id, duration_ms, success, error
		 FROM request_log WHERE date = ? ORDER BY id`, date)
}

func (s *Store) queryLog(ctx context.Context, query string, args ...any) ([]*storage.RequestLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query request log: %w", err)
	}
	defer rows.Close()

	var entries []*storage.RequestLogEntry
	for rows.Next() {
		var e storage.RequestLogEntry
		var success int
		if err := rows.Scan(&e.Timestamp, &e.Date, &e.Operation, &e.AppID, &e.DurationMS, &success, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Success = success != 0
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
