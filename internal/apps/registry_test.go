package apps

import (
	"context"
	"strings"
	"testing"

	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/storage/memory"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r, err := NewRegistry(context.Background(), memory.New())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestCreateAndResolve(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	app, err := r.Create(ctx, "  Sales  Dashboard ", "sales team", []string{"customers"}, domain.RoleRead)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if app.ID != "sales-dashboard" {
		t.Errorf("normalized id = %q, want sales-dashboard", app.ID)
	}
	if !strings.HasPrefix(app.APIKey, "pgql_") {
		t.Errorf("key %q missing pgql_ prefix", app.APIKey)
	}

	resolved, err := r.Resolve(ctx, app.APIKey)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.ID != "sales-dashboard" {
		t.Errorf("resolved id = %q, want sales-dashboard", resolved.ID)
	}

	if _, err := r.Resolve(ctx, "pgql_wrong"); domain.KindOf(err) != domain.ErrorKindUnauthorized {
		t.Errorf("Resolve with bad key = %v, want unauthorized", err)
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, "reporting", "", nil, domain.RoleRead); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Normalization makes these the same identifier.
	_, err := r.Create(ctx, "  REPORTING ", "", nil, domain.RoleRead)
	if domain.KindOf(err) != domain.ErrorKindConflict {
		t.Errorf("duplicate Create = %v, want conflict", err)
	}
}

func TestDisabledAppRejectedWithValidKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	app, err := r.Create(ctx, "etl", "", nil, domain.RoleWrite)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	key := app.APIKey

	off := false
	if _, err := r.Update(ctx, "etl", Update{Active: &off}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_, err = r.Resolve(ctx, key)
	if domain.KindOf(err) != domain.ErrorKindUnauthorized {
		t.Fatalf("Resolve of disabled app = %v, want unauthorized", err)
	}
	// Message must match the absent-key case exactly.
	if err.Error() != domain.ErrUnauthorized().Error() {
		t.Errorf("disabled-app error %q differs from absent-key error", err)
	}

	on := true
	if _, err := r.Update(ctx, "etl", Update{Active: &on}); err != nil {
		t.Fatalf("re-enable failed: %v", err)
	}
	if _, err := r.Resolve(ctx, key); err != nil {
		t.Errorf("Resolve after re-enable failed: %v", err)
	}
}

func TestRegenerateKeyInvalidatesOldKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	app, err := r.Create(ctx, "mobile", "", nil, domain.RoleRead)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	oldKey := app.APIKey

	regen, err := r.RegenerateKey(ctx, "mobile")
	if err != nil {
		t.Fatalf("RegenerateKey failed: %v", err)
	}
	if regen.APIKey == oldKey {
		t.Fatal("regenerated key equals old key")
	}

	if _, err := r.Resolve(ctx, oldKey); domain.KindOf(err) != domain.ErrorKindUnauthorized {
		t.Errorf("old key after regeneration = %v, want unauthorized", err)
	}
	if _, err := r.Resolve(ctx, regen.APIKey); err != nil {
		t.Errorf("new key failed to resolve: %v", err)
	}
}

func TestListMasksKeys(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	app, err := r.Create(ctx, "analytics", "", nil, domain.RoleRead)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	apps, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("List returned %d apps, want 1", len(apps))
	}
	masked := apps[0].APIKey
	if masked == app.APIKey {
		t.Error("List leaked the full API key")
	}
	if !strings.HasPrefix(masked, app.APIKey[:8]) || !strings.HasSuffix(masked, app.APIKey[len(app.APIKey)-4:]) {
		t.Errorf("masked key %q does not show first 8 and last 4", masked)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"pgql_abcdefghijklmnop", "pgql_abc...mnop"},
		{"short", "****"},
		{"", "****"},
	}
	for _, tt := range tests {
		if got := MaskKey(tt.key); got != tt.want {
			t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestAuthorizeTable(t *testing.T) {
	app := &domain.App{ID: "x", Active: true, Role: domain.RoleRead, AllowedTables: []string{"customers"}}

	if err := AuthorizeTable(app, "customers", domain.RoleRead); err != nil {
		t.Errorf("allowed table rejected: %v", err)
	}
	if err := AuthorizeTable(app, "orders", domain.RoleRead); domain.KindOf(err) != domain.ErrorKindForbidden {
		t.Errorf("out-of-scope table = %v, want forbidden", err)
	}
	if err := AuthorizeTable(app, "customers", domain.RoleWrite); domain.KindOf(err) != domain.ErrorKindForbidden {
		t.Errorf("read-role app authorized for write = %v, want forbidden", err)
	}

	app.Role = domain.RoleWrite
	if err := AuthorizeTable(app, "customers", domain.RoleWrite); err != nil {
		t.Errorf("write-role app rejected for write: %v", err)
	}

	app.Active = false
	if err := AuthorizeTable(app, "customers", domain.RoleRead); domain.KindOf(err) != domain.ErrorKindForbidden {
		t.Errorf("disabled app authorized = %v, want forbidden", err)
	}
}

func TestValidateTables(t *testing.T) {
	known := []string{"customers", "orders"}

	if unknown := ValidateTables([]string{"customers"}, known); unknown != nil {
		t.Errorf("known table flagged: %v", unknown)
	}
	unknown := ValidateTables([]string{"customers", "users"}, known)
	if len(unknown) != 1 || unknown[0] != "users" {
		t.Errorf("unknown = %v, want [users]", unknown)
	}
	// Schema not loaded yet: nothing to validate against.
	if unknown := ValidateTables([]string{"anything"}, nil); unknown != nil {
		t.Errorf("validation should be skipped with empty schema, got %v", unknown)
	}
}
