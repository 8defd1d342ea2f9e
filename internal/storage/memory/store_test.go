package memory

import (
	"context"
	"testing"

	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/storage"
)

func TestAppLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	app := &domain.App{ID: "reporting", APIKey: "pgql_abc", Role: domain.RoleRead, Active: true}
	if err := s.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp failed: %v", err)
	}
	if err := s.CreateApp(ctx, app); domain.KindOf(err) != domain.ErrorKindConflict {
		t.Errorf("duplicate CreateApp = %v, want conflict", err)
	}

	// Mutating the returned copy must not leak into the store.
	got, err := s.GetApp(ctx, "reporting")
	if err != nil {
		t.Fatalf("GetApp failed: %v", err)
	}
	got.APIKey = "tampered"

	again, _ := s.GetApp(ctx, "reporting")
	if again.APIKey != "pgql_abc" {
		t.Error("store returned aliased app record")
	}

	if err := s.DeleteApp(ctx, "reporting"); err != nil {
		t.Fatalf("DeleteApp failed: %v", err)
	}
	if _, err := s.GetApp(ctx, "reporting"); domain.KindOf(err) != domain.ErrorKindNotFound {
		t.Errorf("GetApp after delete = %v, want not found", err)
	}
}

func TestRequestLogOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, op := range []string{"a", "b", "c"} {
		ok := op != "b"
		if err := s.RecordRequest(ctx, &storage.RequestLogEntry{Operation: op, Success: ok}); err != nil {
			t.Fatalf("RecordRequest failed: %v", err)
		}
	}

	recent, _ := s.RecentRequests(ctx, 2)
	if len(recent) != 2 || recent[0].Operation != "c" || recent[1].Operation != "b" {
		t.Errorf("RecentRequests = %+v, want newest two", recent)
	}

	errs, _ := s.RecentErrors(ctx, 10)
	if len(errs) != 1 || errs[0].Operation != "b" {
		t.Errorf("RecentErrors = %+v, want just b", errs)
	}
}
