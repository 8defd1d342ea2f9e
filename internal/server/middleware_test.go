package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestIDMiddleware(t *testing.T) {
	var gotID string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if gotID == "" {
		t.Error("request id missing from context")
	}
	if rec.Header().Get(RequestIDHeader) != gotID {
		t.Error("X-Request-ID header does not match context value")
	}
}

func TestRequestIDKeepsInboundIdentifier(t *testing.T) {
	var gotID string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "trace-abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotID != "trace-abc123" {
		t.Errorf("request id = %q, want the caller's identifier", gotID)
	}
	if rec.Header().Get(RequestIDHeader) != "trace-abc123" {
		t.Error("inbound identifier not echoed on the response")
	}
}

func TestTimeoutMiddlewareSetsDeadline(t *testing.T) {
	var hasDeadline bool
	handler := TimeoutMiddleware(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !hasDeadline {
		t.Error("request context has no deadline")
	}

	// Non-positive budget leaves the context unbounded.
	handler = TimeoutMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if hasDeadline {
		t.Error("zero budget must not set a deadline")
	}
}

func TestDashboardAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := DashboardAuthMiddleware(func() string { return "secret-key" })(next)

	tests := []struct {
		name   string
		header func(r *http.Request)
		want   int
	}{
		{"missing key", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) { r.Header.Set("X-Dashboard-Key", "nope") }, http.StatusUnauthorized},
		{"header key", func(r *http.Request) { r.Header.Set("X-Dashboard-Key", "secret-key") }, http.StatusNoContent},
		{"bearer key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-key") }, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.header(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestDashboardAuthDisabledWhenKeyEmpty(t *testing.T) {
	handler := DashboardAuthMiddleware(func() string { return "" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want pass-through", rec.Code)
	}
}
