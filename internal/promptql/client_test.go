package promptql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pgql/bridge/internal/domain"
)

func TestStartThreadSendsAuthHeaders(t *testing.T) {
	var gotAuth, gotBody, gotInstructions string
	var gotDDN map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/start" {
			t.Errorf("path = %q, want /threads/start", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req startThreadRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotBody = req.UserMessage
		gotInstructions = req.SystemInstructions
		gotDDN = req.DDNHeaders

		json.NewEncoder(w).Encode(threadRef{ThreadID: "t-1", InteractionID: "i-1"})
	}))
	defer srv.Close()

	c := NewClient("pgql-api-key",
		WithBaseURL(srv.URL),
		WithDDNAuth("ddn-secret", AuthModePrivate))

	threadID, interactionID, err := c.StartThread(context.Background(), "top customers by revenue", "prefer totals in USD")
	if err != nil {
		t.Fatalf("StartThread failed: %v", err)
	}
	if threadID != "t-1" || interactionID != "i-1" {
		t.Errorf("StartThread = (%q, %q), want (t-1, i-1)", threadID, interactionID)
	}
	if gotAuth != "Bearer pgql-api-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody != "top customers by revenue" {
		t.Errorf("user message = %q", gotBody)
	}
	if gotDDN["x-hasura-ddn-token"] != "ddn-secret" {
		t.Errorf("private mode should carry x-hasura-ddn-token, got %v", gotDDN)
	}
	if gotInstructions != "prefer totals in USD" {
		t.Errorf("system instructions = %q, did not reach the wire", gotInstructions)
	}
}

func TestContinueThreadForwardsSystemInstructions(t *testing.T) {
	var req continueThreadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t-1/continue" {
			t.Errorf("path = %q, want /threads/t-1/continue", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(threadRef{ThreadID: "t-1", InteractionID: "i-2"})
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	interactionID, err := c.ContinueThread(context.Background(), "t-1", "and last year?", "answer tersely")
	if err != nil {
		t.Fatalf("ContinueThread failed: %v", err)
	}
	if interactionID != "i-2" {
		t.Errorf("interaction id = %q", interactionID)
	}
	if req.UserMessage != "and last year?" || req.SystemInstructions != "answer tersely" {
		t.Errorf("wire request = %+v", req)
	}
}

func TestAuthModeHeaders(t *testing.T) {
	if AuthModePublic.Header() != "Auth-Token" {
		t.Errorf("public header = %q", AuthModePublic.Header())
	}
	if AuthModePrivate.Header() != "x-hasura-ddn-token" {
		t.Errorf("private header = %q", AuthModePrivate.Header())
	}
}

func TestGetThreadMapsStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"thread_id": "t-1",
			"title":     "revenue",
			"interactions": []map[string]any{
				{
					"interaction_id": "i-1",
					"status":         "completed",
					"user_message":   map[string]string{"text": "hello"},
					"assistant_actions": []map[string]any{
						{"message": "hi there", "plan": "1. look", "artifact_identifiers": []string{"a1"}},
					},
				},
				{"interaction_id": "i-2", "status": "queued"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	thread, err := c.GetThread(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}

	if len(thread.Interactions) != 2 {
		t.Fatalf("got %d interactions, want 2", len(thread.Interactions))
	}
	if thread.Interactions[0].Status != domain.StatusComplete {
		t.Errorf("completed should map to complete, got %s", thread.Interactions[0].Status)
	}
	// Unknown upstream statuses stay in processing so pollers keep watching.
	if thread.Interactions[1].Status != domain.StatusProcessing {
		t.Errorf("queued should map to processing, got %s", thread.Interactions[1].Status)
	}
	if thread.Interactions[0].AssistantActions[0].Message != "hi there" {
		t.Error("assistant action not mapped")
	}
}

func TestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/threads/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/threads/broken":
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"message": "boom"})
		}
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))

	_, err := c.GetThread(context.Background(), "missing")
	if domain.KindOf(err) != domain.ErrorKindNotFound {
		t.Errorf("404 = %v, want not found", err)
	}

	_, err = c.GetThread(context.Background(), "broken")
	if domain.KindOf(err) != domain.ErrorKindUpstreamError {
		t.Errorf("500 = %v, want upstream error", err)
	}
}

func TestTimeoutBecomesUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := c.StartThread(ctx, "hello", "")
	if domain.KindOf(err) != domain.ErrorKindUpstreamTimeout {
		t.Errorf("deadline exceeded = %v, want upstream timeout", err)
	}
}

func TestCancelThread(t *testing.T) {
	var cancelled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/threads/t-1/cancel" {
			cancelled = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	if err := c.CancelThread(context.Background(), "t-1"); err != nil {
		t.Fatalf("CancelThread failed: %v", err)
	}
	if !cancelled {
		t.Error("cancel endpoint not called")
	}
}
