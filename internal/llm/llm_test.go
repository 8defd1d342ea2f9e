package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pgql/bridge/internal/domain"
)

func TestProviderValid(t *testing.T) {
	for _, p := range Providers() {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if Provider("gemini").Valid() {
		t.Error("unknown provider should be invalid")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Provider: ProviderOpenAI}); domain.KindOf(err) != domain.ErrorKindValidation {
		t.Errorf("missing api key = %v, want validation error", err)
	}
	if _, err := New(Config{Provider: ProviderOpenAICompatible, APIKey: "k"}); domain.KindOf(err) != domain.ErrorKindValidation {
		t.Errorf("openai_compatible without base_url = %v, want validation error", err)
	}
	if _, err := New(Config{Provider: "gemini", APIKey: "k"}); domain.KindOf(err) != domain.ErrorKindValidation {
		t.Errorf("unknown provider = %v, want validation error", err)
	}
}

func TestOpenAIComplete(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req openaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hello"}},
			},
		})
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderOpenAICompatible, APIKey: "k", BaseURL: srv.URL, Model: "local-model"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := c.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if out != "hello" {
		t.Errorf("completion = %q", out)
	}
	if gotAuth != "Bearer k" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotModel != "local-model" {
		t.Errorf("model = %q", gotModel)
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}

		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.MaxTokens == 0 {
			t.Error("max_tokens is required and must be defaulted")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "hi there"}},
		})
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderAnthropic, APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := c.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if out != "hi there" {
		t.Errorf("completion = %q", out)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "quota"}})
	}))
	defer srv.Close()

	c, _ := New(Config{Provider: ProviderOpenAICompatible, APIKey: "k", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), "s", "u")
	if domain.KindOf(err) != domain.ErrorKindUpstreamError {
		t.Errorf("429 = %v, want upstream error", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	n := EstimateTokens("how many customers signed up last month?")
	if n <= 0 {
		t.Errorf("EstimateTokens = %d, want > 0", n)
	}
	if EstimateTokens("") != 0 {
		t.Errorf("empty string should be 0 tokens")
	}
	if EstimatePromptTokens("a", "b") < 2 {
		t.Error("prompt estimate should cover both parts")
	}
}
