package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pgql/bridge/internal/domain"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicDefaultModel   = "claude-sonnet-4-5"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultTokens  = 1024
)

type anthropicClient struct {
	cfg        Config
	httpClient *http.Client
}

func newAnthropicClient(cfg Config) *anthropicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.MaxTokens == 0 {
		// max_tokens is required by the messages API.
		cfg.MaxTokens = anthropicDefaultTokens
	}
	return &anthropicClient{cfg: cfg, httpClient: http.DefaultClient}
}

func (c *anthropicClient) Provider() Provider { return ProviderAnthropic }

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *anthropicClient) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := anthropicRequest{
		Model:       c.cfg.Model,
		System:      system,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: user}},
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", domain.ErrUpstreamTimeout("completion request timed out")
		}
		return "", domain.ErrUpstream(0, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var out anthropicResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", domain.ErrUpstream(resp.StatusCode, fmt.Sprintf("invalid response body: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if out.Error != nil {
			msg = out.Error.Message
		}
		return "", domain.ErrUpstream(resp.StatusCode, msg)
	}

	var parts []string
	for _, block := range out.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", domain.ErrUpstream(resp.StatusCode, "completion had no text content")
	}
	return strings.Join(parts, "\n"), nil
}
