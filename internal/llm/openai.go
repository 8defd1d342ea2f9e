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
	openaiDefaultBaseURL = "https://api.openai.com/v1"
	openaiDefaultModel   = "gpt-4o-mini"
)

// openaiClient speaks the chat completions wire format, which also serves
// openai_compatible deployments behind a custom base URL.
type openaiClient struct {
	cfg        Config
	httpClient *http.Client
}

func newOpenAIClient(cfg Config) *openaiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openaiDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	return &openaiClient{cfg: cfg, httpClient: http.DefaultClient}
}

func (c *openaiClient) Provider() Provider { return c.cfg.Provider }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openaiClient) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := openaiRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
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

	var out openaiResponse
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
	if len(out.Choices) == 0 {
		return "", domain.ErrUpstream(resp.StatusCode, "completion had no choices")
	}
	return out.Choices[0].Message.Content, nil
}
