// Package promptql is the HTTP client for the upstream conversational query
// service's thread API.
package promptql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pgql/bridge/internal/domain"
)

const defaultBaseURL = "https://api.promptql.pro.hasura.io"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithDDNAuth sets the project auth token and the mode deciding which header
// carries it.
func WithDDNAuth(token string, mode AuthMode) ClientOption {
	return func(c *Client) {
		c.authToken = token
		c.authMode = mode
	}
}

// Client talks to the upstream thread API. The API key authenticates the
// bridge itself; the DDN token authorizes data access and travels in the
// header chosen by the auth mode.
type Client struct {
	apiKey     string
	baseURL    string
	authToken  string
	authMode   AuthMode
	httpClient *http.Client
}

// NewClient creates a thread API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		authMode:   AuthModePublic,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has the credentials it needs.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

func (c *Client) ddnHeaders() map[string]string {
	if c.authToken == "" {
		return nil
	}
	return map[string]string{c.authMode.Header(): c.authToken}
}

// StartThread opens a new thread with an initial user message and returns
// the thread and interaction identifiers without waiting for completion.
// systemInstructions, when non-empty, steer the assistant for the whole
// thread.
func (c *Client) StartThread(ctx context.Context, userMessage, systemInstructions string) (threadID, interactionID string, err error) {
	req := startThreadRequest{
		Version:            "v2",
		UserMessage:        userMessage,
		SystemInstructions: systemInstructions,
		DDNHeaders:         c.ddnHeaders(),
	}

	var ref threadRef
	if err := c.do(ctx, http.MethodPost, "/threads/start", req, &ref); err != nil {
		return "", "", err
	}
	return ref.ThreadID, ref.InteractionID, nil
}

// ContinueThread appends a user message to an existing thread and returns the
// new interaction identifier.
func (c *Client) ContinueThread(ctx context.Context, threadID, userMessage, systemInstructions string) (interactionID string, err error) {
	req := continueThreadRequest{
		UserMessage:        userMessage,
		SystemInstructions: systemInstructions,
		DDNHeaders:         c.ddnHeaders(),
	}

	var ref threadRef
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/continue", req, &ref); err != nil {
		return "", err
	}
	return ref.InteractionID, nil
}

// GetThread fetches the full thread state including all interactions.
func (c *Client) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	var wire wireThread
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID), nil, &wire); err != nil {
		return nil, err
	}
	return wire.toDomain(), nil
}

// CancelThread requests cancellation of the thread's active interaction.
func (c *Client) CancelThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/cancel", struct{}{}, nil)
}

// GetArtifact fetches one named artifact produced by the thread.
func (c *Client) GetArtifact(ctx context.Context, threadID, artifactID string) (*domain.Artifact, error) {
	path := "/threads/" + url.PathEscape(threadID) + "/artifacts/" + url.PathEscape(artifactID)

	var wire wireArtifact
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	size := 0
	if raw, err := json.Marshal(wire.Data); err == nil {
		size = len(raw)
	}
	return &domain.Artifact{
		ThreadID:    threadID,
		Name:        wire.ArtifactID,
		ContentType: wire.ContentType,
		Size:        size,
		Data:        wire.Data,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ErrUpstreamTimeout("thread API request timed out")
		}
		return domain.ErrUpstream(0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFrom(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.ErrUpstream(resp.StatusCode, fmt.Sprintf("invalid response body: %v", err))
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(raw))
	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && we.text() != "" {
		msg = we.text()
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound("thread not found")
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUpstream(resp.StatusCode, "upstream rejected the configured credentials")
	case http.StatusGatewayTimeout:
		return domain.ErrUpstreamTimeout(msg)
	default:
		return domain.ErrUpstream(resp.StatusCode, msg)
	}
}
