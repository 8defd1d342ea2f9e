// Package hasura implements the guarded direct-query path against a Hasura
// CE GraphQL endpoint: schema discovery, plan validation, query building,
// and execution.
package hasura

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/pgql/bridge/internal/domain"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithAdminSecret sets the x-hasura-admin-secret header.
func WithAdminSecret(secret string) ClientOption {
	return func(c *Client) {
		c.adminSecret = secret
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client executes GraphQL operations against a Hasura CE endpoint. Schema
// table names are cached after the first introspection; Reload drops the
// cache.
type Client struct {
	endpoint    string
	adminSecret string
	httpClient  *http.Client

	mu     sync.Mutex
	tables []string
}

// NewClient creates a Hasura GraphQL client.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an endpoint is set.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// Execute runs one GraphQL operation and returns the data payload. GraphQL
// errors come back as upstream errors with the first message.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.adminSecret != "" {
		req.Header.Set("x-hasura-admin-secret", c.adminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrUpstreamTimeout("GraphQL request timed out")
		}
		return nil, domain.ErrUpstream(0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.ErrUpstream(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, domain.ErrUpstream(resp.StatusCode, fmt.Sprintf("invalid response body: %v", err))
	}
	if len(gr.Errors) > 0 {
		return nil, domain.ErrUpstream(resp.StatusCode, gr.Errors[0].Message)
	}
	return gr.Data, nil
}

// introspection pulls just the query root field names; table discovery does
// not need the full schema.
const tablesQuery = `query { __schema { queryType { fields { name } } } }`

// Tables returns the queryable table names, introspecting once and caching.
func (c *Client) Tables(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	cached := c.tables
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	data, err := c.Execute(ctx, tablesQuery, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Schema struct {
			QueryType struct {
				Fields []struct {
					Name string `json:"name"`
				} `json:"fields"`
			} `json:"queryType"`
		} `json:"__schema"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.ErrUpstream(0, fmt.Sprintf("invalid introspection payload: %v", err))
	}

	var tables []string
	for _, f := range payload.Schema.QueryType.Fields {
		name := f.Name
		// Root fields include aggregate and by-pk companions per table;
		// keep only the base collection fields.
		if strings.HasPrefix(name, "__") ||
			strings.HasSuffix(name, "_aggregate") ||
			strings.HasSuffix(name, "_by_pk") ||
			strings.HasSuffix(name, "_stream") {
			continue
		}
		tables = append(tables, name)
	}
	sort.Strings(tables)

	c.mu.Lock()
	c.tables = tables
	c.mu.Unlock()
	return tables, nil
}

// Reload drops the cached table list so the next Tables call re-introspects.
func (c *Client) Reload() {
	c.mu.Lock()
	c.tables = nil
	c.mu.Unlock()
}

// ColumnsQuery introspects the field names of one table's row type.
func (c *Client) Columns(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf(`query { __type(name: %q) { fields { name } } }`, table)

	data, err := c.Execute(ctx, query, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Type struct {
			Fields []struct {
				Name string `json:"name"`
			} `json:"fields"`
		} `json:"__type"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.ErrUpstream(0, fmt.Sprintf("invalid introspection payload: %v", err))
	}

	var cols []string
	for _, f := range payload.Type.Fields {
		cols = append(cols, f.Name)
	}
	return cols, nil
}
