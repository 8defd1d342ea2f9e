// Package mcptools exposes the bridge's operations as MCP tools. Operation
// failures are returned in-band as tool error results so the protocol stream
// stays healthy.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pgql/bridge/internal/bridge"
	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/router"
)

// Handler registers and serves the tool set.
type Handler struct {
	svc    *bridge.Service
	rt     *router.Router
	apiKey string // app key for this transport; empty means the local app
	logger *slog.Logger
}

// NewHandler builds the tool handler. apiKey scopes all calls on this
// transport to one registered app; when empty the implicit local app is used.
func NewHandler(svc *bridge.Service, rt *router.Router, apiKey string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, rt: rt, apiKey: apiKey, logger: logger}
}

// NewServer builds the MCP server with every tool registered.
func NewServer(svc *bridge.Service, rt *router.Router, apiKey, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"pgql-bridge",
		version,
		server.WithToolCapabilities(true),
	)
	NewHandler(svc, rt, apiKey, logger).RegisterTools(s)
	return s
}

// RegisterTools adds the full tool set to the server.
func (h *Handler) RegisterTools(s *server.MCPServer) {
	s.AddTool(mcp.NewTool(router.OpSetupConfig,
		mcp.WithDescription("Configure the upstream conversational service and the optional GraphQL endpoint. Empty fields keep their current values."),
		mcp.WithString("api_key", mcp.Description("Upstream service API key")),
		mcp.WithString("base_url", mcp.Description("Upstream service base URL")),
		mcp.WithString("auth_token", mcp.Description("Project data-access token")),
		mcp.WithString("auth_mode", mcp.Description("How the data-access token is sent: public or private")),
		mcp.WithString("hasura_endpoint", mcp.Description("Hasura CE GraphQL endpoint for the direct-query path")),
		mcp.WithString("hasura_admin_secret", mcp.Description("Hasura admin secret")),
	), h.handleSetupConfig)

	s.AddTool(mcp.NewTool(router.OpCheckConfig,
		mcp.WithDescription("Report what is currently configured, without exposing secrets."),
	), h.handleCheckConfig)

	s.AddTool(mcp.NewTool(router.OpStartThread,
		mcp.WithDescription("Start a conversational data query and wait for the answer. Returns a processing status with a thread_id when the answer takes longer than the polling budget."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The question to ask, 1 to 10000 characters")),
		mcp.WithString("system_instructions", mcp.Description("Optional steering instructions applied to the whole thread")),
	), h.handleStartThread)

	s.AddTool(mcp.NewTool(router.OpStartThreadNoWait,
		mcp.WithDescription("Start a conversational data query and return the thread identifiers immediately. Poll with get_thread_status."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The question to ask, 1 to 10000 characters")),
		mcp.WithString("system_instructions", mcp.Description("Optional steering instructions applied to the whole thread")),
	), h.handleStartThreadNoWait)

	s.AddTool(mcp.NewTool(router.OpContinueThread,
		mcp.WithDescription("Send a follow-up message on an existing thread and wait for the answer."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread UUID returned by start_thread")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The follow-up message")),
		mcp.WithString("system_instructions", mcp.Description("Optional steering instructions for this interaction")),
	), h.handleContinueThread)

	s.AddTool(mcp.NewTool(router.OpGetThreadStatus,
		mcp.WithDescription("Fetch the current state of a thread: status, latest answer, and artifact names."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread UUID")),
	), h.handleGetThreadStatus)

	s.AddTool(mcp.NewTool(router.OpCancelThread,
		mcp.WithDescription("Cancel a thread's in-flight interaction. Fails if the thread has no active interaction."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread UUID")),
	), h.handleCancelThread)

	s.AddTool(mcp.NewTool(router.OpGetArtifact,
		mcp.WithDescription("Fetch one named artifact produced by a thread."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread UUID")),
		mcp.WithString("artifact_id", mcp.Required(), mcp.Description("Artifact identifier from the thread result")),
	), h.handleGetArtifact)

	s.AddTool(mcp.NewTool(router.OpQueryHasura,
		mcp.WithDescription("Answer a question directly against the configured GraphQL endpoint, restricted to the caller's allowed tables. Read-only."),
		mcp.WithString("question", mcp.Required(), mcp.Description("Natural-language question about the data")),
	), h.handleQueryHasura)
}

// caller resolves the app this transport acts as.
func (h *Handler) caller(ctx context.Context) (*domain.App, error) {
	if h.apiKey == "" {
		return h.svc.LocalApp(ctx), nil
	}
	return h.rt.Resolve(ctx, h.apiKey)
}

// args pulls the argument map out of the request, tolerating absent args.
func args(request mcp.CallToolRequest) map[string]any {
	if m, ok := request.Params.Arguments.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func stringArg(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// run mediates a tool body through the router and renders the result.
func (h *Handler) run(ctx context.Context, operation string, params map[string]any, fn func(ctx context.Context, app *domain.App) (any, error)) (*mcp.CallToolResult, error) {
	app, err := h.caller(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := h.rt.Do(ctx, app, operation, params, func(ctx context.Context) (any, error) {
		return fn(ctx, app)
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (h *Handler) handleSetupConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := args(request)
	return h.run(ctx, router.OpSetupConfig, m, func(ctx context.Context, app *domain.App) (any, error) {
		return h.svc.SetupConfig(ctx, bridge.SetupInput{
			APIKey:            stringArg(m, "api_key"),
			BaseURL:           stringArg(m, "base_url"),
			AuthToken:         stringArg(m, "auth_token"),
			AuthMode:          stringArg(m, "auth_mode"),
			HasuraEndpoint:    stringArg(m, "hasura_endpoint"),
			HasuraAdminSecret: stringArg(m, "hasura_admin_secret"),
		})
	})
}

func (h *Handler) handleCheckConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.run(ctx, router.OpCheckConfig, nil, func(ctx context.Context, app *domain.App) (any, error) {
		return h.svc.CheckConfig(ctx), nil
	})
}

func (h *Handler) handleStartThread(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := args(request)
	return h.run(ctx, router.OpStartThread, m, func(ctx context.Context, app *domain.App) (any, error) {
		orch, err := h.svc.Orchestrator()
		if err != nil {
			return nil, err
		}
		return orch.Start(ctx, stringArg(m, "message"), stringArg(m, "system_instructions"), true)
	})
}

func (h *Handler) handleStartThreadNoWait(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := args(request)
	return h.run(ctx, router.OpStartThreadNoWait, m, func(ctx context.Context, app *domain.App) (any, error) {
		orch, err := h.svc.Orchestrator()
		if err != nil {
			return nil, err
		}
		return orch.Start(ctx, stringArg(m, "message"), stringArg(m, "system_instructions"), false)
	})
}

func (h *Handler) handleContinueThread(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := args(request)
	return h.run(ctx, router.OpContinueThread, m, func(ctx context.Context, app *domain.App) (any, error) {
		orch, err := h.svc.Orchestrator()
		if err != nil {
			return nil, err
		}
		return orch.Continue(ctx, stringArg(m, "thread_id"), stringArg(m, "message"), stringArg(m, "system_instructions"), true)
	})
}

func (h *Handler) handleGetThreadStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := args(request)
	return h.run(ctx, router.OpGetThreadStatus, m, func(ctx context.Context, app *domain.App) (any, error) {
		orch, err := h.svc.Orchestrator()
		if err != nil {
			return nil, err
		}
		return orch.Status(ctx, stringArg(m, "thread_id"))
	})
}

func (h *Handler) handleCancelThread(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := args(request)
	return h.run(ctx, router.OpCancelThread, m, func(ctx context.Context, app *domain.App) (any, error) {
		orch, err := h.svc.Orchestrator()
		if err != nil {
			return nil, err
		}
		return orch.Cancel(ctx, stringArg(m, "thread_id"))
	})
}

func (h *Handler) handleGetArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := args(request)
	return h.run(ctx, router.OpGetArtifact, m, func(ctx context.Context, app *domain.App) (any, error) {
		orch, err := h.svc.Orchestrator()
		if err != nil {
			return nil, err
		}
		return orch.Artifact(ctx, stringArg(m, "thread_id"), stringArg(m, "artifact_id"))
	})
}

func (h *Handler) handleQueryHasura(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := args(request)
	return h.run(ctx, router.OpQueryHasura, m, func(ctx context.Context, app *domain.App) (any, error) {
		planner, err := h.svc.Planner()
		if err != nil {
			return nil, err
		}
		return planner.Query(ctx, app, stringArg(m, "question"))
	})
}
