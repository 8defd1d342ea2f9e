// Package router mediates every tool call: caller resolution, admission
// (cache then token bucket), dispatch, and outcome recording.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/pgql/bridge/internal/admission"
	"github.com/pgql/bridge/internal/apps"
	"github.com/pgql/bridge/internal/domain"
	"github.com/pgql/bridge/internal/metrics"
	"github.com/pgql/bridge/internal/storage"
)

// Operation names, shared by the MCP tools, the control plane, and the logs.
const (
	OpSetupConfig       = "setup_config"
	OpCheckConfig       = "check_config"
	OpStartThread       = "start_thread"
	OpStartThreadNoWait = "start_thread_without_polling"
	OpContinueThread    = "continue_thread"
	OpGetThreadStatus   = "get_thread_status"
	OpCancelThread      = "cancel_thread"
	OpGetArtifact       = "get_artifact"
	OpQueryHasura       = "query_hasura_ce"
	OpChat              = "chat"
)

// cacheable marks the operations whose successful results may be served from
// the response cache. Thread lifecycle operations are stateful and never
// cached.
var cacheable = map[string]bool{
	OpQueryHasura: true,
	OpGetArtifact: true,
}

// Cacheable reports whether an operation's results may be cached.
func Cacheable(operation string) bool {
	return cacheable[operation]
}

// Router runs the mediation pipeline around an operation body.
type Router struct {
	registry  *apps.Registry
	admission *admission.Controller
	recorder  *metrics.Recorder
	logs      storage.LogStore
	logger    *slog.Logger
}

// New wires the mediation pipeline.
func New(registry *apps.Registry, ctl *admission.Controller, recorder *metrics.Recorder, logs storage.LogStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		admission: ctl,
		recorder:  recorder,
		logs:      logs,
		logger:    logger,
	}
}

// Resolve authenticates an API key to its app.
func (r *Router) Resolve(ctx context.Context, apiKey string) (*domain.App, error) {
	return r.registry.Resolve(ctx, apiKey)
}

// Registry exposes the app registry for the control plane.
func (r *Router) Registry() *apps.Registry { return r.registry }

// Admission exposes the admission controller for the control plane.
func (r *Router) Admission() *admission.Controller { return r.admission }

// Recorder exposes the metrics recorder.
func (r *Router) Recorder() *metrics.Recorder { return r.recorder }

// Do mediates one call on behalf of app: cache lookup, token bucket, the
// operation body, then recording. A cache hit returns without consuming a
// token or invoking fn.
func (r *Router) Do(ctx context.Context, app *domain.App, operation string, params any, fn func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()
	scope := app.ID

	decision, err := r.admission.Admit(scope, operation, params, Cacheable(operation))
	if err != nil {
		r.recorder.RateLimited()
		r.record(ctx, operation, scope, start, err)
		r.logger.Warn("call rejected", "operation", operation, "app_id", scope, "error", err)
		return nil, err
	}

	if decision.Hit {
		r.recorder.CacheHit()
		r.logger.Debug("cache hit", "operation", operation, "app_id", scope)
		return decision.Value, nil
	}
	if Cacheable(operation) {
		r.recorder.CacheMiss()
	}

	result, err := fn(ctx)

	r.recorder.Observe(operation, time.Since(start), err != nil)
	r.record(ctx, operation, scope, start, err)

	if err != nil {
		r.logger.Error("call failed", "operation", operation, "app_id", scope,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, err
	}

	decision.Store(result)
	r.logger.Info("call completed", "operation", operation, "app_id", scope,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (r *Router) record(ctx context.Context, operation, scope string, start time.Time, err error) {
	entry := &storage.RequestLogEntry{
		Timestamp:  start.UTC(),
		Operation:  operation,
		AppID:      scope,
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
		Success:    err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := r.logs.RecordRequest(ctx, entry); logErr != nil {
		r.logger.Warn("failed to record request log", "error", logErr)
	}
}
