// Package thread orchestrates conversational thread operations against the
// upstream service: start, continue, bounded polling, cancellation, and
// artifact retrieval.
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pgql/bridge/internal/domain"
)

const maxMessageLength = 10000

// API is the upstream surface the orchestrator drives. Satisfied by
// *promptql.Client.
type API interface {
	StartThread(ctx context.Context, userMessage, systemInstructions string) (threadID, interactionID string, err error)
	ContinueThread(ctx context.Context, threadID, userMessage, systemInstructions string) (interactionID string, err error)
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	CancelThread(ctx context.Context, threadID string) error
	GetArtifact(ctx context.Context, threadID, artifactID string) (*domain.Artifact, error)
}

// Orchestrator runs the thread state machine over the upstream API. Polling
// is bounded: after maxAttempts the in-flight result is returned as a success
// carrying the processing status, and the caller polls via Status.
type Orchestrator struct {
	api         API
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// New builds an orchestrator polling every interval up to maxAttempts times.
func New(api API, interval time.Duration, maxAttempts int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		api:         api,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// ValidateMessage enforces the message contract shared by start and continue.
func ValidateMessage(message string) error {
	if message == "" {
		return domain.ErrValidation("message must not be empty")
	}
	if len(message) > maxMessageLength {
		return domain.ErrValidation(fmt.Sprintf("message exceeds %d characters", maxMessageLength))
	}
	if strings.ContainsRune(message, 0) {
		return domain.ErrValidation("message must not contain NUL bytes")
	}
	return nil
}

// validateSystemInstructions bounds the optional steering text. Empty means
// the upstream's defaults apply.
func validateSystemInstructions(instructions string) error {
	if instructions == "" {
		return nil
	}
	if len(instructions) > maxMessageLength {
		return domain.ErrValidation(fmt.Sprintf("system_instructions exceed %d characters", maxMessageLength))
	}
	if strings.ContainsRune(instructions, 0) {
		return domain.ErrValidation("system_instructions must not contain NUL bytes")
	}
	return nil
}

// ValidateThreadID enforces the UUID form of thread identifiers.
func ValidateThreadID(threadID string) error {
	if _, err := uuid.Parse(threadID); err != nil {
		return domain.ErrValidation(fmt.Sprintf("invalid thread_id %q", threadID))
	}
	return nil
}

// Start opens a new thread. With wait set it polls until the interaction
// reaches a terminal state or the attempt budget runs out; without it the
// identifiers come back immediately for manual polling. systemInstructions
// are optional and steer the assistant for the thread's lifetime.
func (o *Orchestrator) Start(ctx context.Context, message, systemInstructions string, wait bool) (*domain.ThreadResult, error) {
	if err := ValidateMessage(message); err != nil {
		return nil, err
	}
	if err := validateSystemInstructions(systemInstructions); err != nil {
		return nil, err
	}

	threadID, interactionID, err := o.api.StartThread(ctx, message, systemInstructions)
	if err != nil {
		return nil, err
	}
	o.logger.Info("thread started", "thread_id", threadID, "interaction_id", interactionID, "wait", wait)

	if !wait {
		return &domain.ThreadResult{
			ThreadID:      threadID,
			InteractionID: interactionID,
			Status:        domain.StatusProcessing,
			Interactions:  1,
		}, nil
	}
	return o.poll(ctx, threadID)
}

// Continue appends a message to an existing thread and polls the new
// interaction the same way Start does.
func (o *Orchestrator) Continue(ctx context.Context, threadID, message, systemInstructions string, wait bool) (*domain.ThreadResult, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if err := ValidateMessage(message); err != nil {
		return nil, err
	}
	if err := validateSystemInstructions(systemInstructions); err != nil {
		return nil, err
	}

	interactionID, err := o.api.ContinueThread(ctx, threadID, message, systemInstructions)
	if err != nil {
		return nil, err
	}
	o.logger.Info("thread continued", "thread_id", threadID, "interaction_id", interactionID, "wait", wait)

	if !wait {
		return &domain.ThreadResult{
			ThreadID:      threadID,
			InteractionID: interactionID,
			Status:        domain.StatusProcessing,
		}, nil
	}
	return o.poll(ctx, threadID)
}

// Status fetches the thread once and distills the current result.
func (o *Orchestrator) Status(ctx context.Context, threadID string) (*domain.ThreadResult, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	thread, err := o.api.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return Distill(thread), nil
}

// Cancel stops the thread's active interaction. Cancelling a thread whose
// latest interaction is already terminal is a no-op: the call succeeds and
// the result is flagged NoActiveInteraction.
func (o *Orchestrator) Cancel(ctx context.Context, threadID string) (*domain.ThreadResult, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	thread, err := o.api.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	latest := thread.LatestInteraction()
	if latest == nil || latest.Status.Terminal() {
		result := Distill(thread)
		result.NoActiveInteraction = true
		return result, nil
	}

	if err := o.api.CancelThread(ctx, threadID); err != nil {
		return nil, err
	}
	o.logger.Info("thread cancelled", "thread_id", threadID, "interaction_id", latest.ID)

	result := Distill(thread)
	result.Status = domain.StatusCancelled
	return result, nil
}

// Artifact fetches a named artifact from the thread.
func (o *Orchestrator) Artifact(ctx context.Context, threadID, artifactID string) (*domain.Artifact, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if artifactID == "" {
		return nil, domain.ErrValidation("artifact_id must not be empty")
	}
	return o.api.GetArtifact(ctx, threadID, artifactID)
}

// poll watches the thread until its latest interaction is terminal or the
// attempt budget is spent. Budget exhaustion is not an error: the processing
// result comes back and the caller keeps polling via Status.
func (o *Orchestrator) poll(ctx context.Context, threadID string) (*domain.ThreadResult, error) {
	var last *domain.ThreadResult

	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		thread, err := o.api.GetThread(ctx, threadID)
		if err != nil {
			return nil, err
		}

		last = Distill(thread)
		if last.Status.Terminal() {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, nil
		case <-time.After(o.interval):
		}
	}

	o.logger.Warn("polling budget exhausted", "thread_id", threadID, "attempts", o.maxAttempts)
	return last, nil
}

// Distill reduces a full thread to the result surface: the latest
// interaction's status and answer plus its structured blocks.
func Distill(t *domain.Thread) *domain.ThreadResult {
	result := &domain.ThreadResult{
		ThreadID:     t.ID,
		Status:       domain.StatusProcessing,
		Interactions: len(t.Interactions),
	}

	latest := t.LatestInteraction()
	if latest == nil {
		return result
	}
	result.InteractionID = latest.ID
	result.Status = latest.Status

	var answers []string
	for _, action := range latest.AssistantActions {
		if action.Message != "" {
			answers = append(answers, action.Message)
		}
		if action.Plan != "" {
			result.Plans = append(result.Plans, action.Plan)
		}
		if action.Code != "" {
			result.CodeBlocks = append(result.CodeBlocks, action.Code)
		}
		if action.CodeOutput != "" {
			result.CodeOutputs = append(result.CodeOutputs, action.CodeOutput)
		}
		result.Artifacts = append(result.Artifacts, action.Artifacts...)
	}
	result.Answer = strings.Join(answers, "\n\n")

	return result
}
