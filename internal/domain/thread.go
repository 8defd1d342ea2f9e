package domain

import "time"

// InteractionStatus is the lifecycle state of one thread interaction.
// processing is the only non-terminal state.
type InteractionStatus string

const (
	StatusProcessing InteractionStatus = "processing"
	StatusComplete   InteractionStatus = "complete"
	StatusCancelled  InteractionStatus = "cancelled"
	StatusError      InteractionStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s InteractionStatus) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusError
}

// Thread is one conversational session with the upstream service. The
// upstream owns persistence; the bridge holds only in-flight polling state.
type Thread struct {
	ID           string        `json:"thread_id"`
	Title        string        `json:"title,omitempty"`
	Interactions []Interaction `json:"interactions"`
}

// LatestInteraction returns the most recent interaction, or nil for an empty
// thread. Insertion order is conversation order.
func (t *Thread) LatestInteraction() *Interaction {
	if len(t.Interactions) == 0 {
		return nil
	}
	return &t.Interactions[len(t.Interactions)-1]
}

// Interaction is one request/response exchange within a thread. At most one
// interaction per thread is processing at a time.
type Interaction struct {
	ID               string            `json:"interaction_id"`
	Status           InteractionStatus `json:"status"`
	UserMessage      string            `json:"user_message,omitempty"`
	AssistantActions []AssistantAction `json:"assistant_actions"`
	CreatedAt        time.Time         `json:"created_at,omitempty"`
}

// AssistantAction is one typed content block produced by the upstream
// assistant within an interaction.
type AssistantAction struct {
	Message    string   `json:"message,omitempty"`
	Plan       string   `json:"plan,omitempty"`
	Code       string   `json:"code,omitempty"`
	CodeOutput string   `json:"code_output,omitempty"`
	Artifacts  []string `json:"artifact_identifiers,omitempty"`
}

// Artifact is a named structured result produced by an interaction, fetched
// on demand rather than embedded in the interaction payload.
type Artifact struct {
	ThreadID    string `json:"thread_id"`
	Name        string `json:"artifact_id"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// ThreadResult is the distilled outcome of a polled thread operation: the
// latest answer plus the structured blocks collected across interactions.
type ThreadResult struct {
	ThreadID      string            `json:"thread_id"`
	InteractionID string            `json:"interaction_id"`
	Status        InteractionStatus `json:"status"`
	Answer        string            `json:"answer,omitempty"`
	Plans         []string          `json:"plans,omitempty"`
	CodeBlocks    []string          `json:"code_blocks,omitempty"`
	CodeOutputs   []string          `json:"code_outputs,omitempty"`
	Artifacts     []string          `json:"artifacts,omitempty"`
	Interactions  int               `json:"interactions_count"`

	// NoActiveInteraction marks a cancel that found nothing to cancel. The
	// call succeeds and the result reflects the thread as it stands.
	NoActiveInteraction bool `json:"no_active_interaction,omitempty"`
}

// StillProcessing reports whether the result carries a non-terminal status.
// This is a deliberate partial-failure mode: callers are expected to poll.
func (r *ThreadResult) StillProcessing() bool {
	return r.Status == StatusProcessing
}
