package promptql

import (
	"time"

	"github.com/pgql/bridge/internal/domain"
)

// AuthMode selects which DDN auth header the upstream expects.
type AuthMode string

const (
	// AuthModePublic sends the token as Auth-Token.
	AuthModePublic AuthMode = "public"
	// AuthModePrivate sends the token as x-hasura-ddn-token.
	AuthModePrivate AuthMode = "private"
)

// Valid reports whether m is a known auth mode.
func (m AuthMode) Valid() bool {
	return m == AuthModePublic || m == AuthModePrivate
}

// Header returns the DDN auth header name for this mode.
func (m AuthMode) Header() string {
	if m == AuthModePrivate {
		return "x-hasura-ddn-token"
	}
	return "Auth-Token"
}

// startThreadRequest starts a new conversational thread.
type startThreadRequest struct {
	Version            string            `json:"version"`
	UserMessage        string            `json:"user_message"`
	SystemInstructions string            `json:"system_instructions,omitempty"`
	DDNHeaders         map[string]string `json:"ddn_headers,omitempty"`
	Stream             bool              `json:"stream"`
}

// continueThreadRequest appends a message to an existing thread.
type continueThreadRequest struct {
	UserMessage        string            `json:"user_message"`
	SystemInstructions string            `json:"system_instructions,omitempty"`
	DDNHeaders         map[string]string `json:"ddn_headers,omitempty"`
	Stream             bool              `json:"stream"`
}

// threadRef identifies a thread and the interaction the call created.
type threadRef struct {
	ThreadID      string `json:"thread_id"`
	InteractionID string `json:"interaction_id"`
}

// wireThread is the upstream's thread detail payload.
type wireThread struct {
	ThreadID     string            `json:"thread_id"`
	Title        string            `json:"title"`
	Interactions []wireInteraction `json:"interactions"`
}

type wireInteraction struct {
	InteractionID    string               `json:"interaction_id"`
	Status           string               `json:"status"`
	UserMessage      wireUserMessage      `json:"user_message"`
	AssistantActions []wireAssistantAction `json:"assistant_actions"`
	CreatedAt        time.Time            `json:"created_at"`
}

type wireUserMessage struct {
	Text string `json:"text"`
}

type wireAssistantAction struct {
	Message             string   `json:"message"`
	Plan                string   `json:"plan"`
	Code                string   `json:"code"`
	CodeOutput          string   `json:"code_output"`
	ArtifactIdentifiers []string `json:"artifact_identifiers"`
}

type wireArtifact struct {
	ArtifactID  string `json:"artifact_id"`
	ContentType string `json:"content_type"`
	Data        any    `json:"data"`
}

type wireError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *wireError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

func (t *wireThread) toDomain() *domain.Thread {
	out := &domain.Thread{ID: t.ThreadID, Title: t.Title}
	for _, wi := range t.Interactions {
		in := domain.Interaction{
			ID:          wi.InteractionID,
			Status:      normalizeStatus(wi.Status),
			UserMessage: wi.UserMessage.Text,
			CreatedAt:   wi.CreatedAt,
		}
		for _, wa := range wi.AssistantActions {
			in.AssistantActions = append(in.AssistantActions, domain.AssistantAction{
				Message:    wa.Message,
				Plan:       wa.Plan,
				Code:       wa.Code,
				CodeOutput: wa.CodeOutput,
				Artifacts:  wa.ArtifactIdentifiers,
			})
		}
		out.Interactions = append(out.Interactions, in)
	}
	return out
}

// normalizeStatus folds the upstream's status vocabulary onto the bridge's
// four states. Unknown values are treated as still processing so pollers keep
// watching rather than failing.
func normalizeStatus(s string) domain.InteractionStatus {
	switch s {
	case "complete", "completed", "success":
		return domain.StatusComplete
	case "cancelled", "canceled":
		return domain.StatusCancelled
	case "error", "failed":
		return domain.StatusError
	default:
		return domain.StatusProcessing
	}
}
