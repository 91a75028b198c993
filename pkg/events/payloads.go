package events

import (
	"github.com/avitech-ai/aeromind/pkg/models"
)

// ClassifiedPayload announces the routing decision for a run.
type ClassifiedPayload struct {
	RunID        string           `json:"run_id"`
	Agent        models.AgentType `json:"agent"`
	AgentName    string           `json:"agent_name"`
	Confidence   float64          `json:"confidence"`
	Forced       bool             `json:"forced,omitempty"`
	FallbackFrom string           `json:"fallback_from,omitempty"`
}

// ModelSelectedPayload announces the tier decision for a run.
type ModelSelectedPayload struct {
	RunID  string        `json:"run_id"`
	Tier   models.Tier   `json:"tier"`
	Chain  []models.Tier `json:"chain"`
	Reason string        `json:"reason"`
}

// AgentSwitchedPayload announces a specialist change from the previous turn.
type AgentSwitchedPayload struct {
	RunID string           `json:"run_id"`
	From  models.AgentType `json:"from"`
	To    models.AgentType `json:"to"`
}

// TypingPayload marks the start or end of response generation.
type TypingPayload struct {
	RunID string           `json:"run_id"`
	Agent models.AgentType `json:"agent"`
}

// TokenDeltaPayload carries one streamed text fragment. Transient.
type TokenDeltaPayload struct {
	RunID string `json:"run_id"`
	Delta string `json:"delta"`
}

// AssistantMessagePayload carries the committed assistant reply.
type AssistantMessagePayload struct {
	RunID     string           `json:"run_id"`
	MessageID string           `json:"message_id"`
	Seq       int64            `json:"seq"`
	Agent     models.AgentType `json:"agent"`
	AgentName string           `json:"agent_name"`
	Tier      models.Tier      `json:"tier"`
	Content   string           `json:"content"`
	Warning   string           `json:"warning,omitempty"`
}

// ErrorPayload surfaces a run failure. Message never carries internal detail.
type ErrorPayload struct {
	RunID   string           `json:"run_id,omitempty"`
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// DonePayload terminates a run's event stream.
type DonePayload struct {
	RunID   string         `json:"run_id"`
	Outcome models.Outcome `json:"outcome"`
}
