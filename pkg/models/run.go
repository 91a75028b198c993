package models

import "time"

// Outcome is the terminal result of a RequestRun.
type Outcome string

// Run outcomes.
const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ClassificationDecision is the result of routing a query to a specialist.
type ClassificationDecision struct {
	Agent        AgentType `json:"agent"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning,omitempty"`
	Forced       bool      `json:"forced,omitempty"`
	FallbackFrom string    `json:"fallback_from,omitempty"`
}

// ModelDecision is the result of tier selection.
type ModelDecision struct {
	PrimaryTier   Tier    `json:"primary_tier"`
	Chain         []Tier  `json:"chain"`
	Reason        string  `json:"reason"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Attempt records one call to one tier within a RequestRun.
type Attempt struct {
	Tier      Tier      `json:"tier"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Error     string    `json:"error,omitempty"`
}

// RequestRun is one end-to-end execution from user query to assistant reply
// (or failure). Persisted append-only in the ledger.
type RequestRun struct {
	RunID          string                 `json:"run_id"`
	ConversationID string                 `json:"conversation_id"`
	Classification ClassificationDecision `json:"classification"`
	ModelDecision  ModelDecision          `json:"model_decision"`
	Attempts       []Attempt              `json:"attempts"`
	Outcome        Outcome                `json:"outcome"`
	Warning        string                 `json:"warning,omitempty"`
	TotalCost      float64                `json:"total_cost"`
	CreatedAt      time.Time              `json:"created_at"`
}

// TokensUsed sums token usage across all attempts.
func (r *RequestRun) TokensUsed() (in, out int) {
	for _, a := range r.Attempts {
		in += a.TokensIn
		out += a.TokensOut
	}
	return in, out
}
