package models

import "time"

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one committed turn in a conversation.
//
// Seq is dense and strictly increasing per conversation; messages are never
// updated or reordered once committed.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	AgentType      AgentType `json:"agent_type,omitempty"`
	TierUsed       Tier      `json:"tier_used,omitempty"`
	TokensIn       int       `json:"tokens_in,omitempty"`
	TokensOut      int       `json:"tokens_out,omitempty"`
	Feedback       string    `json:"feedback,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendMessageRequest contains fields for appending a message to a
// conversation. Seq and timestamps are server-assigned.
type AppendMessageRequest struct {
	ConversationID string
	Role           Role
	Content        string
	AgentType      AgentType
	TierUsed       Tier
	TokensIn       int
	TokensOut      int
}

// ChatMessage is the provider-facing message shape submitted to an LLM call.
// It carries no storage identity, only what the model sees.
type ChatMessage struct {
	Role    Role
	Content string
}
