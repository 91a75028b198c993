package models

import "time"

// Conversation is a durable, append-only transcript owned by a single user.
//
// Mutable fields are limited to Title, UpdatedAt, TurnCount, AgentHint and
// the cached summary pair; everything else is fixed at creation.
type Conversation struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Title     string     `json:"title"`
	AgentHint AgentType  `json:"agent_hint,omitempty"`
	TurnCount int        `json:"turn_count"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Cached history summary. SummaryUptoSeq is the seq of the last message
	// covered by SummaryContent; zero means no cached summary. A new
	// assistant turn invalidates the cache (the covered range no longer
	// matches the excluded prefix).
	SummaryContent string `json:"-"`
	SummaryUptoSeq int64  `json:"-"`
}

// CreateConversationRequest contains fields for creating a conversation.
type CreateConversationRequest struct {
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
}
