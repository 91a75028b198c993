// Package events provides real-time event delivery to chat clients via
// WebSocket, with PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
//
// Durable event kinds are persisted to the events table and broadcast via
// NOTIFY in one transaction; token deltas and typing indicators are
// broadcast transiently and lost on disconnect. Clients reconstruct state
// from the durable events plus a catch-up query on subscribe.
package events

// Durable event kinds (stored in DB + NOTIFY).
const (
	EventClassified       = "classified"
	EventModelSelected    = "model_selected"
	EventAgentSwitched    = "agent_switched"
	EventAssistantMessage = "assistant_message"
	EventError            = "error"
	EventDone             = "done"
)

// Transient event kinds (NOTIFY only, no DB persistence).
const (
	EventTypingStart = "typing_start"
	EventTokenDelta  = "token_delta"
	EventTypingEnd   = "typing_end"
)

// ConversationChannel returns the NOTIFY channel for a conversation.
// Format: "conversation:{conversation_id}"
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// Client actions handled by the hub itself.
const (
	ActionJoinConversation  = "join_conversation"
	ActionLeaveConversation = "leave_conversation"
	ActionCatchup           = "catchup"
	ActionPing              = "ping"
)

// Client actions delegated to the installed command handler.
const (
	ActionMessage  = "message"
	ActionTyping   = "typing"
	ActionFeedback = "feedback"
)

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`

	// Content and Agent apply to the "message" action. Agent, when set,
	// pins a specialist and skips classification.
	Content string `json:"content,omitempty"`
	Agent   string `json:"agent,omitempty"`

	// MessageID, Feedback, and Comments apply to the "feedback" action.
	MessageID string `json:"message_id,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	Comments  string `json:"comments,omitempty"`

	// LastEventID applies to the "catchup" action.
	LastEventID *int64 `json:"last_event_id,omitempty"`
}
