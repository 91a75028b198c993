package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/avitech-ai/aeromind/pkg/events"
	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/orchestrator"
)

// CommandBridge connects hub client actions to the orchestrator and
// conversation store. Installed on the hub during startup.
type CommandBridge struct {
	runner        Runner
	conversations ConversationStore
	hub           *events.Hub
	logger        *slog.Logger
}

// NewCommandBridge creates the bridge.
func NewCommandBridge(runner Runner, conversations ConversationStore, hub *events.Hub, logger *slog.Logger) *CommandBridge {
	return &CommandBridge{
		runner:        runner,
		conversations: conversations,
		hub:           hub,
		logger:        logger.With("component", "command_bridge"),
	}
}

var _ events.CommandHandler = (*CommandBridge)(nil)

// HandleMessage starts a run for a chat message sent over the WebSocket.
// The run executes in the background; progress and the reply arrive as
// events on the conversation channel.
func (b *CommandBridge) HandleMessage(_ context.Context, sess *events.Session, msg *events.ClientMessage) {
	if msg.ConversationID == "" || msg.Content == "" {
		sess.Send(map[string]string{
			"type":    "error",
			"message": "conversation_id and content are required",
		})
		return
	}

	var forced models.AgentType
	if msg.Agent != "" {
		forced = models.AgentType(msg.Agent)
		if !forced.Valid() {
			sess.Send(map[string]string{"type": "error", "message": "unknown agent"})
			return
		}
	}

	// The run outlives the triggering read; it is cancelled through the
	// session registry when the client disconnects, not by this context.
	go func() {
		_, err := b.runner.Execute(context.Background(), orchestrator.RunRequest{
			ConversationID: msg.ConversationID,
			OwnerID:        sess.UserID,
			Query:          msg.Content,
			ForcedAgent:    forced,
			SessionID:      sess.ID,
		})
		if err != nil {
			// The failure already reached the client as an error event.
			b.logger.Debug("websocket run failed",
				"session_id", sess.ID, "conversation_id", msg.ConversationID, "error", err)
		}
	}()
}

// HandleTyping relays a user typing indicator to the conversation's local
// subscribers. Transient: not persisted, not distributed across pods.
func (b *CommandBridge) HandleTyping(_ context.Context, sess *events.Session, msg *events.ClientMessage) {
	if msg.ConversationID == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"type":            "user_typing",
		"conversation_id": msg.ConversationID,
		"user_id":         sess.UserID,
	})
	if err != nil {
		return
	}
	b.hub.Broadcast(events.ConversationChannel(msg.ConversationID), payload)
}

// HandleFeedback records feedback on an assistant message.
func (b *CommandBridge) HandleFeedback(ctx context.Context, sess *events.Session, msg *events.ClientMessage) {
	if err := b.conversations.SetFeedback(ctx, msg.MessageID, msg.Feedback, msg.Comments); err != nil {
		sess.Send(map[string]string{
			"type":       "feedback.error",
			"message_id": msg.MessageID,
			"message":    "failed to record feedback",
		})
		b.logger.Warn("failed to record feedback",
			"session_id", sess.ID, "message_id", msg.MessageID, "error", err)
		return
	}
	sess.Send(map[string]string{
		"type":       "feedback.recorded",
		"message_id": msg.MessageID,
	})
}

// SessionClosed cancels every run the session started.
func (b *CommandBridge) SessionClosed(sessionID string) {
	b.runner.CancelSession(sessionID)
}
