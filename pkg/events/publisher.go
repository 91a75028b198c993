package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// notifyLimit is the safe payload size under PostgreSQL's 8000-byte NOTIFY
// cap. Larger durable payloads are replaced by a truncation envelope; the
// client fetches the full event by db_event_id.
const notifyLimit = 7900

// envelope is the wire shape of every server event.
type envelope struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Ts             time.Time `json:"ts"`
	Payload        any       `json:"payload"`
}

// Publisher publishes conversation events for WebSocket delivery.
//
// Durable kinds are stored in the events table then broadcast via NOTIFY in
// the same transaction, so an event is either both persisted and announced
// or neither. Transient kinds (token deltas, typing) are NOTIFY-only.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher over the database handle.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishClassified persists and broadcasts a classified event.
func (p *Publisher) PublishClassified(ctx context.Context, conversationID string, payload ClassifiedPayload) error {
	return p.durable(ctx, conversationID, EventClassified, payload)
}

// PublishModelSelected persists and broadcasts a model_selected event.
func (p *Publisher) PublishModelSelected(ctx context.Context, conversationID string, payload ModelSelectedPayload) error {
	return p.durable(ctx, conversationID, EventModelSelected, payload)
}

// PublishAgentSwitched persists and broadcasts an agent_switched event.
func (p *Publisher) PublishAgentSwitched(ctx context.Context, conversationID string, payload AgentSwitchedPayload) error {
	return p.durable(ctx, conversationID, EventAgentSwitched, payload)
}

// PublishAssistantMessage persists and broadcasts the committed reply.
func (p *Publisher) PublishAssistantMessage(ctx context.Context, conversationID string, payload AssistantMessagePayload) error {
	return p.durable(ctx, conversationID, EventAssistantMessage, payload)
}

// PublishError persists and broadcasts an error event.
func (p *Publisher) PublishError(ctx context.Context, conversationID string, payload ErrorPayload) error {
	return p.durable(ctx, conversationID, EventError, payload)
}

// PublishDone persists and broadcasts the terminal done event.
func (p *Publisher) PublishDone(ctx context.Context, conversationID string, payload DonePayload) error {
	return p.durable(ctx, conversationID, EventDone, payload)
}

// PublishTypingStart broadcasts a transient typing_start event.
func (p *Publisher) PublishTypingStart(ctx context.Context, conversationID string, payload TypingPayload) error {
	return p.transient(ctx, conversationID, EventTypingStart, payload)
}

// PublishTypingEnd broadcasts a transient typing_end event.
func (p *Publisher) PublishTypingEnd(ctx context.Context, conversationID string, payload TypingPayload) error {
	return p.transient(ctx, conversationID, EventTypingEnd, payload)
}

// PublishTokenDelta broadcasts a transient token_delta event.
func (p *Publisher) PublishTokenDelta(ctx context.Context, conversationID string, payload TokenDeltaPayload) error {
	return p.transient(ctx, conversationID, EventTokenDelta, payload)
}

// durable persists the event and fires NOTIFY in a single transaction.
// pg_notify is transactional, so the broadcast is held until COMMIT.
func (p *Publisher) durable(ctx context.Context, conversationID, kind string, payload any) error {
	data, err := json.Marshal(envelope{
		Type:           kind,
		ConversationID: conversationID,
		Ts:             time.Now().UTC(),
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}
	channel := ConversationChannel(conversationID)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (conversation_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		conversationID, channel, data, time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectEventIDAndTruncate(data, eventID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// transient fires NOTIFY without persisting.
func (p *Publisher) transient(ctx context.Context, conversationID, kind string, payload any) error {
	data, err := json.Marshal(envelope{
		Type:           kind,
		ConversationID: conversationID,
		Ts:             time.Now().UTC(),
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}

	notifyPayload, err := truncateIfNeeded(data)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)",
		ConversationChannel(conversationID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectEventIDAndTruncate adds db_event_id to the NOTIFY copy of a durable
// payload so clients can track their catch-up position.
func injectEventIDAndTruncate(data []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for event id injection: %w", err)
	}
	m["db_event_id"] = eventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched payload: %w", err)
	}
	return truncateIfNeeded(enriched)
}

// truncateIfNeeded replaces oversized payloads with a routing-only envelope.
func truncateIfNeeded(data []byte) (string, error) {
	if len(data) <= notifyLimit {
		return string(data), nil
	}

	var routing struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
		DBEventID      *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(data, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":            routing.Type,
		"conversation_id": routing.ConversationID,
		"truncated":       true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	out, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(out), nil
}
