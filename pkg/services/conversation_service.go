package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// ConversationService owns the durable conversation transcript: atomic
// appends with server-assigned dense sequence numbers, ordered reads, and
// the cached history summary.
//
// All mutations of a conversation happen under the orchestrator's
// per-conversation lock; the service still guards its own invariants
// (unique seq, assistant-follows-user) at the SQL level.
type ConversationService struct {
	db *sql.DB
}

// NewConversationService creates a new ConversationService.
func NewConversationService(db *sql.DB) *ConversationService {
	return &ConversationService{db: db}
}

const conversationColumns = `id, owner_id, title, agent_hint, turn_count,
	summary_content, summary_upto_seq, created_at, updated_at, deleted_at`

// CreateConversation creates a new conversation owned by ownerID.
func (s *ConversationService) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (*models.Conversation, error) {
	if req.OwnerID == "" {
		return nil, NewValidationError("owner_id", "required")
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		OwnerID:   req.OwnerID,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, title, agent_hint, turn_count,
			summary_content, summary_upto_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, '', 0, '', 0, $4, $4)`,
		conv.ID, conv.OwnerID, conv.Title, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation by id. Soft-deleted conversations
// surface ErrNotFound.
func (s *ConversationService) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, NewValidationError("conversation_id", "required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return conv, nil
}

// OwnsConversation reports whether ownerID owns a live conversation.
func (s *ConversationService) OwnsConversation(ctx context.Context, ownerID, conversationID string) (bool, error) {
	if ownerID == "" || conversationID == "" {
		return false, nil
	}

	var owns bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL)`,
		conversationID, ownerID).Scan(&owns)
	if err != nil {
		return false, fmt.Errorf("failed to check ownership: %w", err)
	}
	return owns, nil
}

// Append atomically appends a message, assigning the next dense seq and
// updating the conversation's turn_count and updated_at in the same
// transaction. An assistant append also records the specialist as the
// conversation's agent hint (atomic with the append).
func (s *ConversationService) Append(ctx context.Context, req models.AppendMessageRequest) (*models.Message, error) {
	if req.ConversationID == "" {
		return nil, NewValidationError("conversation_id", "required")
	}
	if !req.Role.Valid() {
		return nil, NewValidationError("role", "unknown role")
	}
	if req.Content == "" {
		return nil, NewValidationError("content", "required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the conversation row; turn_count doubles as the last assigned seq.
	var turnCount int64
	var deletedAt *time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT turn_count, deleted_at FROM conversations WHERE id = $1 FOR UPDATE`,
		req.ConversationID).Scan(&turnCount, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock conversation: %w", err)
	}
	if deletedAt != nil {
		return nil, ErrConversationDeleted
	}

	// An assistant message must directly follow a user message.
	if req.Role == models.RoleAssistant {
		var lastRole models.Role
		err = tx.QueryRowContext(ctx,
			`SELECT role FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT 1`,
			req.ConversationID).Scan(&lastRole)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrSequenceViolation
			}
			return nil, fmt.Errorf("failed to read last message: %w", err)
		}
		if lastRole != models.RoleUser {
			return nil, ErrSequenceViolation
		}
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Seq:            turnCount + 1,
		Role:           req.Role,
		Content:        req.Content,
		AgentType:      req.AgentType,
		TierUsed:       req.TierUsed,
		TokensIn:       req.TokensIn,
		TokensOut:      req.TokensOut,
		CreatedAt:      now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, agent_type,
			tier_used, tokens_in, tokens_out, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.Role, msg.Content, msg.AgentType,
		msg.TierUsed, msg.TokensIn, msg.TokensOut, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if req.Role == models.RoleAssistant && req.AgentType != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET turn_count = $2, updated_at = $3, agent_hint = $4 WHERE id = $1`,
			req.ConversationID, msg.Seq, now, req.AgentType)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET turn_count = $2, updated_at = $3 WHERE id = $1`,
			req.ConversationID, msg.Seq, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in seq order. A limit of 0
// returns everything; a positive limit returns the newest messages, still
// emitted oldest-first.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, NewValidationError("conversation_id", "required")
	}

	query := `SELECT id, conversation_id, seq, role, content, agent_type, tier_used,
			tokens_in, tokens_out, feedback, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY seq`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, conversation_id, seq, role, content, agent_type, tier_used,
				tokens_in, tokens_out, feedback, created_at
			FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content,
			&m.AgentType, &m.TierUsed, &m.TokensIn, &m.TokensOut, &m.Feedback, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// DeleteConversation soft-deletes the conversation and cascade-deletes its
// messages and stored events. Returns ErrNotFound for unknown or already
// deleted conversations.
func (s *ConversationService) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return NewValidationError("conversation_id", "required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// UpdateSummaryCache stores the summary covering messages up to uptoSeq.
func (s *ConversationService) UpdateSummaryCache(ctx context.Context, conversationID, content string, uptoSeq int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET summary_content = $2, summary_upto_seq = $3 WHERE id = $1`,
		conversationID, content, uptoSeq)
	if err != nil {
		return fmt.Errorf("failed to update summary cache: %w", err)
	}
	return nil
}

// SetFeedback records user feedback on an assistant message.
func (s *ConversationService) SetFeedback(ctx context.Context, messageID, feedback, comments string) error {
	if messageID == "" {
		return NewValidationError("message_id", "required")
	}
	if feedback != "positive" && feedback != "negative" {
		return NewValidationError("feedback", "must be positive or negative")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET feedback = $2, feedback_comments = $3 WHERE id = $1 AND role = 'assistant'`,
		messageID, feedback, comments)
	if err != nil {
		return fmt.Errorf("failed to set feedback: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read feedback result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanConversation scans a conversation row.
func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.AgentHint, &c.TurnCount,
		&c.SummaryContent, &c.SummaryUptoSeq, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
