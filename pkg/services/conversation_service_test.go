package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// Validation paths return before any database access, so a nil handle is
// fine here. Query behavior is covered by integration tests with a real
// Postgres.

func TestCreateConversationRequiresOwner(t *testing.T) {
	s := NewConversationService(nil)

	_, err := s.CreateConversation(context.Background(), models.CreateConversationRequest{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "owner_id")
}

func TestGetConversationRequiresID(t *testing.T) {
	s := NewConversationService(nil)

	_, err := s.GetConversation(context.Background(), "")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestOwnsConversationEmptyArgs(t *testing.T) {
	s := NewConversationService(nil)

	owns, err := s.OwnsConversation(context.Background(), "", "conv-1")
	require.NoError(t, err)
	assert.False(t, owns)

	owns, err = s.OwnsConversation(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.False(t, owns)
}

func TestAppendValidation(t *testing.T) {
	s := NewConversationService(nil)

	tests := []struct {
		name  string
		req   models.AppendMessageRequest
		field string
	}{
		{
			name:  "missing conversation id",
			req:   models.AppendMessageRequest{Role: models.RoleUser, Content: "hi"},
			field: "conversation_id",
		},
		{
			name:  "unknown role",
			req:   models.AppendMessageRequest{ConversationID: "c1", Role: models.Role("narrator"), Content: "hi"},
			field: "role",
		},
		{
			name:  "empty content",
			req:   models.AppendMessageRequest{ConversationID: "c1", Role: models.RoleUser},
			field: "content",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestListMessagesRequiresID(t *testing.T) {
	s := NewConversationService(nil)

	_, err := s.ListMessages(context.Background(), "", 0)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestDeleteConversationRequiresID(t *testing.T) {
	s := NewConversationService(nil)

	err := s.DeleteConversation(context.Background(), "")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestSetFeedbackValidation(t *testing.T) {
	s := NewConversationService(nil)

	err := s.SetFeedback(context.Background(), "", "positive", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message_id")

	err = s.SetFeedback(context.Background(), "m1", "meh", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feedback")
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(NewValidationError("f", "m")))
	assert.False(t, IsValidationError(ErrNotFound))
}
