package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/database"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

const conversationColumns = `id, user_id, session_id, message_ids, task_ids,
	state, created_at, updated_at`

// ConversationService manages conversation threads over session messages
type ConversationService struct {
	db *sql.DB
}

// NewConversationService creates a new ConversationService
func NewConversationService(client *database.Client) *ConversationService {
	return &ConversationService{db: client.DB()}
}

// CreateConversation creates an active conversation for a user and session
func (s *ConversationService) CreateConversation(_ context.Context, userID, sessionID string) (*models.Conversation, error) {
	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		SessionID: sessionID,
		State:     models.ConversationStateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, session_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.SessionID, conv.State, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

// GetConversation retrieves a conversation by ID
func (s *ConversationService) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conv, nil
}

// GetSessionConversation retrieves the conversation attached to a session
func (s *ConversationService) GetSessionConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE session_id = ? ORDER BY created_at ASC LIMIT 1`, sessionID)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session conversation: %w", err)
	}

	return conv, nil
}

// AppendMessage adds a message id to the conversation's ordered list
func (s *ConversationService) AppendMessage(ctx context.Context, conversationID, messageID string) error {
	if messageID == "" {
		return NewValidationError("message_id", "required")
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	encoded, err := encodeStrings(append(conv.MessageIDs, messageID))
	if err != nil {
		return err
	}

	return s.updateConversation(ctx, conversationID, "message_ids = ?", encoded)
}

// LinkTask adds a task id to the conversation, skipping duplicates
func (s *ConversationService) LinkTask(ctx context.Context, conversationID, taskID string) error {
	if taskID == "" {
		return NewValidationError("task_id", "required")
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	encoded, err := encodeStrings(appendUnique(conv.TaskIDs, taskID))
	if err != nil {
		return err
	}

	return s.updateConversation(ctx, conversationID, "task_ids = ?", encoded)
}

// TransitionState moves the conversation to a new state. Archived is final.
func (s *ConversationService) TransitionState(ctx context.Context, conversationID string, next models.ConversationState) error {
	if !next.IsValid() {
		return NewValidationError("state", fmt.Sprintf("unknown state %q", next))
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.State == models.ConversationStateArchived {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conv.State, next)
	}

	return s.updateConversation(ctx, conversationID, "state = ?", next)
}

// updateConversation runs a partial update and maps missing rows to ErrNotFound.
func (s *ConversationService) updateConversation(_ context.Context, conversationID, setClause string, args ...any) error {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := "UPDATE conversations SET " + setClause + ", updated_at = ? WHERE id = ?"
	args = append(args, time.Now().UTC(), conversationID)

	result, err := s.db.ExecContext(writeCtx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv       models.Conversation
		messageIDs string
		taskIDs    string
	)

	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.SessionID, &messageIDs, &taskIDs,
		&conv.State, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.MessageIDs, err = decodeStrings(messageIDs)
	if err != nil {
		return nil, err
	}
	conv.TaskIDs, err = decodeStrings(taskIDs)
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()

	return &conv, nil
}
