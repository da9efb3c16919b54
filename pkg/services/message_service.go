package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/database"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// messageColumns is the scan order shared by all message queries.
const messageColumns = `id, session_id, parent_id, thread_id, author, kind,
	content, status, linked_tasks, created_at, updated_at`

// LinkedTaskChecker reports which of the given task ids are not yet
// completed. The session's task manager implements it.
type LinkedTaskChecker interface {
	IncompleteTasks(ids []string) []string
}

// MessageService manages conversation messages. User messages gate session
// termination: they need a linked task before processing and every linked
// task must be completed before the message may be completed.
type MessageService struct {
	db *sql.DB
}

// NewMessageService creates a new MessageService
func NewMessageService(client *database.Client) *MessageService {
	return &MessageService{db: client.DB()}
}

// CreateMessage creates a new message in status pending. Messages with a
// parent join the parent's thread; root messages start their own.
func (s *MessageService) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	if req.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if req.Kind == "" {
		return nil, NewValidationError("kind", "required")
	}
	if !req.Kind.IsValid() {
		return nil, NewValidationError("kind", fmt.Sprintf("unknown kind %q", req.Kind))
	}
	if req.Content == "" {
		return nil, NewValidationError("content", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	msg := &models.Message{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		ParentID:    req.ParentID,
		Author:      req.Author,
		Kind:        req.Kind,
		Content:     req.Content,
		Status:      models.MessageStatusPending,
		LinkedTasks: appendUnique(nil, req.LinkedTasks...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	msg.ThreadID = msg.ID
	if req.ParentID != "" {
		parent, err := s.GetMessage(ctx, req.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, NewValidationError("parent_id", "parent message not found")
			}
			return nil, err
		}
		msg.ThreadID = parent.ThreadID
	}

	linked, err := encodeStrings(msg.LinkedTasks)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, parent_id, thread_id, author, kind, content, status, linked_tasks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.ParentID, msg.ThreadID, msg.Author,
		msg.Kind, msg.Content, msg.Status, linked, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return msg, nil
}

// GetMessage retrieves a message by ID
func (s *MessageService) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return msg, nil
}

// ListSessionMessages retrieves all messages for a session in creation order
func (s *MessageService) ListSessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.listMessages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY created_at ASC", sessionID)
}

// ListThread retrieves all messages in a thread in creation order
func (s *MessageService) ListThread(ctx context.Context, threadID string) ([]*models.Message, error) {
	return s.listMessages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE thread_id = ? ORDER BY created_at ASC", threadID)
}

// ListIncompleteLinkedMessages returns the session's messages that are not
// completed and carry linked tasks. The stop hook checks these against the
// task ledger before allowing termination.
func (s *MessageService) ListIncompleteLinkedMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	messages, err := s.listMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND status != ? AND linked_tasks != '[]'
		ORDER BY created_at ASC`,
		sessionID, models.MessageStatusCompleted)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// LinkTasks adds task ids to the message's linked set, skipping duplicates.
// Linked tasks only grow; there is no unlink.
func (s *MessageService) LinkTasks(ctx context.Context, messageID string, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return NewValidationError("task_ids", "required")
	}

	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}

	merged := appendUnique(msg.LinkedTasks, taskIDs...)
	encoded, err := encodeStrings(merged)
	if err != nil {
		return err
	}

	return s.updateMessage(ctx, messageID, "linked_tasks = ?", encoded)
}

// MarkProcessing moves a message from pending to processing. User messages
// must have at least one linked task first.
func (s *MessageService) MarkProcessing(ctx context.Context, messageID string) error {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.Status.CanTransitionTo(models.MessageStatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, models.MessageStatusProcessing)
	}
	if msg.Kind.IsUser() && len(msg.LinkedTasks) == 0 {
		return ErrLinkedTasksRequired
	}

	return s.transitionStatus(ctx, messageID, msg.Status, models.MessageStatusProcessing)
}

// CompleteMessage marks a message completed. A message with linked tasks may
// only be completed once the checker confirms all of them are completed.
func (s *MessageService) CompleteMessage(ctx context.Context, messageID string, check LinkedTaskChecker) error {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.Status.CanTransitionTo(models.MessageStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, models.MessageStatusCompleted)
	}
	if len(msg.LinkedTasks) > 0 {
		if check == nil {
			return fmt.Errorf("%w: no task checker for message %s", ErrLinkedTasksIncomplete, messageID)
		}
		if incomplete := check.IncompleteTasks(msg.LinkedTasks); len(incomplete) > 0 {
			return fmt.Errorf("%w: %s", ErrLinkedTasksIncomplete, strings.Join(incomplete, ", "))
		}
	}

	return s.transitionStatus(ctx, messageID, msg.Status, models.MessageStatusCompleted)
}

// MarkFailed marks a message failed
func (s *MessageService) MarkFailed(ctx context.Context, messageID string) error {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.Status.CanTransitionTo(models.MessageStatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, models.MessageStatusFailed)
	}

	return s.transitionStatus(ctx, messageID, msg.Status, models.MessageStatusFailed)
}

// CreateApprovalRequest creates a pending approval-request message
func (s *MessageService) CreateApprovalRequest(ctx context.Context, sessionID, author, content string) (*models.Message, error) {
	return s.CreateMessage(ctx, models.CreateMessageRequest{
		SessionID: sessionID,
		Author:    author,
		Kind:      models.MessageKindApprovalRequest,
		Content:   content,
	})
}

// RespondToApproval records a decision for a pending approval request. The
// response message carries the decision as JSON and the request is completed.
func (s *MessageService) RespondToApproval(ctx context.Context, requestID, author string, decision models.ApprovalDecision) (*models.Message, error) {
	request, err := s.GetMessage(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Kind != models.MessageKindApprovalRequest {
		return nil, NewValidationError("request_id", "message is not an approval request")
	}
	if request.Status == models.MessageStatusCompleted {
		return nil, ErrAlreadyExists
	}

	content, err := json.Marshal(decision)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval decision: %w", err)
	}

	response, err := s.CreateMessage(ctx, models.CreateMessageRequest{
		SessionID: request.SessionID,
		ParentID:  request.ID,
		Author:    author,
		Kind:      models.MessageKindApprovalResponse,
		Content:   string(content),
	})
	if err != nil {
		return nil, err
	}

	if err := s.transitionStatus(ctx, request.ID, request.Status, models.MessageStatusCompleted); err != nil {
		return nil, err
	}

	return response, nil
}

// FindApprovalResponse returns the decision recorded for an approval request,
// or ErrNotFound while the request is still waiting.
func (s *MessageService) FindApprovalResponse(ctx context.Context, requestID string) (*models.ApprovalDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE parent_id = ? AND kind = ?
		ORDER BY created_at ASC LIMIT 1`,
		requestID, models.MessageKindApprovalResponse)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find approval response: %w", err)
	}

	var decision models.ApprovalDecision
	if err := json.Unmarshal([]byte(msg.Content), &decision); err != nil {
		return nil, fmt.Errorf("failed to decode approval decision: %w", err)
	}

	return &decision, nil
}

// transitionStatus updates status with a guard on the expected current status.
func (s *MessageService) transitionStatus(_ context.Context, messageID string, current, next models.MessageStatus) error {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.db.ExecContext(writeCtx, `
		UPDATE messages SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		next, time.Now().UTC(), messageID, current,
	)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if affected == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// updateMessage runs a partial update and maps missing rows to ErrNotFound.
func (s *MessageService) updateMessage(_ context.Context, messageID, setClause string, args ...any) error {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := "UPDATE messages SET " + setClause + ", updated_at = ? WHERE id = ?"
	args = append(args, time.Now().UTC(), messageID)

	result, err := s.db.ExecContext(writeCtx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MessageService) listMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return messages, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg    models.Message
		linked string
	)

	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.ParentID, &msg.ThreadID, &msg.Author,
		&msg.Kind, &msg.Content, &msg.Status, &linked,
		&msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.LinkedTasks, err = decodeStrings(linked)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()

	return &msg, nil
}
