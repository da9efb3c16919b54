// Package services implements typed persistence APIs over the relational
// store: sessions, messages, conversations, and the memory store. All state
// changes go through these services; callers never touch SQL directly.
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

// sessionColumns is the scan order shared by all session queries.
const sessionColumns = `id, owner_id, state, intent, category, plan_id,
	iteration, budget_spent, budget_limit, artifacts, final_promise, error,
	started_at, completed_at, claimed_by, claimed_at, heartbeat_at,
	created_at, updated_at`

// SessionService manages session lifecycle and worker-pool claims
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService
func NewSessionService(client *database.Client) *SessionService {
	return &SessionService{db: client.DB()}
}

// CreateSession creates a new session in state created
func (s *SessionService) CreateSession(_ context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.Intent == "" {
		return nil, NewValidationError("intent", "required")
	}
	if req.BudgetLimit < 0 {
		return nil, NewValidationError("budget_limit", "must not be negative")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	session := &models.Session{
		ID:          uuid.New().String(),
		OwnerID:     req.OwnerID,
		State:       models.SessionStateCreated,
		Intent:      req.Intent,
		BudgetLimit: req.BudgetLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, state, intent, budget_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OwnerID, session.State, session.Intent,
		session.BudgetLimit, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// GetSession retrieves a session by ID
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListSessions lists sessions with filtering and pagination
func (s *SessionService) ListSessions(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	where := "1=1"
	args := []any{}
	if filters.State != nil {
		where += " AND state = ?"
		args = append(args, *filters.State)
	}
	if filters.OwnerID != nil {
		where += " AND owner_id = ?"
		args = append(args, *filters.OwnerID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 20 // Default
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return &models.SessionListResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}, nil
}

// TransitionState moves a session to the next state, enforcing the session
// transition table. Entering executing stamps started_at once; entering a
// terminal state stamps completed_at.
func (s *SessionService) TransitionState(ctx context.Context, sessionID string, next models.SessionState) error {
	if !next.IsValid() {
		return NewValidationError("state", fmt.Sprintf("unknown state %q", next))
	}

	current, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !current.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, next)
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	query := "UPDATE sessions SET state = ?, updated_at = ?"
	args := []any{next, now}
	if next == models.SessionStateExecuting {
		query += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	}
	if next.IsTerminal() {
		query += ", completed_at = ?"
		args = append(args, now)
	}
	// The state guard turns lost races into a typed error instead of a
	// silent double transition.
	query += " WHERE id = ? AND state = ?"
	args = append(args, sessionID, current.State)

	result, err := s.db.ExecContext(writeCtx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	if affected == 0 {
		return ErrConcurrentModification
	}

	return nil
}

// RecordPlan stores the routing category and sealed plan id on the session
func (s *SessionService) RecordPlan(ctx context.Context, sessionID, planID, category string) error {
	return s.updateSession(ctx, sessionID,
		"plan_id = ?, category = ?", planID, category)
}

// RecordProgress persists the iteration counter and budget spent so far
func (s *SessionService) RecordProgress(ctx context.Context, sessionID string, iteration int, budgetSpent float64) error {
	return s.updateSession(ctx, sessionID,
		"iteration = ?, budget_spent = ?", iteration, budgetSpent)
}

// RecordOutcome stores the final promise and error text
func (s *SessionService) RecordOutcome(ctx context.Context, sessionID, finalPromise, errText string) error {
	return s.updateSession(ctx, sessionID,
		"final_promise = ?, error = ?", finalPromise, errText)
}

// AppendArtifacts adds artifact references to the session, skipping duplicates
func (s *SessionService) AppendArtifacts(ctx context.Context, sessionID string, artifacts ...string) error {
	if len(artifacts) == 0 {
		return nil
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	merged := appendUnique(session.Artifacts, artifacts...)
	encoded, err := encodeStrings(merged)
	if err != nil {
		return err
	}

	return s.updateSession(ctx, sessionID, "artifacts = ?", encoded)
}

// ClaimNextCreatedSession atomically claims the oldest unclaimed session in
// state created. Returns nil when no session is waiting.
func (s *SessionService) ClaimNextCreatedSession(ctx context.Context, workerID string) (*models.Session, error) {
	if workerID == "" {
		return nil, NewValidationError("worker_id", "required")
	}

	// Use background context with timeout
	claimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(claimCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionID string
	err = tx.QueryRowContext(claimCtx, `
		SELECT id FROM sessions
		WHERE state = ? AND claimed_by = ''
		ORDER BY created_at ASC LIMIT 1`,
		models.SessionStateCreated,
	).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No sessions waiting
		}
		return nil, fmt.Errorf("failed to query unclaimed session: %w", err)
	}

	// Conditional update: only claim if still unclaimed
	now := time.Now().UTC()
	result, err := tx.ExecContext(claimCtx, `
		UPDATE sessions
		SET claimed_by = ?, claimed_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ''`,
		workerID, now, now, now, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}
	if affected == 0 {
		// Claimed by another worker between the select and the update
		return nil, nil
	}

	row := tx.QueryRowContext(claimCtx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to refetch claimed session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return session, nil
}

// Heartbeat refreshes the claim liveness marker for a claimed session
func (s *SessionService) Heartbeat(ctx context.Context, sessionID, workerID string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		now, now, sessionID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to heartbeat session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to heartbeat session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseClaim clears claim bookkeeping so another worker may pick the
// session up again
func (s *SessionService) ReleaseClaim(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, sessionID,
		"claimed_by = '', claimed_at = NULL, heartbeat_at = NULL")
}

// FindStaleClaims finds claimed, unfinished sessions whose heartbeat is older
// than the timeout. These are candidates for requeueing after a worker died.
func (s *SessionService) FindStaleClaims(ctx context.Context, timeout time.Duration) ([]*models.Session, error) {
	threshold := time.Now().UTC().Add(-timeout)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE claimed_by != ''
		  AND state NOT IN (?, ?, ?)
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < ?`,
		models.SessionStateCompleted, models.SessionStateFailed,
		models.SessionStateTerminated, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale claims: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to find stale claims: %w", err)
	}

	return sessions, nil
}

// DeleteOldSessions removes terminal sessions completed before the retention
// cutoff, along with their messages. Returns the number of sessions removed.
func (s *SessionService) DeleteOldSessions(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention_days must be positive, got %d", retentionDays)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	// Use background context with timeout
	deleteCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(deleteCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(deleteCtx, `
		DELETE FROM messages WHERE session_id IN (
			SELECT id FROM sessions
			WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
		)`,
		models.SessionStateCompleted, models.SessionStateFailed,
		models.SessionStateTerminated, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}

	result, err := tx.ExecContext(deleteCtx, `
		DELETE FROM sessions
		WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		models.SessionStateCompleted, models.SessionStateFailed,
		models.SessionStateTerminated, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	return int(affected), nil
}

// DeleteSession removes a session and its messages regardless of state.
// Explicit destroy; retention-based cleanup goes through DeleteOldSessions.
func (s *SessionService) DeleteSession(_ context.Context, sessionID string) error {
	deleteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(deleteCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(deleteCtx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}

	result, err := tx.ExecContext(deleteCtx,
		`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// updateSession runs a partial update and maps missing rows to ErrNotFound.
func (s *SessionService) updateSession(_ context.Context, sessionID, setClause string, args ...any) error {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := "UPDATE sessions SET " + setClause + ", updated_at = ? WHERE id = ?"
	args = append(args, time.Now().UTC(), sessionID)

	result, err := s.db.ExecContext(writeCtx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session     models.Session
		artifacts   string
		startedAt   sql.NullTime
		completedAt sql.NullTime
		claimedAt   sql.NullTime
		heartbeatAt sql.NullTime
	)

	err := row.Scan(
		&session.ID, &session.OwnerID, &session.State, &session.Intent,
		&session.Category, &session.PlanID, &session.Iteration,
		&session.BudgetSpent, &session.BudgetLimit, &artifacts,
		&session.FinalPromise, &session.Error, &startedAt, &completedAt,
		&session.ClaimedBy, &claimedAt, &heartbeatAt,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Artifacts, err = decodeStrings(artifacts)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		session.StartedAt = startedAt.Time.UTC()
	}
	session.CompletedAt = timePtr(completedAt)
	session.ClaimedAt = timePtr(claimedAt)
	session.HeartbeatAt = timePtr(heartbeatAt)
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()

	return &session, nil
}
