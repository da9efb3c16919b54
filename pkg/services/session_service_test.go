package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

func TestCreateSession(t *testing.T) {
	svc := NewSessionService(newTestDB(t))
	ctx := context.Background()

	t.Run("creates session in state created", func(t *testing.T) {
		session, err := svc.CreateSession(ctx, models.CreateSessionRequest{
			OwnerID:     "user-1",
			Intent:      "scrape the pricing page",
			BudgetLimit: 5,
		})
		require.NoError(t, err)

		assert.NotEmpty(t, session.ID)
		assert.Equal(t, models.SessionStateCreated, session.State)
		assert.Equal(t, "scrape the pricing page", session.Intent)
		assert.Equal(t, 5.0, session.BudgetLimit)
		assert.Zero(t, session.Iteration)
		assert.False(t, session.CreatedAt.IsZero())

		stored, err := svc.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.ID, stored.ID)
		assert.Equal(t, "user-1", stored.OwnerID)
		assert.True(t, stored.StartedAt.IsZero())
		assert.Nil(t, stored.CompletedAt)
	})

	t.Run("requires intent", func(t *testing.T) {
		_, err := svc.CreateSession(ctx, models.CreateSessionRequest{OwnerID: "user-1"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects negative budget", func(t *testing.T) {
		_, err := svc.CreateSession(ctx, models.CreateSessionRequest{
			Intent:      "check status",
			BudgetLimit: -1,
		})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestGetSessionNotFound(t *testing.T) {
	svc := NewSessionService(newTestDB(t))

	_, err := svc.GetSession(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions(t *testing.T) {
	svc := NewSessionService(newTestDB(t))
	ctx := context.Background()

	first := createTestSession(t, svc, "first intent")
	second := createTestSession(t, svc, "second intent")
	require.NoError(t, svc.TransitionState(ctx, second.ID, models.SessionStatePlanning))

	other, err := svc.CreateSession(ctx, models.CreateSessionRequest{
		OwnerID: "user-2",
		Intent:  "third intent",
	})
	require.NoError(t, err)

	t.Run("lists all with defaults", func(t *testing.T) {
		resp, err := svc.ListSessions(ctx, models.SessionFilters{})
		require.NoError(t, err)

		assert.Equal(t, 3, resp.Total)
		assert.Equal(t, 20, resp.Limit)
		assert.Len(t, resp.Sessions, 3)
		// Newest first.
		assert.Equal(t, other.ID, resp.Sessions[0].ID)
	})

	t.Run("filters by state", func(t *testing.T) {
		state := models.SessionStatePlanning
		resp, err := svc.ListSessions(ctx, models.SessionFilters{State: &state})
		require.NoError(t, err)

		require.Len(t, resp.Sessions, 1)
		assert.Equal(t, second.ID, resp.Sessions[0].ID)
	})

	t.Run("filters by owner", func(t *testing.T) {
		owner := "user-1"
		resp, err := svc.ListSessions(ctx, models.SessionFilters{OwnerID: &owner})
		require.NoError(t, err)

		assert.Equal(t, 2, resp.Total)
		assert.Len(t, resp.Sessions, 2)
	})

	t.Run("paginates", func(t *testing.T) {
		resp, err := svc.ListSessions(ctx, models.SessionFilters{Limit: 1, Offset: 2})
		require.NoError(t, err)

		assert.Equal(t, 3, resp.Total)
		require.Len(t, resp.Sessions, 1)
		assert.Equal(t, first.ID, resp.Sessions[0].ID)
	})
}

func TestTransitionState(t *testing.T) {
	svc := NewSessionService(newTestDB(t))
	ctx := context.Background()

	t.Run("walks the happy path and stamps timestamps", func(t *testing.T) {
		session := createTestSession(t, svc, "deploy the service")

		require.NoError(t, svc.TransitionState(ctx, session.ID, models.SessionStatePlanning))
		require.NoError(t, svc.TransitionState(ctx, session.ID, models.SessionStateExecuting))

		executing, err := svc.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, executing.StartedAt.IsZero())
		firstStart := executing.StartedAt

		require.NoError(t, svc.TransitionState(ctx, session.ID, models.SessionStatePaused))
		require.NoError(t, svc.TransitionState(ctx, session.ID, models.SessionStateExecuting))

		resumed, err := svc.GetSession(ctx, session.ID)
		require.NoError(t, err)
		// started_at survives pause/resume cycles.
		assert.Equal(t, firstStart, resumed.StartedAt)

		require.NoError(t, svc.TransitionState(ctx, session.ID, models.SessionStateCompleted))
		completed, err := svc.GetSession(ctx, session.ID)
		require.NoError(t, err)
		require.NotNil(t, completed.CompletedAt)
	})

	t.Run("rejects transitions out of terminal states", func(t *testing.T) {
		session := createTestSession(t, svc, "one-shot")
		require.NoError(t, svc.TransitionState(ctx, session.ID, models.SessionStateTerminated))

		err := svc.TransitionState(ctx, session.ID, models.SessionStateExecuting)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("rejects unlisted transitions", func(t *testing.T) {
		session := createTestSession(t, svc, "short hop")

		err := svc.TransitionState(ctx, session.ID, models.SessionStatePaused)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		session := createTestSession(t, svc, "bad target")

		err := svc.TransitionState(ctx, session.ID, models.SessionState("warp"))
		assert.True(t, IsValidationError(err))
	})

	t.Run("missing session", func(t *testing.T) {
		err := svc.TransitionState(ctx, "no-such-session", models.SessionStatePlanning)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSessionProgressUpdates(t *testing.T) {
	svc := NewSessionService(newTestDB(t))
	ctx := context.Background()
	session := createTestSession(t, svc, "watch the build")

	require.NoError(t, svc.RecordPlan(ctx, session.ID, "plan-1", "workflow"))
	require.NoError(t, svc.RecordProgress(ctx, session.ID, 7, 1.25))
	require.NoError(t, svc.RecordOutcome(ctx, session.ID, "<Promise>DONE</Promise>", ""))
	require.NoError(t, svc.AppendArtifacts(ctx, session.ID, "report.md", "logs.txt"))
	// Duplicates are dropped.
	require.NoError(t, svc.AppendArtifacts(ctx, session.ID, "report.md", "diff.patch"))

	stored, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, "plan-1", stored.PlanID)
	assert.Equal(t, "workflow", stored.Category)
	assert.Equal(t, 7, stored.Iteration)
	assert.Equal(t, 1.25, stored.BudgetSpent)
	assert.Equal(t, "<Promise>DONE</Promise>", stored.FinalPromise)
	assert.Equal(t, []string{"report.md", "logs.txt", "diff.patch"}, stored.Artifacts)

	t.Run("updates on missing session return not found", func(t *testing.T) {
		assert.ErrorIs(t, svc.RecordPlan(ctx, "nope", "p", "c"), ErrNotFound)
		assert.ErrorIs(t, svc.RecordProgress(ctx, "nope", 1, 0), ErrNotFound)
	})
}

func TestClaimNextCreatedSession(t *testing.T) {
	svc := NewSessionService(newTestDB(t))
	ctx := context.Background()

	t.Run("no sessions waiting", func(t *testing.T) {
		claimed, err := svc.ClaimNextCreatedSession(ctx, "worker-1")
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("claims oldest first", func(t *testing.T) {
		older := createTestSession(t, svc, "older work")
		time.Sleep(5 * time.Millisecond)
		newer := createTestSession(t, svc, "newer work")

		claimed, err := svc.ClaimNextCreatedSession(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, older.ID, claimed.ID)
		assert.Equal(t, "worker-1", claimed.ClaimedBy)
		require.NotNil(t, claimed.HeartbeatAt)

		next, err := svc.ClaimNextCreatedSession(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, newer.ID, next.ID)

		// Everything claimed now.
		third, err := svc.ClaimNextCreatedSession(ctx, "worker-3")
		require.NoError(t, err)
		assert.Nil(t, third)
	})

	t.Run("requires worker id", func(t *testing.T) {
		_, err := svc.ClaimNextCreatedSession(ctx, "")
		assert.True(t, IsValidationError(err))
	})
}

func TestHeartbeatAndRelease(t *testing.T) {
	client := newTestDB(t)
	svc := NewSessionService(client)
	ctx := context.Background()

	createTestSession(t, svc, "long job")
	claimed, err := svc.ClaimNextCreatedSession(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	t.Run("heartbeat refreshes the claim", func(t *testing.T) {
		require.NoError(t, svc.Heartbeat(ctx, claimed.ID, "worker-1"))
	})

	t.Run("heartbeat from the wrong worker fails", func(t *testing.T) {
		assert.ErrorIs(t, svc.Heartbeat(ctx, claimed.ID, "worker-9"), ErrNotFound)
	})

	t.Run("release makes the session claimable again", func(t *testing.T) {
		require.NoError(t, svc.ReleaseClaim(ctx, claimed.ID))

		again, err := svc.ClaimNextCreatedSession(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, claimed.ID, again.ID)
		assert.Equal(t, "worker-2", again.ClaimedBy)
	})
}

func TestFindStaleClaims(t *testing.T) {
	client := newTestDB(t)
	svc := NewSessionService(client)
	ctx := context.Background()

	createTestSession(t, svc, "stale job")
	stale, err := svc.ClaimNextCreatedSession(ctx, "worker-dead")
	require.NoError(t, err)
	require.NotNil(t, stale)

	createTestSession(t, svc, "fresh job")
	fresh, err := svc.ClaimNextCreatedSession(ctx, "worker-live")
	require.NoError(t, err)
	require.NotNil(t, fresh)

	// Backdate the first claim's heartbeat past the timeout.
	_, err = client.DB().Exec(
		"UPDATE sessions SET heartbeat_at = ? WHERE id = ?",
		time.Now().UTC().Add(-time.Hour), stale.ID,
	)
	require.NoError(t, err)

	found, err := svc.FindStaleClaims(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ID, found[0].ID)

	t.Run("terminal sessions are not stale", func(t *testing.T) {
		require.NoError(t, svc.TransitionState(ctx, stale.ID, models.SessionStateFailed))

		found, err := svc.FindStaleClaims(ctx, 10*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestDeleteOldSessions(t *testing.T) {
	client := newTestDB(t)
	svc := NewSessionService(client)
	msgs := NewMessageService(client)
	ctx := context.Background()

	t.Run("rejects non-positive retention", func(t *testing.T) {
		_, err := svc.DeleteOldSessions(ctx, 0)
		require.Error(t, err)
	})

	old := createTestSession(t, svc, "ancient work")
	require.NoError(t, svc.TransitionState(ctx, old.ID, models.SessionStateCompleted))
	_, err := msgs.CreateMessage(ctx, models.CreateMessageRequest{
		SessionID: old.ID,
		Author:    "system",
		Kind:      models.MessageKindInfo,
		Content:   "done",
	})
	require.NoError(t, err)

	recent := createTestSession(t, svc, "recent work")
	require.NoError(t, svc.TransitionState(ctx, recent.ID, models.SessionStateCompleted))

	running := createTestSession(t, svc, "running work")

	// Backdate the old session past the retention window.
	_, err = client.DB().Exec(
		"UPDATE sessions SET completed_at = ? WHERE id = ?",
		time.Now().UTC().Add(-40*24*time.Hour), old.ID,
	)
	require.NoError(t, err)

	deleted, err := svc.DeleteOldSessions(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = svc.GetSession(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Messages of deleted sessions go with them.
	remaining, err := msgs.ListSessionMessages(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	for _, id := range []string{recent.ID, running.ID} {
		_, err := svc.GetSession(ctx, id)
		assert.NoError(t, err)
	}
}
