package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/database"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// newTestDB opens an in-memory database with migrations applied.
func newTestDB(t *testing.T) *database.Client {
	t.Helper()

	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

// createTestSession inserts a session and returns it.
func createTestSession(t *testing.T, svc *SessionService, intent string) *models.Session {
	t.Helper()

	session, err := svc.CreateSession(context.Background(), models.CreateSessionRequest{
		OwnerID:     "user-1",
		Intent:      intent,
		BudgetLimit: 10,
	})
	require.NoError(t, err)
	return session
}

// stubTaskChecker fakes the task manager: task ids mapped to true count as
// completed, everything else is incomplete.
type stubTaskChecker map[string]bool

func (c stubTaskChecker) IncompleteTasks(ids []string) []string {
	var incomplete []string
	for _, id := range ids {
		if !c[id] {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete
}
