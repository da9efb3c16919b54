package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/database"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/engine"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             2,
		PollInterval:            10 * time.Millisecond,
		PollIntervalJitter:      5 * time.Millisecond,
		HeartbeatInterval:       10 * time.Millisecond,
		GracefulShutdownTimeout: 5 * time.Second,
	}
}

func testDefaults() *config.Defaults {
	return &config.Defaults{
		MaxTimeSeconds: 30,
		MaxBudget:      10,
	}
}

func newSessionService(t *testing.T) *services.SessionService {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return services.NewSessionService(client)
}

func createSession(t *testing.T, svc *services.SessionService, intent string) *models.Session {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), models.CreateSessionRequest{
		OwnerID:     "user-1",
		Intent:      intent,
		BudgetLimit: 10,
	})
	require.NoError(t, err)
	return session
}

// recordingExecutor finalises sessions the way the orchestrator does: it
// transitions them terminal and records the promise.
type recordingExecutor struct {
	sessions *services.SessionService

	mu        sync.Mutex
	processed []string
	block     chan struct{} // non-nil: park until closed
}

func (e *recordingExecutor) ProcessSession(ctx context.Context, sessionID string) (*engine.Result, error) {
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			_ = e.sessions.TransitionState(context.Background(), sessionID, models.SessionStateTerminated)
			e.record(sessionID)
			return &engine.Result{Promise: engine.BlockedPromise("cancelled"), StopReason: "cancelled"}, nil
		}
	}

	if err := e.sessions.TransitionState(ctx, sessionID, models.SessionStateExecuting); err != nil {
		return nil, err
	}
	if err := e.sessions.TransitionState(ctx, sessionID, models.SessionStateCompleted); err != nil {
		return nil, err
	}
	if err := e.sessions.RecordOutcome(ctx, sessionID, engine.PromiseDone, ""); err != nil {
		return nil, err
	}
	e.record(sessionID)
	return &engine.Result{Promise: engine.PromiseDone}, nil
}

func (e *recordingExecutor) record(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed = append(e.processed, sessionID)
}

func (e *recordingExecutor) processedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.processed)
}

func TestWorkerPollInterval(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollInterval = 1 * time.Second
	cfg.PollIntervalJitter = 500 * time.Millisecond
	w := NewWorker("test-worker", "test-pod", nil, cfg, testDefaults(), nil, nil)

	// Poll interval should be within [base - jitter, base + jitter]
	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond, "poll interval below minimum")
		assert.LessOrEqual(t, d, 1500*time.Millisecond, "poll interval above maximum")
	}
}

func TestWorkerPollIntervalNoJitter(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollInterval = 1 * time.Second
	cfg.PollIntervalJitter = 0
	w := NewWorker("test-worker", "test-pod", nil, cfg, testDefaults(), nil, nil)

	for i := 0; i < 10; i++ {
		d := w.pollInterval()
		assert.Equal(t, 1*time.Second, d, "poll interval should equal base when jitter is 0")
	}
}

func TestWorkerHealth(t *testing.T) {
	w := NewWorker("worker-1", "pod-1", nil, testQueueConfig(), testDefaults(), nil, nil)

	h := w.Health()
	assert.Equal(t, "worker-1", h.ID)
	assert.Equal(t, "idle", h.Status)
	assert.Equal(t, "", h.CurrentSessionID)
	assert.Equal(t, 0, h.SessionsProcessed)

	w.setStatus(WorkerStatusWorking, "session-abc")
	h = w.Health()
	assert.Equal(t, "working", h.Status)
	assert.Equal(t, "session-abc", h.CurrentSessionID)

	w.setStatus(WorkerStatusIdle, "")
	h = w.Health()
	assert.Equal(t, "idle", h.Status)
	assert.Equal(t, "", h.CurrentSessionID)
}

func TestWorkerPollAndProcess(t *testing.T) {
	ctx := context.Background()
	sessions := newSessionService(t)
	executor := &recordingExecutor{sessions: sessions}

	pool := NewWorkerPool("pod-1", sessions, testQueueConfig(), testDefaults(), executor)
	w := NewWorker("pod-1-worker-0", "pod-1", sessions, testQueueConfig(), testDefaults(), executor, pool)

	// Nothing queued yet.
	require.ErrorIs(t, w.pollAndProcess(ctx), ErrNoSessionsAvailable)

	session := createSession(t, sessions, "summarise the weekly report")
	require.NoError(t, w.pollAndProcess(ctx))
	assert.Equal(t, 1, executor.processedCount())

	// The claim stuck and the executor finalised the session.
	loaded, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateCompleted, loaded.State)
	assert.Equal(t, "pod-1-worker-0", loaded.ClaimedBy)
	assert.Equal(t, engine.PromiseDone, loaded.FinalPromise)

	// Queue drained again.
	require.ErrorIs(t, w.pollAndProcess(ctx), ErrNoSessionsAvailable)
	assert.Equal(t, 1, w.Health().SessionsProcessed)
}

func TestWorkerFailsSessionOnExecutorError(t *testing.T) {
	ctx := context.Background()
	sessions := newSessionService(t)

	// An executor that reports infrastructure failure without finalising.
	executor := &erroringExecutor{}
	pool := NewWorkerPool("pod-1", sessions, testQueueConfig(), testDefaults(), executor)
	w := NewWorker("pod-1-worker-0", "pod-1", sessions, testQueueConfig(), testDefaults(), executor, pool)

	session := createSession(t, sessions, "doomed intent")
	err := w.pollAndProcess(ctx)
	require.Error(t, err)

	loaded, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateFailed, loaded.State)
	assert.Contains(t, loaded.Error, "store unavailable")
}

type erroringExecutor struct{}

func (e *erroringExecutor) ProcessSession(context.Context, string) (*engine.Result, error) {
	return nil, errors.New("store unavailable")
}
