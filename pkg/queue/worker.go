package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes sessions.
type Worker struct {
	id       string
	podID    string
	sessions *services.SessionService
	config   *config.QueueConfig
	defaults *config.Defaults
	executor SessionExecutor
	pool     SessionRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                sync.RWMutex
	status            WorkerStatus
	currentSessionID  string
	sessionsProcessed int
	lastActivity      time.Time
}

// SessionRegistry is the subset of WorkerPool used by Worker for session
// registration.
type SessionRegistry interface {
	RegisterSession(sessionID string, cancel context.CancelFunc)
	UnregisterSession(sessionID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, sessions *services.SessionService, cfg *config.QueueConfig, defaults *config.Defaults, executor SessionExecutor, pool SessionRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		sessions:     sessions,
		config:       cfg,
		defaults:     defaults,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// session. Safe to call multiple times.
func (w *Worker) Stop() {
	w.signal()
	w.wait()
}

// signal tells the worker to stop claiming new sessions.
func (w *Worker) signal() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// wait blocks until the worker's loop has exited.
func (w *Worker) wait() {
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            string(w.status),
		CurrentSessionID:  w.currentSessionID,
		SessionsProcessed: w.sessionsProcessed,
		LastActivity:      w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoSessionsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing session", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a session, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers
	//    but bounded by WorkerCount and mitigated by poll jitter).
	executing := models.SessionStateExecuting
	active, err := w.sessions.ListSessions(ctx, models.SessionFilters{State: &executing, Limit: 1})
	if err != nil {
		return fmt.Errorf("checking active sessions: %w", err)
	}
	if active.Total >= w.config.WorkerCount {
		return ErrAtCapacity
	}

	// 2. Claim the next created session.
	session, err := w.sessions.ClaimNextCreatedSession(ctx, w.id)
	if err != nil {
		return fmt.Errorf("claiming session: %w", err)
	}
	if session == nil {
		return ErrNoSessionsAvailable
	}

	log := slog.With("session_id", session.ID, "worker_id", w.id)
	log.Info("Session claimed")

	w.setStatus(WorkerStatusWorking, session.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Session context bounded by the wall-clock budget.
	var (
		sessionCtx    context.Context
		cancelSession context.CancelFunc
	)
	if maxTime := w.defaults.MaxTime(); maxTime > 0 {
		sessionCtx, cancelSession = context.WithTimeout(ctx, maxTime)
	} else {
		sessionCtx, cancelSession = context.WithCancel(ctx)
	}
	defer cancelSession()

	// 4. Register the cancel function for API-triggered cancellation.
	w.pool.RegisterSession(session.ID, cancelSession)
	defer w.pool.UnregisterSession(session.ID)

	// 5. Heartbeat while executing, for stale-claim detection.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(sessionCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, session.ID)

	// 6. Execute. The executor finalises the session itself, terminal
	//    transition included; the worker only backstops failures around it.
	result, execErr := w.executor.ProcessSession(sessionCtx, session.ID)
	cancelHeartbeat()

	if execErr != nil {
		w.failSession(session.ID, execErr)
		return fmt.Errorf("processing session %s: %w", session.ID, execErr)
	}
	if result == nil {
		// Defensive synthesis, mirrors a timeout or cancel that unwound the
		// executor without a result.
		w.failSession(session.ID, fmt.Errorf("executor returned no result: %v", sessionCtx.Err()))
		return fmt.Errorf("executor returned no result for session %s", session.ID)
	}

	w.mu.Lock()
	w.sessionsProcessed++
	w.mu.Unlock()

	log.Info("Session processing complete", "promise", result.Promise)
	return nil
}

// failSession lands a session the executor could not finalise itself. Best
// effort with a background context: the session context may be cancelled.
func (w *Worker) failSession(sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.sessions.TransitionState(ctx, sessionID, models.SessionStateFailed); err != nil {
		slog.Warn("Failed-session transition did not apply",
			"session_id", sessionID, "error", err)
	}
	if err := w.sessions.RecordOutcome(ctx, sessionID, "", cause.Error()); err != nil {
		slog.Warn("Failed-session outcome not recorded",
			"session_id", sessionID, "error", err)
	}
}

// runHeartbeat periodically refreshes the claim marker for stale-claim
// detection.
func (w *Worker) runHeartbeat(ctx context.Context, sessionID string) {
	interval := w.config.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sessions.Heartbeat(ctx, sessionID, w.id); err != nil {
				slog.Warn("Heartbeat update failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentSessionID = sessionID
	w.lastActivity = time.Now()
}
