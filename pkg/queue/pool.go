package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID    string
	sessions *services.SessionService
	config   *config.QueueConfig
	defaults *config.Defaults
	executor SessionExecutor
	workers  []*Worker

	// Session cancel registry: session_id -> cancel function
	mu             sync.RWMutex
	activeSessions map[string]context.CancelFunc
	state          PoolState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, sessions *services.SessionService, cfg *config.QueueConfig, defaults *config.Defaults, executor SessionExecutor) *WorkerPool {
	return &WorkerPool{
		podID:          podID,
		sessions:       sessions,
		config:         cfg,
		defaults:       defaults,
		executor:       executor,
		workers:        make([]*Worker, 0, cfg.WorkerCount),
		activeSessions: make(map[string]context.CancelFunc),
		state:          PoolStateStarting,
	}
}

// Start spawns the worker goroutines. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == PoolStateRunning {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.state = PoolStateRunning
	p.mu.Unlock()

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.sessions, p.config, p.defaults, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	slog.Info("Worker pool started")
	return nil
}

// Stop shuts the pool down in two phases: workers stop claiming and get the
// graceful budget to finish their current sessions; whatever is still
// running after that is cancelled and waited out.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.getActiveSessionIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active sessions to complete",
			"count", len(active),
			"session_ids", active)
	}

	// Phase 1: stop claiming, wait within the graceful budget.
	for _, worker := range p.workers {
		worker.signal()
	}

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.wait()
		}
		close(done)
	}()

	budget := p.config.GracefulShutdownTimeout
	if budget <= 0 {
		budget = 2 * time.Minute
	}
	select {
	case <-done:
	case <-time.After(budget):
		// Phase 2: cancel stragglers, then wait for the unwinding.
		stragglers := p.getActiveSessionIDs()
		slog.Warn("Graceful budget exhausted, cancelling remaining sessions",
			"count", len(stragglers),
			"session_ids", stragglers)
		for _, id := range stragglers {
			p.CancelSession(id)
		}
		<-done
	}

	p.mu.Lock()
	p.state = PoolStateStopped
	p.mu.Unlock()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterSession stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterSession(sessionID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeSessions[sessionID] = cancel
}

// UnregisterSession removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeSessions, sessionID)
}

// CancelSession triggers context cancellation for a session on this pod.
// Returns true if the session was found and cancelled on this pod.
func (p *WorkerPool) CancelSession(sessionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeSessions[sessionID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created := models.SessionStateCreated
	queued, errQ := p.sessions.ListSessions(ctx, models.SessionFilters{State: &created, Limit: 1})
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID,
			"error", errQ)
	}

	executing := models.SessionStateExecuting
	running, errA := p.sessions.ListSessions(ctx, models.SessionFilters{State: &executing, Limit: 1})
	if errA != nil {
		slog.Error("Failed to query active sessions for health check",
			"pod_id", p.podID,
			"error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	queueDepth := 0
	if queued != nil {
		queueDepth = queued.Total
	}
	activeSessions := 0
	if running != nil {
		activeSessions = running.Total
	}

	// A pool that cannot reach its store is degraded, not merely quiet.
	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && activeSessions <= p.config.WorkerCount && dbHealthy

	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	} else if errA != nil {
		dbError = fmt.Sprintf("active sessions query failed: %v", errA)
	}

	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()
	if state == PoolStateRunning && !isHealthy {
		state = PoolStateDegraded
	}

	return &PoolHealth{
		State:          state,
		IsHealthy:      isHealthy,
		DBReachable:    dbHealthy,
		DBError:        dbError,
		PodID:          p.podID,
		ActiveWorkers:  activeWorkers,
		TotalWorkers:   len(p.workers),
		ActiveSessions: activeSessions,
		MaxConcurrent:  p.config.WorkerCount,
		QueueDepth:     queueDepth,
		WorkerStats:    workerStats,
	}
}

// getActiveSessionIDs returns IDs of currently processing sessions.
func (p *WorkerPool) getActiveSessionIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sessions := make([]string, 0, len(p.activeSessions))
	for id := range p.activeSessions {
		sessions = append(sessions, id)
	}
	return sessions
}
