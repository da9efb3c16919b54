// Package queue runs the worker pool that pulls created sessions off the
// store and hands them to the orchestrator. Workers claim transactionally,
// heartbeat while executing, and shut down in two phases: stop claiming,
// wait out the grace budget, then cancel stragglers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/engine"
)

// Sentinel errors for queue operations.
var (
	// ErrNoSessionsAvailable indicates no created sessions are waiting.
	ErrNoSessionsAvailable = errors.New("no sessions available")

	// ErrAtCapacity indicates the global concurrent session limit has been
	// reached.
	ErrAtCapacity = errors.New("at capacity")
)

// SessionExecutor processes one claimed session to its final promise.
//
// The executor owns the entire session lifecycle internally: routing,
// planning, execution, finalisation, and the terminal state transition.
// The worker only handles claiming, the session timeout, the heartbeat,
// and the cancel registry. Satisfied by orchestrator.Orchestrator.
type SessionExecutor interface {
	ProcessSession(ctx context.Context, sessionID string) (*engine.Result, error)
}

// PoolState is the lifecycle state of the worker pool.
type PoolState string

const (
	PoolStateStarting PoolState = "starting"
	PoolStateRunning  PoolState = "running"
	PoolStateDegraded PoolState = "degraded"
	PoolStateStopped  PoolState = "stopped"
)

// PoolHealth is a point-in-time health report for the whole pool.
type PoolHealth struct {
	State          PoolState      `json:"state"`
	IsHealthy      bool           `json:"is_healthy"`
	DBReachable    bool           `json:"db_reachable"`
	DBError        string         `json:"db_error,omitempty"`
	PodID          string         `json:"pod_id"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	ActiveSessions int            `json:"active_sessions"`
	MaxConcurrent  int            `json:"max_concurrent"`
	QueueDepth     int            `json:"queue_depth"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth is a point-in-time health report for one worker.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"` // "idle" or "working"
	CurrentSessionID  string    `json:"current_session_id,omitempty"`
	SessionsProcessed int       `json:"sessions_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
