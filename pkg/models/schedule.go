package models

import "time"

// ScheduleKind selects how a scheduled task's next run is computed.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleCron     ScheduleKind = "cron"
)

// IsValid checks if the schedule kind is a known value.
func (k ScheduleKind) IsValid() bool {
	switch k {
	case ScheduleOnce, ScheduleInterval, ScheduleDaily, ScheduleWeekly, ScheduleCron:
		return true
	}
	return false
}

// ScheduledTask is a registered time-triggered capability dispatch.
type ScheduledTask struct {
	ID   string       `json:"id" yaml:"id"`
	Name string       `json:"name" yaml:"name"`
	Kind ScheduleKind `json:"kind" yaml:"kind"`

	// Spec is kind-dependent: interval seconds for "interval", HH:MM for
	// "daily", day@HH:MM for "weekly", a cron expression for "cron", and a
	// RFC3339 time (or empty for immediate) for "once".
	Spec string `json:"spec,omitempty" yaml:"spec,omitempty"`

	// Capability request dispatched when due.
	Capability string         `json:"capability" yaml:"capability"`
	Action     string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Remote, when set, dispatches through the remote-execution adapter
	// instead of the resolver. Capability is ignored in that case.
	Remote *RemoteTarget `json:"remote,omitempty" yaml:"remote,omitempty"`

	Enabled bool      `json:"enabled" yaml:"enabled"`
	NextRun time.Time `json:"next_run,omitempty" yaml:"-"`

	RunCount     int `json:"run_count" yaml:"-"`
	SuccessCount int `json:"success_count" yaml:"-"`
	FailureCount int `json:"failure_count" yaml:"-"`

	LastRun   *time.Time `json:"last_run,omitempty" yaml:"-"`
	LastError string     `json:"last_error,omitempty" yaml:"-"`
}

// RemoteTarget names a remote executor resource for scheduled dispatch.
type RemoteTarget struct {
	Kind    RemoteKind     `json:"kind" yaml:"kind"`
	Name    string         `json:"name" yaml:"name"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}
