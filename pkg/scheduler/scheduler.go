// Package scheduler runs registered time-triggered dispatches. A one-second
// tick selects due tasks and launches each concurrently through the
// capability resolver or the remote-execution adapter; a task never overlaps
// itself. The registry rewrites its on-disk document after every mutation,
// so a restart resumes with the same schedules and counters, and anything
// that came due while the process was down fires on the first tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/audit"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/events"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// scheduleFile is the registry document under the data dir.
const scheduleFile = "schedules.json"

// tickInterval is how often the loop looks for due tasks. Registry changes
// wake the loop early.
const tickInterval = time.Second

// Dispatcher executes a capability request. Satisfied by resolver.Resolver.
type Dispatcher interface {
	Execute(ctx context.Context, request string, params map[string]any, callCtx models.CallContext) models.ResolutionResult
}

// RemoteTrigger posts to an external executor. Satisfied by remote.Adapter.
type RemoteTrigger interface {
	Trigger(ctx context.Context, kind models.RemoteKind, name string, payload map[string]any, callCtx models.CallContext) (*models.TriggerResult, error)
}

// registryDocument is the on-disk form of the schedule registry.
type registryDocument struct {
	UpdatedAt time.Time               `json:"updated_at"`
	Tasks     []*models.ScheduledTask `json:"tasks"`
}

// Scheduler owns the schedule registry and the tick loop.
type Scheduler struct {
	mu       sync.Mutex
	path     string
	tasks    map[string]*models.ScheduledTask
	inFlight map[string]bool

	dispatcher Dispatcher
	remote     RemoteTrigger
	audit      *audit.Logger
	bus        *events.Bus
	logger     *slog.Logger

	now     func() time.Time
	changed chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New opens the schedule registry under dataDir, restoring any persisted
// document. remote, auditLog and bus may be nil; a nil remote fails
// remote-target dispatches without touching the network.
func New(dataDir string, dispatcher Dispatcher, remote RemoteTrigger, auditLog *audit.Logger, bus *events.Bus) (*Scheduler, error) {
	if dataDir == "" {
		return nil, services.NewValidationError("data_dir", "is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("scheduler requires a dispatcher")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Scheduler{
		path:       filepath.Join(dataDir, scheduleFile),
		tasks:      make(map[string]*models.ScheduledTask),
		inFlight:   make(map[string]bool),
		dispatcher: dispatcher,
		remote:     remote,
		audit:      auditLog,
		bus:        bus,
		logger:     slog.Default().With("component", "scheduler"),
		now:        time.Now,
		changed:    make(chan struct{}, 1),
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add registers a task and arms it. A zero ID gets a fresh UUID; the first
// run is computed from the spec, so a bad spec is rejected here rather than
// discovered by the tick loop.
func (s *Scheduler) Add(task *models.ScheduledTask) (*models.ScheduledTask, error) {
	if task == nil {
		return nil, services.NewValidationError("task", "is required")
	}
	if strings.TrimSpace(task.Name) == "" {
		return nil, services.NewValidationError("name", "is required")
	}
	if !task.Kind.IsValid() {
		return nil, services.NewValidationError("kind", fmt.Sprintf("unknown schedule kind %q", task.Kind))
	}
	if task.Remote == nil && strings.TrimSpace(task.Capability) == "" {
		return nil, services.NewValidationError("capability", "is required unless a remote target is set")
	}
	if task.Remote != nil {
		if !task.Remote.Kind.IsValid() {
			return nil, services.NewValidationError("remote.kind", "must be mcp or workflow")
		}
		if strings.TrimSpace(task.Remote.Name) == "" {
			return nil, services.NewValidationError("remote.name", "is required")
		}
	}

	reg := *task
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}
	next, err := nextRun(reg.Kind, reg.Spec, s.now())
	if err != nil {
		return nil, services.NewValidationError("spec", err.Error())
	}
	reg.NextRun = next
	reg.Enabled = true

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[reg.ID]; exists {
		return nil, fmt.Errorf("schedule %s already registered", reg.ID)
	}
	s.tasks[reg.ID] = &reg
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, reg.ID)
		return nil, err
	}
	s.notifyChange()

	out := reg
	return &out, nil
}

// Remove unregisters a task. An in-flight dispatch finishes but its counter
// updates vanish with the task.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: schedule %s", services.ErrNotFound, id)
	}
	delete(s.tasks, id)
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = task
		return err
	}
	s.notifyChange()
	return nil
}

// Enable arms or pauses a task. Re-enabling recomputes the next run, so a
// pause never causes a burst of catch-up fires.
func (s *Scheduler) Enable(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: schedule %s", services.ErrNotFound, id)
	}
	if task.Enabled == enabled {
		return nil
	}

	prev := *task
	if enabled {
		next, err := nextRun(task.Kind, task.Spec, s.now())
		if err != nil {
			return services.NewValidationError("spec", err.Error())
		}
		task.NextRun = next
	}
	task.Enabled = enabled
	if err := s.persistLocked(); err != nil {
		*task = prev
		return err
	}
	s.notifyChange()
	return nil
}

// Get returns a copy of a registered task.
func (s *Scheduler) Get(id string) (*models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: schedule %s", services.ErrNotFound, id)
	}
	out := *task
	return &out, nil
}

// List returns copies of all registered tasks, sorted by name.
func (s *Scheduler) List() []*models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Start launches the tick loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.mu.Lock()
	count := len(s.tasks)
	s.mu.Unlock()
	s.logger.Info("Scheduler started", "schedules", count, "tick", tickInterval)
}

// Stop halts the loop and waits for in-flight dispatches to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.changed:
			// A registry change may make a task due before the next tick.
		}
		s.dispatchDue(ctx)
	}
}

// dispatchDue selects enabled tasks whose next run has arrived and launches
// each. Selection advances next_run (or disables a once task) before the
// dispatch goroutine starts, so the following tick cannot select it again;
// the inFlight set keeps a slow dispatch from overlapping itself once its
// next window opens.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*models.ScheduledTask
	for id, task := range s.tasks {
		if !task.Enabled || task.NextRun.After(now) || s.inFlight[id] {
			continue
		}

		if task.Kind == models.ScheduleOnce {
			task.Enabled = false
		} else {
			next, err := nextRun(task.Kind, task.Spec, now)
			if err != nil {
				// Specs are validated on Add, so this means the document
				// was edited by hand. Disable instead of spinning on it.
				task.Enabled = false
				task.LastError = fmt.Sprintf("invalid spec: %v", err)
				s.logger.Error("Disabling schedule with invalid spec",
					"schedule_id", id, "name", task.Name, "error", err)
				continue
			}
			task.NextRun = next
		}
		task.RunCount++
		s.inFlight[id] = true

		snapshot := *task
		due = append(due, &snapshot)
	}
	if len(due) > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("Failed to persist schedule registry", "error", err)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		s.wg.Add(1)
		go s.runTask(ctx, task)
	}
}

// runTask dispatches one due task and records the outcome on the live entry.
func (s *Scheduler) runTask(ctx context.Context, task *models.ScheduledTask) {
	defer s.wg.Done()

	success, errText := s.dispatch(ctx, task)

	s.mu.Lock()
	if live, ok := s.tasks[task.ID]; ok {
		at := s.now().UTC()
		live.LastRun = &at
		if success {
			live.SuccessCount++
			live.LastError = ""
		} else {
			live.FailureCount++
			live.LastError = errText
		}
		if err := s.persistLocked(); err != nil {
			s.logger.Error("Failed to persist schedule registry", "error", err)
		}
	}
	delete(s.inFlight, task.ID)
	s.mu.Unlock()

	s.audit.Record(models.AuditEvent{
		Kind:   models.AuditScheduleDispatch,
		Action: "dispatched " + task.Name,
		Details: map[string]any{
			"schedule_id": task.ID,
			"kind":        string(task.Kind),
			"capability":  dispatchTarget(task),
			"run_count":   task.RunCount,
		},
		Success: success,
		Error:   errText,
	})
	s.bus.PublishScheduleDispatch(events.ScheduleDispatchPayload{
		Name:       task.Name,
		Capability: dispatchTarget(task),
		Success:    success,
		Error:      errText,
	})

	if success {
		s.logger.Info("Schedule dispatched", "name", task.Name, "target", dispatchTarget(task))
	} else {
		s.logger.Warn("Schedule dispatch failed", "name", task.Name, "error", errText)
	}
}

// dispatch routes one dispatch to the remote adapter or the resolver.
func (s *Scheduler) dispatch(ctx context.Context, task *models.ScheduledTask) (bool, string) {
	callCtx := models.CallContext{TaskID: task.ID}

	if task.Remote != nil {
		if s.remote == nil {
			return false, "no remote executor configured"
		}
		res, err := s.remote.Trigger(ctx, task.Remote.Kind, task.Remote.Name, task.Remote.Payload, callCtx)
		if err != nil {
			return false, err.Error()
		}
		return res.Success, res.Error
	}

	params := task.Params
	if task.Action != "" {
		params = make(map[string]any, len(task.Params)+1)
		for k, v := range task.Params {
			params[k] = v
		}
		params["action"] = task.Action
	}
	res := s.dispatcher.Execute(ctx, task.Capability, params, callCtx)
	if res.Success {
		return true, ""
	}
	if len(res.Errors) == 0 {
		return false, "dispatch failed without detail"
	}
	return false, strings.Join(res.Errors, "; ")
}

// dispatchTarget names what a task dispatches, for logs and events.
func dispatchTarget(task *models.ScheduledTask) string {
	if task.Remote != nil {
		return fmt.Sprintf("%s:%s", task.Remote.Kind, task.Remote.Name)
	}
	return task.Capability
}

// notifyChange wakes the tick loop early. The send never blocks: pending
// wakes collapse into the single buffered slot.
func (s *Scheduler) notifyChange() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
