// Package ledger owns task state. A Manager is the sole custodian of one
// session's task ledger: every other component requests transitions through
// it and never mutates tasks directly. Each accepted mutation atomically
// rewrites both on-disk serialisations, the authoritative JSON document and
// a human-readable Markdown rendering, before the call returns.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// MinEvidenceChars is the shortest evidence string accepted when completing
// a task. Completion without substantive evidence is a transition violation.
const MinEvidenceChars = 10

// ledgerDir is the subdirectory under the data dir holding per-session
// ledger files.
const ledgerDir = "ledger"

// Manager holds one session's tasks. Mutations are serialised by an
// internal lock so readers always observe a consistent pre- or
// post-transition snapshot, never a torn one.
type Manager struct {
	mu        sync.Mutex
	sessionID string
	dir       string
	tasks     []*models.Task
	byID      map[string]*models.Task
	updatedAt time.Time

	now func() time.Time
}

// NewManager opens the ledger for a session, creating an empty one on first
// use. An existing ledger file is restored so a restarted worker resumes
// with the tasks it had.
func NewManager(dataDir, sessionID string) (*Manager, error) {
	m, err := newManager(dataDir, sessionID)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(m.JSONPath()); err == nil {
		if err := m.restore(); err != nil {
			return nil, err
		}
		return m, nil
	}

	// Fresh session: persist the empty document so observers can read the
	// file as soon as the session exists.
	m.updatedAt = m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load restores a manager from an existing ledger file. Unlike NewManager
// it fails when the session has no ledger yet.
func Load(dataDir, sessionID string) (*Manager, error) {
	m, err := newManager(dataDir, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

func newManager(dataDir, sessionID string) (*Manager, error) {
	if dataDir == "" {
		return nil, services.NewValidationError("data_dir", "is required")
	}
	if sessionID == "" {
		return nil, services.NewValidationError("session_id", "is required")
	}

	dir := filepath.Join(dataDir, ledgerDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	return &Manager{
		sessionID: sessionID,
		dir:       dir,
		byID:      make(map[string]*models.Task),
		now:       time.Now,
	}, nil
}

func (m *Manager) restore() error {
	data, err := os.ReadFile(m.JSONPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: ledger for session %s", services.ErrNotFound, m.sessionID)
		}
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	var doc models.LedgerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse ledger: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = doc.Tasks
	m.updatedAt = doc.UpdatedAt
	m.byID = make(map[string]*models.Task, len(doc.Tasks))
	for _, task := range doc.Tasks {
		m.byID[task.ID] = task
	}
	return nil
}

// SessionID returns the owning session.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// JSONPath returns the authoritative ledger file. This is the document the
// stop hook reads.
func (m *Manager) JSONPath() string {
	return filepath.Join(m.dir, m.sessionID+".json")
}

// MarkdownPath returns the human-readable companion file.
func (m *Manager) MarkdownPath() string {
	return filepath.Join(m.dir, m.sessionID+".md")
}

// Add appends a new pending task and returns it. Tasks are expand-only:
// there is no remove.
func (m *Manager) Add(description string) (*models.Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, services.NewValidationError("description", "is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	task := &models.Task{
		ID:          m.nextIDLocked(),
		Description: description,
		State:       models.TaskStatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.tasks = append(m.tasks, task)
	m.byID[task.ID] = task
	prevUpdated := m.updatedAt
	m.updatedAt = now

	if err := m.persistLocked(); err != nil {
		m.tasks = m.tasks[:len(m.tasks)-1]
		delete(m.byID, task.ID)
		m.updatedAt = prevUpdated
		return nil, err
	}

	copied := *task
	return &copied, nil
}

// Start moves a pending task to in_progress.
func (m *Manager) Start(id string) error {
	return m.mutate(id, func(task *models.Task) error {
		if task.State != models.TaskStatePending {
			return transitionErr(task, models.TaskStateInProgress)
		}
		task.State = models.TaskStateInProgress
		return nil
	})
}

// Complete moves an in_progress task to completed. Evidence of at least
// MinEvidenceChars characters is mandatory; completed tasks are final.
func (m *Manager) Complete(id, evidence string) error {
	evidence = strings.TrimSpace(evidence)
	if len(evidence) < MinEvidenceChars {
		return services.NewValidationError("evidence",
			fmt.Sprintf("must be at least %d characters", MinEvidenceChars))
	}

	return m.mutate(id, func(task *models.Task) error {
		if task.State != models.TaskStateInProgress {
			return transitionErr(task, models.TaskStateCompleted)
		}
		task.State = models.TaskStateCompleted
		task.Evidence = evidence
		task.BlockedReason = ""
		return nil
	})
}

// Block moves a task to blocked with a mandatory reason. Any state except
// completed may block; re-blocking updates the reason.
func (m *Manager) Block(id, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return services.NewValidationError("reason", "is required")
	}

	return m.mutate(id, func(task *models.Task) error {
		if task.State == models.TaskStateCompleted {
			return transitionErr(task, models.TaskStateBlocked)
		}
		task.State = models.TaskStateBlocked
		task.BlockedReason = reason
		return nil
	})
}

// Unblock moves a blocked task back to in_progress and clears its reason.
// Blocked is the only recoverable terminal-looking state.
func (m *Manager) Unblock(id string) error {
	return m.mutate(id, func(task *models.Task) error {
		if task.State != models.TaskStateBlocked {
			return transitionErr(task, models.TaskStateInProgress)
		}
		task.State = models.TaskStateInProgress
		task.BlockedReason = ""
		return nil
	})
}

// AddNote appends a free-form note to a task without changing its state.
func (m *Manager) AddNote(id, note string) error {
	if strings.TrimSpace(note) == "" {
		return services.NewValidationError("note", "is required")
	}
	return m.mutate(id, func(task *models.Task) error {
		task.Notes = append(task.Notes, note)
		return nil
	})
}

// Get returns a copy of a task. Callers never receive the ledger's own
// pointers, so state changes only flow through transitions.
func (m *Manager) Get(id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", services.ErrNotFound, id)
	}
	return copyTask(task), nil
}

// List returns copies of all tasks in creation order.
func (m *Manager) List() []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Task, len(m.tasks))
	for i, task := range m.tasks {
		out[i] = copyTask(task)
	}
	return out
}

// VerifyCompletion reports whether every task is completed. In strict mode
// (the default for termination decisions) blocked tasks also forbid
// completion; non-strict treats them as out of scope.
func (m *Manager) VerifyCompletion(strict bool) *models.VerificationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &models.VerificationResult{AllComplete: true}
	for _, task := range m.tasks {
		switch task.State {
		case models.TaskStateCompleted:
		case models.TaskStateBlocked:
			result.BlockedIDs = append(result.BlockedIDs, task.ID)
			if strict {
				result.AllComplete = false
			}
		default:
			result.IncompleteIDs = append(result.IncompleteIDs, task.ID)
			result.AllComplete = false
		}
	}
	return result
}

// IncompleteTasks returns the subset of the given task ids that are not
// completed. Unknown ids count as incomplete: the ledger cannot vouch for a
// task it has never seen. Satisfies the message store's completion gate.
func (m *Manager) IncompleteTasks(ids []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var incomplete []string
	for _, id := range ids {
		task, ok := m.byID[id]
		if !ok || task.State != models.TaskStateCompleted {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete
}

// mutate applies a validated change to one task under the lock and persists
// both serialisations. A failed persist rolls the task back so the ledger
// never advances in memory past what is on disk.
func (m *Manager) mutate(id string, fn func(*models.Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: task %s", services.ErrNotFound, id)
	}

	saved := *task
	savedNotes := append([]string(nil), task.Notes...)

	if err := fn(task); err != nil {
		return err
	}
	task.UpdatedAt = m.now().UTC()

	prevUpdated := m.updatedAt
	m.updatedAt = task.UpdatedAt

	if err := m.persistLocked(); err != nil {
		*task = saved
		task.Notes = savedNotes
		m.updatedAt = prevUpdated
		return err
	}
	return nil
}

func (m *Manager) nextIDLocked() string {
	n := len(m.tasks) + 1
	for {
		id := fmt.Sprintf("task-%d", n)
		if _, exists := m.byID[id]; !exists {
			return id
		}
		n++
	}
}

func transitionErr(task *models.Task, target models.TaskState) error {
	return fmt.Errorf("%w: task %s %s -> %s", services.ErrInvalidTransition,
		task.ID, task.State, target)
}

func copyTask(task *models.Task) *models.Task {
	copied := *task
	copied.Notes = append([]string(nil), task.Notes...)
	return &copied
}
