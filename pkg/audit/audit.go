// Package audit implements the append-only audit log: newline-delimited
// JSON, one event per line, never rewritten. The log is the durable ground
// truth for what the orchestrator did; operational reads (tests, timeline
// reconstruction) go through Query.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

const auditFileName = "audit.ndjson"

// maxLineBytes bounds a single audit line; details maps are small by
// contract.
const maxLineBytes = 1024 * 1024

// Logger appends audit events to the audit file. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	warnings *services.SystemWarningsService
}

// New opens (or creates) the audit log under dataDir. warnings may be nil;
// when set, failed best-effort appends surface as system warnings.
func New(dataDir string, warnings *services.SystemWarningsService) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	path := filepath.Join(dataDir, auditFileName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &Logger{file: file, path: path, warnings: warnings}, nil
}

// Path returns the audit file location.
func (l *Logger) Path() string {
	return l.path
}

// Append writes one event as a JSON line. Missing id and timestamp are
// filled in. The file only ever grows.
func (l *Logger) Append(event models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Record is the best-effort form of Append: failures are logged and surfaced
// as a system warning but never fail the caller's operation.
func (l *Logger) Record(event models.AuditEvent) {
	if l == nil {
		return
	}
	if err := l.Append(event); err != nil {
		slog.Warn("Audit append failed",
			"kind", event.Kind,
			"session_id", event.SessionID,
			"error", err)
		if l.warnings != nil {
			l.warnings.AddWarning(services.WarningCategoryAuditWrite,
				"Audit log append failed", err.Error(), "")
		}
	}
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	SessionID string
	Kind      string

	// Limit keeps only the most recent matches when positive.
	Limit int
}

// Query reads the log and returns events matching the filter in append
// order. Lines that fail to parse (a torn write from a crash) are skipped.
func (l *Logger) Query(filter Filter) ([]models.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var events []models.AuditEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event models.AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if filter.SessionID != "" && event.SessionID != filter.SessionID {
			continue
		}
		if filter.Kind != "" && event.Kind != filter.Kind {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[len(events)-filter.Limit:]
	}
	return events, nil
}

// Rotate renames the current file to a timestamped backup and starts a new
// one. Used by retention cleanup; the old file is never modified.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}

	backupPath := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102-150405"))
	if err := os.Rename(l.path, backupPath); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log: %w", err)
	}
	l.file = file
	return nil
}

// Close closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
