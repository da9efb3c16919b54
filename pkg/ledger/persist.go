package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// persistLocked rewrites both serialisations. The JSON document is
// authoritative; the Markdown file is a rendering of the same state and is
// never read back. Caller must hold the lock.
func (m *Manager) persistLocked() error {
	doc := models.LedgerDocument{
		SessionID: m.sessionID,
		UpdatedAt: m.updatedAt,
		Tasks:     m.tasks,
	}
	if doc.Tasks == nil {
		doc.Tasks = []*models.Task{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(m.JSONPath(), data); err != nil {
		return err
	}
	return writeFileAtomic(m.MarkdownPath(), []byte(m.renderMarkdownLocked()))
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partially written document.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// renderMarkdownLocked renders the checklist view. One line per task with a
// status marker, evidence and notes indented below.
func (m *Manager) renderMarkdownLocked() string {
	var sb strings.Builder
	sb.WriteString("# Task Ledger: " + m.sessionID + "\n\n")
	sb.WriteString("Updated: " + m.updatedAt.UTC().Format(time.RFC3339) + "\n\n")

	for _, task := range m.tasks {
		sb.WriteString(fmt.Sprintf("- %s %s: %s\n", task.State.Marker(), task.ID, task.Description))
		if task.BlockedReason != "" {
			sb.WriteString("  - blocked: " + task.BlockedReason + "\n")
		}
		if task.Evidence != "" {
			sb.WriteString("  - evidence: " + task.Evidence + "\n")
		}
		for _, note := range task.Notes {
			sb.WriteString("  - note: " + note + "\n")
		}
	}
	return sb.String()
}
