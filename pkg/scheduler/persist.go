package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// restore loads the persisted registry document. A missing file is a fresh
// registry. Persisted next-run times are kept as stored: anything that came
// due while the process was down fires once on the first tick.
func (s *Scheduler) restore() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read schedule registry: %w", err)
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse schedule registry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range doc.Tasks {
		if task == nil || task.ID == "" {
			continue
		}
		s.tasks[task.ID] = task
	}
	return nil
}

// persistLocked rewrites the registry document. Caller must hold the lock.
func (s *Scheduler) persistLocked() error {
	doc := registryDocument{
		UpdatedAt: s.now().UTC(),
		Tasks:     make([]*models.ScheduledTask, 0, len(s.tasks)),
	}
	for _, task := range s.tasks {
		doc.Tasks = append(doc.Tasks, task)
	}
	sort.Slice(doc.Tasks, func(i, j int) bool { return doc.Tasks[i].ID < doc.Tasks[j].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schedule registry: %w", err)
	}
	data = append(data, '\n')

	return writeFileAtomic(s.path, data)
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
