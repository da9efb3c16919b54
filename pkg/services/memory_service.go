package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/database"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// MemoryService manages the typed key/value memory store. Entries carry an
// optional TTL; expired entries are filtered on read and pruned on write.
type MemoryService struct {
	db *sql.DB

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewMemoryService creates a new MemoryService
func NewMemoryService(client *database.Client) *MemoryService {
	return &MemoryService{db: client.DB(), now: time.Now}
}

// Set stores a value under (category, key), replacing any previous entry.
// TTL of zero means the entry never expires.
func (s *MemoryService) Set(_ context.Context, category models.MemoryCategory, key string, value any, ttlSeconds int) error {
	if !category.IsValid() {
		return NewValidationError("category", fmt.Sprintf("unknown category %q", category))
	}
	if key == "" {
		return NewValidationError("key", "required")
	}
	if ttlSeconds < 0 {
		return NewValidationError("ttl_seconds", "must not be negative")
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode memory value: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory (category, key, value, ttl_seconds, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (category, key) DO UPDATE
		SET value = excluded.value, ttl_seconds = excluded.ttl_seconds, created_at = excluded.created_at`,
		category, key, string(encoded), ttlSeconds, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set memory entry: %w", err)
	}

	// Writes double as pruning opportunities.
	if _, err := s.PruneExpired(ctx); err != nil {
		return fmt.Errorf("failed to prune expired entries: %w", err)
	}

	return nil
}

// Get retrieves an entry. Expired entries read as not found.
func (s *MemoryService) Get(ctx context.Context, category models.MemoryCategory, key string) (*models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT category, key, value, ttl_seconds, created_at
		FROM memory WHERE category = ? AND key = ?`,
		category, key)

	entry, err := scanMemoryEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get memory entry: %w", err)
	}
	if entry.Expired(s.now()) {
		return nil, ErrNotFound
	}

	return entry, nil
}

// List retrieves all live entries in a category
func (s *MemoryService) List(ctx context.Context, category models.MemoryCategory) ([]*models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, key, value, ttl_seconds, created_at
		FROM memory WHERE category = ? ORDER BY key ASC`,
		category)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var entries []*models.MemoryEntry
	for rows.Next() {
		entry, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}

	return entries, nil
}

// Delete removes an entry
func (s *MemoryService) Delete(ctx context.Context, category models.MemoryCategory, key string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM memory WHERE category = ? AND key = ?", category, key)
	if err != nil {
		return fmt.Errorf("failed to delete memory entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete memory entry: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneExpired removes all expired entries across categories and returns how
// many were removed. TTL math happens in Go, so candidates are loaded first.
func (s *MemoryService) PruneExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, key, value, ttl_seconds, created_at
		FROM memory WHERE ttl_seconds > 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for expired entries: %w", err)
	}

	now := s.now()
	type entryKey struct{ category, key string }
	var expired []entryKey
	for rows.Next() {
		entry, err := scanMemoryEntry(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		if entry.Expired(now) {
			expired = append(expired, entryKey{string(entry.Category), entry.Key})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to scan for expired entries: %w", err)
	}
	rows.Close()

	for _, e := range expired {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM memory WHERE category = ? AND key = ?", e.category, e.key); err != nil {
			return 0, fmt.Errorf("failed to prune memory entry: %w", err)
		}
	}

	return len(expired), nil
}

func scanMemoryEntry(row rowScanner) (*models.MemoryEntry, error) {
	var (
		entry models.MemoryEntry
		raw   string
	)

	err := row.Scan(&entry.Category, &entry.Key, &raw, &entry.TTLSeconds, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(raw), &entry.Value); err != nil {
		return nil, fmt.Errorf("failed to decode memory value: %w", err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	return &entry, nil
}
