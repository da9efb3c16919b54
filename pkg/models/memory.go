package models

import "time"

// MemoryCategory partitions the memory store.
type MemoryCategory string

const (
	MemoryCategorySession        MemoryCategory = "session"
	MemoryCategoryOperational    MemoryCategory = "operational"
	MemoryCategoryUserPreference MemoryCategory = "user-preference"
	MemoryCategoryOrganizational MemoryCategory = "organizational"
)

// IsValid checks if the memory category is a known value.
func (c MemoryCategory) IsValid() bool {
	switch c {
	case MemoryCategorySession, MemoryCategoryOperational,
		MemoryCategoryUserPreference, MemoryCategoryOrganizational:
		return true
	}
	return false
}

// MemoryEntry is a typed key/value record with optional expiry. Expired
// entries are filtered on read and pruned on write.
type MemoryEntry struct {
	Category  MemoryCategory `json:"category"`
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	// TTLSeconds of zero means the entry never expires.
	TTLSeconds int       `json:"ttl_seconds,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *MemoryEntry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}
