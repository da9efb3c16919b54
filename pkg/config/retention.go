package config

import "time"

// RetentionConfig controls the background cleanup service.
type RetentionConfig struct {
	// SessionRetentionDays keeps terminal sessions this long before the
	// cleanup service may purge them. Zero disables purging: sessions are
	// retained for audit until explicit cleanup.
	SessionRetentionDays int `yaml:"session_retention_days"`

	// StaleClaimThreshold is how long a claimed session may go without a
	// heartbeat before it is requeued.
	StaleClaimThreshold time.Duration `yaml:"stale_claim_threshold"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// AuditRotateBytes rotates the audit log once it grows past this size.
	// Zero disables rotation.
	AuditRotateBytes int64 `yaml:"audit_rotate_bytes"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 0,
		StaleClaimThreshold:  5 * time.Minute,
		CleanupInterval:      1 * time.Minute,
		AuditRotateBytes:     64 << 20,
	}
}
