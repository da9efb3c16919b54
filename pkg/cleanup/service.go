// Package cleanup provides data retention and recovery services.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/audit"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/services"
)

// Service periodically enforces retention and recovers from dead workers:
//   - Prunes expired memory entries
//   - Requeues or fails sessions whose worker stopped heartbeating
//   - Purges terminal sessions past the retention window
//   - Rotates the audit log once it outgrows its size budget
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config         *config.RetentionConfig
	sessionService *services.SessionService
	messageService *services.MessageService
	memoryService  *services.MemoryService
	auditLog       *audit.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. The memory service and audit
// logger are optional; their tasks are skipped when nil.
func NewService(
	cfg *config.RetentionConfig,
	sessionService *services.SessionService,
	messageService *services.MessageService,
	memoryService *services.MemoryService,
	auditLog *audit.Logger,
) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{
		config:         cfg,
		sessionService: sessionService,
		messageService: messageService,
		memoryService:  memoryService,
		auditLog:       auditLog,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_retention_days", s.config.SessionRetentionDays,
		"stale_claim_threshold", s.config.StaleClaimThreshold,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	// One pass at boot so a restart does not wait a full interval to
	// recover sessions orphaned by the previous process.
	s.runAll(ctx)

	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneExpiredMemory(ctx)
	s.recoverStaleClaims(ctx)
	s.purgeOldSessions(ctx)
	s.rotateAuditLog()
}

func (s *Service) pruneExpiredMemory(_ context.Context) {
	if s.memoryService == nil {
		return
	}
	count, err := s.memoryService.PruneExpired(context.Background())
	if err != nil {
		slog.Error("Retention: memory prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned expired memory entries", "count", count)
	}
}

// recoverStaleClaims handles sessions whose worker stopped heartbeating. A
// claim still in created never started work, so releasing it lets another
// worker pick it up. A session that died mid-run is failed instead: a sealed
// plan re-executes from the first step, so resuming it on a fresh worker
// would repeat side effects already performed.
func (s *Service) recoverStaleClaims(_ context.Context) {
	ctx := context.Background()

	stale, err := s.sessionService.FindStaleClaims(ctx, s.config.StaleClaimThreshold)
	if err != nil {
		slog.Error("Recovery: stale claim scan failed", "error", err)
		return
	}

	for _, sess := range stale {
		if sess.State == models.SessionStateCreated {
			if err := s.sessionService.ReleaseClaim(ctx, sess.ID); err != nil {
				slog.Error("Recovery: claim release failed",
					"session_id", sess.ID, "error", err)
				continue
			}
			slog.Warn("Recovery: requeued session after worker loss",
				"session_id", sess.ID, "worker_id", sess.ClaimedBy)
			continue
		}

		s.failOrphan(ctx, sess)
	}
}

// failOrphan moves a mid-run orphan to failed and closes out its gating
// messages so nothing keeps waiting on a worker that no longer exists.
func (s *Service) failOrphan(ctx context.Context, sess *models.Session) {
	if err := s.sessionService.TransitionState(ctx, sess.ID, models.SessionStateFailed); err != nil {
		slog.Error("Recovery: orphan transition failed",
			"session_id", sess.ID, "state", sess.State, "error", err)
		return
	}
	if err := s.sessionService.RecordOutcome(ctx, sess.ID, "", orphanCause(sess)); err != nil {
		slog.Error("Recovery: orphan outcome record failed",
			"session_id", sess.ID, "error", err)
	}
	if err := s.sessionService.ReleaseClaim(ctx, sess.ID); err != nil {
		slog.Error("Recovery: orphan claim release failed",
			"session_id", sess.ID, "error", err)
	}

	if s.messageService != nil {
		pending, err := s.messageService.ListIncompleteLinkedMessages(ctx, sess.ID)
		if err != nil {
			slog.Error("Recovery: orphan message scan failed",
				"session_id", sess.ID, "error", err)
		}
		for _, msg := range pending {
			if err := s.messageService.MarkFailed(ctx, msg.ID); err != nil {
				slog.Warn("Recovery: orphan message fail failed",
					"message_id", msg.ID, "error", err)
			}
		}
	}

	slog.Warn("Recovery: failed orphaned session",
		"session_id", sess.ID, "worker_id", sess.ClaimedBy, "state", sess.State)
}

func orphanCause(sess *models.Session) string {
	last := "unknown"
	if sess.HeartbeatAt != nil {
		last = sess.HeartbeatAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("worker %s lost: no heartbeat since %s", sess.ClaimedBy, last)
}

func (s *Service) purgeOldSessions(_ context.Context) {
	if s.config.SessionRetentionDays <= 0 {
		return // retention disabled: sessions kept until explicit cleanup
	}
	count, err := s.sessionService.DeleteOldSessions(context.Background(), s.config.SessionRetentionDays)
	if err != nil {
		slog.Error("Retention: session purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged old sessions", "count", count,
			"retention_days", s.config.SessionRetentionDays)
	}
}

func (s *Service) rotateAuditLog() {
	if s.auditLog == nil || s.config.AuditRotateBytes <= 0 {
		return
	}
	info, err := os.Stat(s.auditLog.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("Retention: audit log stat failed", "error", err)
		}
		return
	}
	if info.Size() < s.config.AuditRotateBytes {
		return
	}
	if err := s.auditLog.Rotate(); err != nil {
		slog.Error("Retention: audit log rotation failed", "error", err)
		return
	}
	slog.Info("Retention: rotated audit log", "size_bytes", info.Size())
}
