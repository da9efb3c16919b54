package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/audit"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/events"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Reasons the approval hook attaches to its verdicts.
const (
	ReasonApproved              = "approved"
	ReasonApprovalRejected      = "approval_rejected"
	ReasonApprovalTimeout       = "approval_timeout"
	ReasonApprovalRequestFailed = "approval_request_failed"
	ReasonCancelled             = "cancelled"
)

const approvalAuthor = "engine"

// ApprovalStore publishes approval requests and reads back decisions.
// Satisfied by services.MessageService.
type ApprovalStore interface {
	CreateApprovalRequest(ctx context.Context, sessionID, author, content string) (*models.Message, error)
	FindApprovalResponse(ctx context.Context, requestID string) (*models.ApprovalDecision, error)
}

// ApprovalHook pauses a session behind a human decision. It publishes an
// approval-request message, announces it on the event bus, and polls for a
// response until the configured timeout.
//
// The hook is fail-closed: it never returns an error, and every path that
// does not obtain an explicit grant terminates the step. A broken message
// store or an expired timeout cannot silently wave an escalated action
// through.
type ApprovalHook struct {
	defaults *config.Defaults
	store    ApprovalStore
	audit    *audit.Logger
	bus      *events.Bus
	logger   *slog.Logger
}

// NewApprovalHook builds the approval gate. audit and bus may be nil; both
// are nil-safe.
func NewApprovalHook(defaults *config.Defaults, store ApprovalStore, auditLog *audit.Logger, bus *events.Bus) *ApprovalHook {
	return &ApprovalHook{
		defaults: defaults,
		store:    store,
		audit:    auditLog,
		bus:      bus,
		logger:   slog.Default().With("component", "approval_hook"),
	}
}

func (h *ApprovalHook) Name() string { return ApprovalHookName }

func (h *ApprovalHook) Triggers() []models.HookTrigger {
	return []models.HookTrigger{models.HookTriggerBefore, models.HookTriggerOnError}
}

// Priority is below the pre-step hook's so cheap local gates, dry-run mode
// in particular, run before a human gets paged.
func (h *ApprovalHook) Priority() int { return 40 }

func (h *ApprovalHook) Fire(ctx context.Context, inv *Invocation) (models.HookResult, error) {
	sessionID := ""
	if inv.Session != nil {
		sessionID = inv.Session.SessionID
	}
	action, reason := describeRequest(inv)

	request, err := h.store.CreateApprovalRequest(ctx, sessionID, approvalAuthor,
		fmt.Sprintf("Approval required for %s. Reason: %s", action, reason))
	if err != nil {
		h.logger.Error("Failed to publish approval request",
			"session_id", sessionID,
			"error", err)
		return terminate(ReasonApprovalRequestFailed), nil
	}

	h.audit.Record(models.AuditEvent{
		Kind:      models.AuditApprovalRequest,
		SessionID: sessionID,
		Action:    action,
		Details:   map[string]any{"request_id": request.ID, "reason": reason},
		Success:   true,
	})
	h.bus.PublishApprovalRequested(sessionID, events.ApprovalRequestPayload{
		RequestID: request.ID,
		Action:    action,
		Reason:    reason,
	})

	decision, waitErr := h.await(ctx, request.ID)

	verdict := models.ContinueResult(ReasonApproved)
	switch {
	case waitErr != nil:
		verdict = terminate(ReasonCancelled)
	case decision == nil:
		verdict = terminate(ReasonApprovalTimeout)
	case !decision.Approved:
		verdict = terminate(ReasonApprovalRejected)
		if decision.Reason != "" {
			verdict.Data = map[string]any{"reason": decision.Reason}
		}
	}

	h.recordResponse(sessionID, request.ID, decision, verdict.Reason)
	return verdict, nil
}

// await polls the store for a decision every poll interval until the
// configured timeout. A nil decision with a nil error means the request
// timed out; a non-nil error means the context was cancelled.
func (h *ApprovalHook) await(ctx context.Context, requestID string) (*models.ApprovalDecision, error) {
	timeout := h.defaults.ApprovalTimeout()
	if timeout <= 0 {
		return nil, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(h.defaults.ApprovalPoll())
	defer poll.Stop()

	for {
		decision, err := h.store.FindApprovalResponse(ctx, requestID)
		if err != nil {
			h.logger.Warn("Approval poll failed", "request_id", requestID, "error", err)
		} else if decision != nil {
			return decision, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-poll.C:
		}
	}
}

func (h *ApprovalHook) recordResponse(sessionID, requestID string, decision *models.ApprovalDecision, reason string) {
	approved := decision != nil && decision.Approved
	details := map[string]any{"request_id": requestID}
	if decision != nil && decision.Reason != "" {
		details["reason"] = decision.Reason
	}

	event := models.AuditEvent{
		Kind:      models.AuditApprovalResponse,
		SessionID: sessionID,
		Action:    reason,
		Details:   details,
		Success:   approved,
	}
	if decision == nil {
		event.Error = reason
	}
	h.audit.Record(event)

	payload := events.ApprovalResponsePayload{
		RequestID: requestID,
		Approved:  approved,
	}
	if decision != nil {
		payload.Reason = decision.Reason
	}
	h.bus.PublishApprovalResolved(sessionID, payload)
}

func describeRequest(inv *Invocation) (action, reason string) {
	action = "continuing the session"
	if inv.Step != nil {
		action = fmt.Sprintf("step %d (%s)", inv.Step.Index, inv.Step.Capability)
		if inv.Step.Description != "" {
			action = fmt.Sprintf("step %d (%s): %s", inv.Step.Index, inv.Step.Capability, inv.Step.Description)
		}
	}
	reason = inv.Escalation
	if reason == "" {
		reason = "policy escalation"
	}
	return action, reason
}
