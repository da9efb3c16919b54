package models

// HookAction is the verdict a policy hook returns.
type HookAction string

const (
	HookActionContinue  HookAction = "continue"
	HookActionSkip      HookAction = "skip"
	HookActionRetry     HookAction = "retry"
	HookActionTerminate HookAction = "terminate"
	HookActionEscalate  HookAction = "escalate"
)

// IsValid checks if the hook action is a known value.
func (a HookAction) IsValid() bool {
	switch a {
	case HookActionContinue, HookActionSkip, HookActionRetry,
		HookActionTerminate, HookActionEscalate:
		return true
	}
	return false
}

// HookTrigger is the point in the step lifecycle at which a hook fires.
type HookTrigger string

const (
	HookTriggerBefore     HookTrigger = "before"
	HookTriggerAfter      HookTrigger = "after"
	HookTriggerOnError    HookTrigger = "on-error"
	HookTriggerOnComplete HookTrigger = "on-complete"
)

// IsValid checks if the hook trigger is a known value.
func (t HookTrigger) IsValid() bool {
	switch t {
	case HookTriggerBefore, HookTriggerAfter, HookTriggerOnError, HookTriggerOnComplete:
		return true
	}
	return false
}

// HookResult is what a hook returns: an action plus why, how sure, and any
// data the engine should act on (suggested waits, input overrides).
type HookResult struct {
	Action     HookAction     `json:"action"`
	Reason     string         `json:"reason,omitempty"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data,omitempty"`
}

// ContinueResult is the neutral hook verdict.
func ContinueResult(reason string) HookResult {
	return HookResult{Action: HookActionContinue, Reason: reason, Confidence: 1.0}
}
