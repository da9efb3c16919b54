package provider

import (
	"context"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/remote"
)

// HTTPProvider executes capabilities through the remote-execution adapter.
// The remote resource name defaults to the requested action so one provider
// can front many workflows.
type HTTPProvider struct {
	adapter *remote.Adapter
	kind    models.RemoteKind
	name    string
}

// NewHTTPProvider creates a provider posting to the adapter's endpoint for
// kind. A non-empty name pins the remote resource; otherwise the action
// names it per call.
func NewHTTPProvider(adapter *remote.Adapter, kind models.RemoteKind, name string) *HTTPProvider {
	return &HTTPProvider{adapter: adapter, kind: kind, name: name}
}

func (p *HTTPProvider) Execute(ctx context.Context, action string, params map[string]any, callCtx models.CallContext) models.Outcome {
	if p.adapter == nil {
		return fail("remote adapter not configured")
	}

	name := p.name
	if name == "" {
		name = action
	}

	result, err := p.adapter.Trigger(ctx, p.kind, name, params, callCtx)
	if err != nil {
		return fail("trigger failed: %v", err)
	}

	outcome := models.Outcome{
		Success: result.Success,
		Data:    result.Data,
		Error:   result.Error,
	}
	// Remote executors report configuration gaps in their response body.
	if result.Data != nil {
		if v, ok := result.Data["needs_api_key"].(bool); ok {
			outcome.NeedsAPIKey = v
		}
		if v, ok := result.Data["needs_setup"].(bool); ok {
			outcome.NeedsSetup = v
		}
		if v, ok := result.Data["install_command"].(string); ok {
			outcome.InstallCommand = v
		}
	}
	return outcome
}
