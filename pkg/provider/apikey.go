package provider

import (
	"context"
	"os"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// apiKeyProvider gates a provider on an environment variable. The key is
// read at call time, not at startup, so operators can supply it without a
// restart.
type apiKeyProvider struct {
	inner  Provider
	envVar string
}

// WithAPIKey wraps a provider so every call first checks that the named
// environment variable is set. A missing key fails the call with
// needs_api_key, which the resolver records as a configuration gap.
func WithAPIKey(inner Provider, envVar string) Provider {
	if envVar == "" {
		return inner
	}
	return &apiKeyProvider{inner: inner, envVar: envVar}
}

func (p *apiKeyProvider) Execute(ctx context.Context, action string, params map[string]any, callCtx models.CallContext) models.Outcome {
	if os.Getenv(p.envVar) == "" {
		return models.Outcome{
			Success:     false,
			Error:       "environment variable " + p.envVar + " is not set",
			NeedsAPIKey: true,
		}
	}
	return p.inner.Execute(ctx, action, params, callCtx)
}
