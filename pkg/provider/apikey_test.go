package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// countingProvider records how often it was invoked.
type countingProvider struct {
	calls int
}

func (p *countingProvider) Execute(context.Context, string, map[string]any, models.CallContext) models.Outcome {
	p.calls++
	return models.Outcome{Success: true}
}

func TestWithAPIKey(t *testing.T) {
	t.Run("missing key blocks the call", func(t *testing.T) {
		inner := &countingProvider{}
		p := WithAPIKey(inner, "PROVIDER_TEST_KEY_UNSET")

		outcome := p.Execute(context.Background(), "search", nil, models.CallContext{})

		assert.False(t, outcome.Success)
		assert.True(t, outcome.NeedsAPIKey)
		assert.Contains(t, outcome.Error, "PROVIDER_TEST_KEY_UNSET")
		assert.Zero(t, inner.calls)
	})

	t.Run("present key passes through", func(t *testing.T) {
		t.Setenv("PROVIDER_TEST_KEY", "k-123")
		inner := &countingProvider{}
		p := WithAPIKey(inner, "PROVIDER_TEST_KEY")

		outcome := p.Execute(context.Background(), "search", nil, models.CallContext{})

		require.True(t, outcome.Success)
		assert.Equal(t, 1, inner.calls)
	})

	t.Run("key is read per call", func(t *testing.T) {
		inner := &countingProvider{}
		p := WithAPIKey(inner, "PROVIDER_TEST_KEY_LATE")

		outcome := p.Execute(context.Background(), "search", nil, models.CallContext{})
		require.False(t, outcome.Success)

		t.Setenv("PROVIDER_TEST_KEY_LATE", "arrived")
		outcome = p.Execute(context.Background(), "search", nil, models.CallContext{})
		require.True(t, outcome.Success)
		assert.Equal(t, 1, inner.calls)
	})

	t.Run("empty variable name is a no-op wrapper", func(t *testing.T) {
		inner := &countingProvider{}
		assert.Same(t, inner, WithAPIKey(inner, ""))
	})
}
