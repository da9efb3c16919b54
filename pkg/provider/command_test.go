package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

func TestCommandProviderSuccess(t *testing.T) {
	p := NewCommandProvider("sh", []string{"-c"}, "", 0)

	outcome := p.Execute(context.Background(), "run",
		map[string]any{"args": []string{"echo hello"}}, models.CallContext{})

	require.True(t, outcome.Success)
	assert.Equal(t, "hello\n", outcome.Data["stdout"])
	assert.Equal(t, 0, outcome.Data["exit_code"])
	assert.NotContains(t, outcome.Data, "stderr")
}

func TestCommandProviderStdin(t *testing.T) {
	p := NewCommandProvider("sh", []string{"-c", "cat"}, "", 0)

	outcome := p.Execute(context.Background(), "run",
		map[string]any{"stdin": "piped data"}, models.CallContext{})

	require.True(t, outcome.Success)
	assert.Equal(t, "piped data", outcome.Data["stdout"])
}

func TestCommandProviderWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("found\n"), 0644))

	p := NewCommandProvider("sh", []string{"-c", "cat marker.txt"}, dir, 0)

	outcome := p.Execute(context.Background(), "run", nil, models.CallContext{})

	require.True(t, outcome.Success)
	assert.Equal(t, "found\n", outcome.Data["stdout"])
}

func TestCommandProviderNonZeroExit(t *testing.T) {
	p := NewCommandProvider("sh", []string{"-c", "echo oops >&2; exit 3"}, "", 0)

	outcome := p.Execute(context.Background(), "run", nil, models.CallContext{})

	require.False(t, outcome.Success)
	assert.Equal(t, 3, outcome.Data["exit_code"])
	assert.Equal(t, "exit status 3: oops", outcome.Error)
	assert.Equal(t, "oops\n", outcome.Data["stderr"])
	assert.False(t, outcome.NeedsSetup)
}

func TestCommandProviderTimeout(t *testing.T) {
	p := NewCommandProvider("sh", []string{"-c", "sleep 5"}, "", 50*time.Millisecond)

	start := time.Now()
	outcome := p.Execute(context.Background(), "run", nil, models.CallContext{})

	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCommandProviderMissingBinary(t *testing.T) {
	p := NewCommandProvider("definitely-not-a-real-binary", nil, "", 0)

	outcome := p.Execute(context.Background(), "run", nil, models.CallContext{})

	require.False(t, outcome.Success)
	assert.True(t, outcome.NeedsSetup)
	assert.Contains(t, outcome.Error, "failed to run")
}

func TestCommandProviderUnconfigured(t *testing.T) {
	p := NewCommandProvider("", nil, "", 0)

	outcome := p.Execute(context.Background(), "run", nil, models.CallContext{})

	require.False(t, outcome.Success)
	assert.Equal(t, "no binary configured", outcome.Error)
}

func TestCommandProviderOutputCapped(t *testing.T) {
	// Emit more than the capture cap; the command still succeeds and the
	// captured output stops at the cap.
	p := NewCommandProvider("sh", []string{"-c", "head -c 2097152 /dev/zero"}, "", 0)

	outcome := p.Execute(context.Background(), "run", nil, models.CallContext{})

	require.True(t, outcome.Success)
	stdout, ok := outcome.Data["stdout"].(string)
	require.True(t, ok)
	assert.Len(t, stdout, maxCommandOutputBytes)
}

func TestLLMCLIProviderPromptOverStdin(t *testing.T) {
	p := NewLLMCLIProvider("cat", nil, 0)

	outcome := p.Execute(context.Background(), "summarise",
		map[string]any{"prompt": "hello model"}, models.CallContext{})

	require.True(t, outcome.Success)
	assert.Equal(t, "hello model", outcome.Data["output"])
}

func TestLLMCLIProviderActionAsPrompt(t *testing.T) {
	p := NewLLMCLIProvider("cat", nil, 0)

	outcome := p.Execute(context.Background(), "say hi", nil, models.CallContext{})

	require.True(t, outcome.Success)
	assert.Equal(t, "say hi", outcome.Data["output"])
}

func TestLLMCLIProviderEmptyPrompt(t *testing.T) {
	p := NewLLMCLIProvider("cat", nil, 0)

	outcome := p.Execute(context.Background(), "   ", nil, models.CallContext{})

	require.False(t, outcome.Success)
	assert.Equal(t, "empty prompt", outcome.Error)
}

func TestLLMCLIProviderMissingBinary(t *testing.T) {
	p := NewLLMCLIProvider("definitely-not-a-real-binary", nil, 0)

	outcome := p.Execute(context.Background(), "prompt", nil, models.CallContext{})

	require.False(t, outcome.Success)
	assert.True(t, outcome.NeedsSetup)
	assert.Contains(t, outcome.Error, "not found on PATH")
}

func TestLLMCLIProviderUnconfigured(t *testing.T) {
	p := NewLLMCLIProvider("", nil, 0)

	outcome := p.Execute(context.Background(), "prompt", nil, models.CallContext{})

	require.False(t, outcome.Success)
	assert.True(t, outcome.NeedsSetup)
	assert.Equal(t, "no llm cli configured", outcome.Error)
}

func TestLLMCLIProviderFailure(t *testing.T) {
	p := NewLLMCLIProvider("sh", []string{"-c", "echo bad prompt >&2; exit 1"}, 0)

	outcome := p.Execute(context.Background(), "prompt", nil, models.CallContext{})

	require.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "llm cli failed: bad prompt")
}
