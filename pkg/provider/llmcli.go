package provider

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// DefaultLLMCLITimeout bounds one CLI completion. Reasoning calls are slow;
// the per-step capability timeout above this is the hard ceiling.
const DefaultLLMCLITimeout = 120 * time.Second

// LLMCLIProvider bridges to a local LLM command line tool. The prompt goes
// over stdin, stdout comes back as the outcome data. Used for plan reasoning
// and as an AI fallback provider.
type LLMCLIProvider struct {
	binary  string
	args    []string
	timeout time.Duration
}

// NewLLMCLIProvider creates a provider for the configured CLI binary.
func NewLLMCLIProvider(binary string, args []string, timeout time.Duration) *LLMCLIProvider {
	if timeout <= 0 {
		timeout = DefaultLLMCLITimeout
	}
	return &LLMCLIProvider{binary: binary, args: args, timeout: timeout}
}

func (p *LLMCLIProvider) Execute(ctx context.Context, action string, params map[string]any, _ models.CallContext) models.Outcome {
	if p.binary == "" {
		return models.Outcome{Success: false, Error: "no llm cli configured", NeedsSetup: true}
	}

	prompt := stringParam(params, "prompt")
	if prompt == "" {
		prompt = action
	}
	if strings.TrimSpace(prompt) == "" {
		return fail("empty prompt")
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.binary, p.args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxCommandOutputBytes}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxCommandOutputBytes}

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return fail("llm cli timed out after %s", p.timeout)
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return models.Outcome{
				Success:    false,
				Error:      p.binary + " not found on PATH",
				NeedsSetup: true,
			}
		}
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = err.Error()
		}
		return fail("llm cli failed: %s", errText)
	}

	return models.Outcome{Success: true, Data: map[string]any{
		"output": stdout.String(),
	}}
}
