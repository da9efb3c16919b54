package provider

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

const (
	// DefaultCommandTimeout bounds a subprocess when no timeout is
	// configured.
	DefaultCommandTimeout = 60 * time.Second

	// maxCommandOutputBytes caps captured stdout and stderr each.
	maxCommandOutputBytes = 1 << 20
)

// CommandProvider runs a configured binary as a subprocess. Extra arguments
// and stdin come from the call's params; a non-zero exit is a failed
// outcome, not an infrastructure error.
type CommandProvider struct {
	binary  string
	args    []string
	workDir string
	timeout time.Duration
}

// NewCommandProvider creates a provider for one binary. args are prepended
// to every invocation.
func NewCommandProvider(binary string, args []string, workDir string, timeout time.Duration) *CommandProvider {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandProvider{binary: binary, args: args, workDir: workDir, timeout: timeout}
}

func (p *CommandProvider) Execute(ctx context.Context, _ string, params map[string]any, _ models.CallContext) models.Outcome {
	if p.binary == "" {
		return fail("no binary configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append(append([]string(nil), p.args...), stringSliceParam(params, "args")...)
	cmd := exec.CommandContext(runCtx, p.binary, args...)
	cmd.Dir = p.workDir
	if stdin := stringParam(params, "stdin"); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxCommandOutputBytes}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxCommandOutputBytes}

	err := cmd.Run()

	data := map[string]any{
		"stdout": stdout.String(),
	}
	if stderr.Len() > 0 {
		data["stderr"] = stderr.String()
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return models.Outcome{Success: false, Data: data,
			Error: "command timed out after " + p.timeout.String()}
	case runCtx.Err() == context.Canceled:
		return models.Outcome{Success: false, Data: data, Error: "command cancelled"}
	case err == nil:
		data["exit_code"] = 0
		return models.Outcome{Success: true, Data: data}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			data["exit_code"] = exitErr.ExitCode()
			return models.Outcome{Success: false, Data: data,
				Error: commandError(exitErr.ExitCode(), stderr.String())}
		}
		// The binary could not be started at all.
		outcome := fail("failed to run %s: %v", p.binary, err)
		if errors.Is(err, exec.ErrNotFound) {
			outcome.NeedsSetup = true
		}
		return outcome
	}
}

// commandError folds the exit code and the first stderr line into one
// message.
func commandError(exitCode int, stderr string) string {
	msg := "exit status " + strconv.Itoa(exitCode)
	if firstLine := strings.TrimSpace(strings.SplitN(stderr, "\n", 2)[0]); firstLine != "" {
		msg += ": " + firstLine
	}
	return msg
}

// limitedBuffer stops capturing after max bytes so a chatty subprocess
// cannot exhaust memory. Extra output is discarded, not an error.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	_, _ = b.buf.Write(p)
	return n, nil
}
