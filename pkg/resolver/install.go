package resolver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Installer runs provider install commands.
type Installer interface {
	Install(ctx context.Context, command string) error
}

// ShellInstaller runs install commands through the shell with a bounded
// timeout. Commands come from provider registrations, never from task text.
type ShellInstaller struct {
	timeout time.Duration
}

// NewShellInstaller creates an installer. A non-positive timeout falls back
// to five minutes.
func NewShellInstaller(timeout time.Duration) *ShellInstaller {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ShellInstaller{timeout: timeout}
}

// Install executes the command via `sh -c` and waits for it to finish.
func (i *ShellInstaller) Install(ctx context.Context, command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("empty install command")
	}

	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("install timed out after %s", i.timeout)
	}
	if err != nil {
		if line := firstLine(output.String()); line != "" {
			return fmt.Errorf("install failed: %w: %s", err, line)
		}
		return fmt.Errorf("install failed: %w", err)
	}
	return nil
}

// firstLine returns the first non-empty trimmed line of s.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
