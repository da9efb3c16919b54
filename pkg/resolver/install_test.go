package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellInstaller_Success(t *testing.T) {
	installer := NewShellInstaller(5 * time.Second)
	require.NoError(t, installer.Install(context.Background(), "true"))
}

func TestShellInstaller_CommandFails(t *testing.T) {
	installer := NewShellInstaller(5 * time.Second)
	err := installer.Install(context.Background(), "echo 'package not found' >&2; exit 3")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "install failed")
	assert.Contains(t, err.Error(), "package not found")
}

func TestShellInstaller_EmptyCommand(t *testing.T) {
	installer := NewShellInstaller(5 * time.Second)
	err := installer.Install(context.Background(), "   ")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty install command")
}

func TestShellInstaller_Timeout(t *testing.T) {
	installer := NewShellInstaller(100 * time.Millisecond)
	err := installer.Install(context.Background(), "sleep 5")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestShellInstaller_DefaultTimeout(t *testing.T) {
	installer := NewShellInstaller(0)
	assert.Equal(t, 5*time.Minute, installer.timeout)
}
